package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"visionchat/internal/auth"
	"visionchat/internal/models"
	"visionchat/internal/service/report"
	"visionchat/internal/service/speech"
	"visionchat/internal/session"
	"visionchat/internal/web"
)

const defaultMaxUploadBytes = 10 << 20

// Handler wires HTTP routes to the session orchestrator.
type Handler struct {
	sessions  *session.Orchestrator
	auth      *auth.Service
	health    *Health
	maxUpload int64
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions *session.Orchestrator, authService *auth.Service, health *Health, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &Handler{sessions: sessions, auth: authService, health: health, maxUpload: maxUpload}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.index)
	if h.health != nil {
		router.GET("/healthz", h.health.liveness)
		router.GET("/readyz", h.health.readiness)
	}

	api := router.Group("/api")
	api.POST("/session", h.startSession)

	scoped := api.Group("")
	scoped.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	scoped.GET("/session", h.getSession)
	scoped.DELETE("/session", h.endSession)
	scoped.POST("/image", h.uploadImage)
	scoped.DELETE("/image", h.clearImage)
	scoped.POST("/speech/capture", h.captureSpeech)
	scoped.POST("/speech/clip", h.recognizeClip)
	scoped.POST("/generate", h.generate)
	scoped.GET("/audio", h.audio)
	scoped.POST("/report", h.buildReport)
	scoped.GET("/history", h.history)
}

func (h *Handler) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.Index())
}

// sessionView is the client-facing projection of session state. Paths and
// image bytes stay on the server.
func sessionView(st *models.SessionState) gin.H {
	if st == nil {
		return nil
	}
	view := gin.H{
		"id":                st.ID,
		"phase":             st.Phase,
		"recognized_speech": st.RecognizedSpeech,
		"ai_response":       st.AIResponse,
		"last_input":        st.LastInput,
		"has_audio":         st.AudioPath != "",
		"has_report":        st.ReportPath != "",
		"updated_at":        st.UpdatedAt,
	}
	if st.Image != nil {
		view["image"] = gin.H{
			"file_name": st.Image.FileName,
			"width":     st.Image.Width,
			"height":    st.Image.Height,
		}
	}
	return view
}

func (h *Handler) sessionID(c *gin.Context) (string, bool) {
	id, ok := auth.SessionIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return "", false
	}
	return id, true
}

func (h *Handler) startSession(c *gin.Context) {
	st, err := h.sessions.Start(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	csrf, err := h.auth.IssueCookies(c, st.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sessionView(st), "csrf_token": csrf})
}

func (h *Handler) getSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	st, err := h.sessions.State(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	csrf, _ := c.Cookie(h.auth.CSRFCookieName())
	c.JSON(http.StatusOK, gin.H{"session": sessionView(st), "csrf_token": csrf})
}

func (h *Handler) endSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	if err := h.sessions.End(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.auth.ClearCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) uploadImage(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	data, name, _, ok := h.readUpload(c, "file")
	if !ok {
		return
	}
	st, err := h.sessions.UploadImage(c.Request.Context(), id, filepath.Base(name), data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionView(st)})
}

func (h *Handler) clearImage(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	st, err := h.sessions.ClearImage(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionView(st)})
}

// readUpload reads one multipart file field within the upload limit.
func (h *Handler) readUpload(c *gin.Context, field string) ([]byte, string, string, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+(1<<20))
	file, err := c.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return nil, "", "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s is required", field)})
		return nil, "", "", false
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, "", "", false
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return nil, "", "", false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return nil, "", "", false
	}
	contentType := file.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, file.Filename, contentType, true
}

func (h *Handler) captureSpeech(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	st, err := h.sessions.CaptureSpeech(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionView(st)})
}

func (h *Handler) recognizeClip(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	data, _, contentType, ok := h.readUpload(c, "audio")
	if !ok {
		return
	}
	st, err := h.sessions.RecognizeClip(c.Request.Context(), id, speech.Clip{Audio: data, MimeType: contentType})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionView(st)})
}

type textRequest struct {
	TypedText string `json:"typed_text"`
}

// bindText accepts an empty body as empty typed text.
func bindText(c *gin.Context) (textRequest, bool) {
	var req textRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return req, false
	}
	return req, true
}

func (h *Handler) audio(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	st, err := h.sessions.State(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if st.AudioPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audio available"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Content-Type", st.AudioMimeType)
	c.File(st.AudioPath)
}

func (h *Handler) buildReport(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	req, ok := bindText(c)
	if !ok {
		return
	}
	path, err := h.sessions.BuildReport(c.Request.Context(), id, req.TypedText)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Type", "application/pdf")
	c.Header("Cache-Control", "no-store")
	c.FileAttachment(path, report.FileName)
}

func (h *Handler) history(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	exchanges, err := h.sessions.History(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if exchanges == nil {
		exchanges = []models.Exchange{}
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": exchanges})
}
