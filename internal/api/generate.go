package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"visionchat/internal/prompt"
	"visionchat/internal/session"
)

// sseWriter serialises server-sent events on one response. Writes stop after
// the first failure, which means the client went away.
type sseWriter struct {
	mu      sync.Mutex
	w       gin.ResponseWriter
	flusher http.Flusher
	broken  bool
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errClientGone
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.broken = true
		return err
	}
	s.flusher.Flush()
	return nil
}

var errClientGone = errors.New("client disconnected")

// generate streams the model reply as SSE: ack, stream*, then done or error.
// Input problems are rejected with a plain JSON response before the stream
// opens. Clients that accept only JSON get the finished reply in one body.
func (h *Handler) generate(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	req, ok := bindText(c)
	if !ok {
		return
	}
	st, err := h.sessions.State(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := prompt.Compose(req.TypedText, st.RecognizedSpeech); err != nil {
		respondError(c, err)
		return
	}

	if c.NegotiateFormat("text/event-stream", gin.MIMEJSON) == gin.MIMEJSON {
		res, err := h.sessions.Generate(c.Request.Context(), id, req.TypedText, nil)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, generatedBody(res))
		return
	}

	sse, ok := newSSEWriter(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	if err := sse.send("ack", gin.H{
		"typed_text":        req.TypedText,
		"recognized_speech": st.RecognizedSpeech,
		"has_image":         st.Image != nil,
	}); err != nil {
		return
	}

	res, err := h.sessions.Generate(c.Request.Context(), id, req.TypedText, func(chunk string) error {
		return sse.send("stream", gin.H{"content": chunk})
	})
	if err != nil {
		status, key, msg := statusFor(err)
		_ = sse.send("error", gin.H{"message": msg, "kind": key, "status": status})
		return
	}
	_ = sse.send("done", generatedBody(res))
}

func generatedBody(res *session.GenerateResult) gin.H {
	body := gin.H{
		"response": res.Response,
		"session":  sessionView(res.State),
	}
	if res.SynthesisErr != nil {
		body["warning"] = "response generated but audio could not be produced: " + res.SynthesisErr.Error()
	}
	return body
}
