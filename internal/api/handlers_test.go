package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"visionchat/internal/auth"
	"visionchat/internal/config"
	"visionchat/internal/prompt"
	"visionchat/internal/service/ai"
	"visionchat/internal/service/assistant"
	"visionchat/internal/service/report"
	"visionchat/internal/service/speech"
	"visionchat/internal/service/tts"
	"visionchat/internal/session"
	"visionchat/internal/storage"
	"visionchat/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, mocks := newTestServer(t)
	headers := startSession(t, router)

	// Blank input is a warning and never reaches the model.
	blank := doJSONRequest(t, router, http.MethodPost, "/api/generate", map[string]string{"typed_text": "  "}, headers)
	assertStatus(t, blank, http.StatusUnprocessableEntity)
	if !strings.Contains(blank.Body.String(), prompt.ErrNoInput.Error()) {
		t.Fatalf("expected no-input warning, got %s", blank.Body.String())
	}
	if n := mocks.ai.callCount(); n != 0 {
		t.Fatalf("expected no inference call, got %d", n)
	}

	upload := doMultipart(t, router, "/api/image", "file", "photo.jpg", jpegBytes(t), headers)
	assertStatus(t, upload, http.StatusOK)

	clip := doMultipart(t, router, "/api/speech/clip", "audio", "clip.wav", []byte("RIFF....WAVE"), headers)
	assertStatus(t, clip, http.StatusOK)
	var clipBody struct {
		Session struct {
			RecognizedSpeech string `json:"recognized_speech"`
		} `json:"session"`
	}
	decodeJSON(t, clip.Body.Bytes(), &clipBody)
	if clipBody.Session.RecognizedSpeech != "What is this?" {
		t.Fatalf("unexpected recognized speech %q", clipBody.Session.RecognizedSpeech)
	}

	gen := postSSE(t, router, "/api/generate", map[string]string{"typed_text": ""}, headers)
	assertStatus(t, gen, http.StatusOK)
	events := parseSSE(t, gen.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected at least 3 SSE events, got %d: %s", len(events), gen.Body.String())
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first SSE event to be ack, got %s", events[0].Name)
	}
	var streamed strings.Builder
	for _, evt := range events[1 : len(events)-1] {
		if evt.Name != "stream" {
			t.Fatalf("expected stream event, got %s", evt.Name)
		}
		var chunk struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(evt.Data), &chunk)
		streamed.WriteString(chunk.Content)
	}
	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("expected done event, got %s: %s", last.Name, last.Data)
	}
	var done struct {
		Response string `json:"response"`
		Warning  string `json:"warning"`
		Session  struct {
			AIResponse string `json:"ai_response"`
			HasAudio   bool   `json:"has_audio"`
		} `json:"session"`
	}
	decodeJSON(t, []byte(last.Data), &done)
	if done.Response != mocks.ai.reply || done.Session.AIResponse != mocks.ai.reply || streamed.String() != mocks.ai.reply {
		t.Fatalf("response mismatch: done=%q session=%q streamed=%q", done.Response, done.Session.AIResponse, streamed.String())
	}
	if !done.Session.HasAudio || done.Warning != "" {
		t.Fatalf("expected audio without warning, got %+v", done)
	}
	req := mocks.ai.lastRequest()
	if req.Prompt != "\nWhat is this?" || req.Image == nil {
		t.Fatalf("expected combined prompt with image, got %q image=%v", req.Prompt, req.Image != nil)
	}

	audio := doJSONRequest(t, router, http.MethodGet, "/api/audio", nil, headers)
	assertStatus(t, audio, http.StatusOK)
	if got := audio.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("unexpected audio content type %q", got)
	}
	if audio.Body.String() != mocks.ai.reply {
		t.Fatalf("unexpected audio body %q", audio.Body.String())
	}

	pdf := doJSONRequest(t, router, http.MethodPost, "/api/report", map[string]string{"typed_text": ""}, headers)
	assertStatus(t, pdf, http.StatusOK)
	if got := pdf.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("unexpected report content type %q", got)
	}
	if cd := pdf.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, report.FileName) {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if !bytes.HasPrefix(pdf.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("report body is not a PDF")
	}

	hist := doJSONRequest(t, router, http.MethodGet, "/api/history", nil, headers)
	assertStatus(t, hist, http.StatusOK)
	var histBody struct {
		Exchanges []struct {
			Prompt   string `json:"prompt"`
			HasImage bool   `json:"has_image"`
		} `json:"exchanges"`
	}
	decodeJSON(t, hist.Body.Bytes(), &histBody)
	if len(histBody.Exchanges) != 1 || !histBody.Exchanges[0].HasImage {
		t.Fatalf("unexpected history %+v", histBody.Exchanges)
	}

	end := doJSONRequest(t, router, http.MethodDelete, "/api/session", nil, headers)
	assertStatus(t, end, http.StatusNoContent)
	gone := doJSONRequest(t, router, http.MethodGet, "/api/session", nil, headers)
	assertStatus(t, gone, http.StatusUnauthorized)
}

func TestGenerateReportsInferenceErrorEvent(t *testing.T) {
	router, mocks := newTestServer(t)
	headers := startSession(t, router)
	mocks.ai.setErr(errors.New("model overloaded"))

	resp := postSSE(t, router, "/api/generate", map[string]string{"typed_text": "Describe this."}, headers)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[0].Name != "ack" || events[1].Name != "error" {
		t.Fatalf("expected ack then error, got %+v", events)
	}
	if !strings.Contains(events[1].Data, "model overloaded") {
		t.Fatalf("error event should carry the cause: %s", events[1].Data)
	}
}

func TestGenerateSynthesisFailureIsWarning(t *testing.T) {
	router, mocks := newTestServer(t)
	headers := startSession(t, router)
	mocks.synth.err = errors.New("tts offline")

	resp := postSSE(t, router, "/api/generate", map[string]string{"typed_text": "Describe this."}, headers)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Name != "done" || !strings.Contains(last.Data, "audio could not be produced") {
		t.Fatalf("expected done with warning, got %s %s", last.Name, last.Data)
	}
	audio := doJSONRequest(t, router, http.MethodGet, "/api/audio", nil, headers)
	assertStatus(t, audio, http.StatusNotFound)
}

func TestGenerateAnswersJSONClients(t *testing.T) {
	router, mocks := newTestServer(t)
	headers := startSession(t, router)
	headers["Accept"] = "application/json"

	resp := doJSONRequest(t, router, http.MethodPost, "/api/generate", map[string]string{"typed_text": "Describe this."}, headers)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected JSON body, got %q", ct)
	}
	var body struct {
		Response string `json:"response"`
		Session  struct {
			AIResponse string `json:"ai_response"`
		} `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Response != "It is a red square." || body.Session.AIResponse != body.Response {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if n := mocks.ai.inferCount(); n != 1 {
		t.Fatalf("expected one non-streaming inference call, got %d", n)
	}
}

func TestSpeechErrorsMapToStatus(t *testing.T) {
	router, mocks := newTestServer(t)
	headers := startSession(t, router)

	mocks.speech.err = speech.ErrUnintelligible
	resp := doJSONRequest(t, router, http.MethodPost, "/api/speech/capture", nil, headers)
	assertStatus(t, resp, http.StatusUnprocessableEntity)
	if !strings.Contains(resp.Body.String(), `"warning"`) {
		t.Fatalf("expected warning payload, got %s", resp.Body.String())
	}

	mocks.speech.err = fmt.Errorf("%w: dial tcp: timeout", speech.ErrServiceUnavailable)
	resp = doJSONRequest(t, router, http.MethodPost, "/api/speech/capture", nil, headers)
	assertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestReportRequiresResponse(t *testing.T) {
	router, _ := newTestServer(t)
	headers := startSession(t, router)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/report", nil, headers)
	assertStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestUploadRejectsNonImage(t *testing.T) {
	router, _ := newTestServer(t)
	headers := startSession(t, router)
	resp := doMultipart(t, router, "/api/image", "file", "notes.txt", []byte("hello"), headers)
	assertStatus(t, resp, http.StatusUnprocessableEntity)

	resp = doMultipart(t, router, "/api/image", "other", "a.jpg", jpegBytes(t), headers)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestCookieSessionRequiresCSRF(t *testing.T) {
	router, _ := newTestServer(t)
	start := doJSONRequest(t, router, http.MethodPost, "/api/session", nil, nil)
	assertStatus(t, start, http.StatusCreated)
	var body struct {
		CSRF string `json:"csrf_token"`
	}
	decodeJSON(t, start.Body.Bytes(), &body)

	send := func(csrf string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/image", nil)
		for _, ck := range start.Result().Cookies() {
			req.AddCookie(ck)
		}
		if csrf != "" {
			req.Header.Set("X-CSRF-Token", csrf)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}
	assertStatus(t, send(""), http.StatusForbidden)
	assertStatus(t, send(body.CSRF), http.StatusOK)
}

func TestHealthEndpoints(t *testing.T) {
	router, mocks := newTestServer(t)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/readyz", nil, nil), http.StatusServiceUnavailable)
	mocks.health.SetReady(true)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/readyz", nil, nil), http.StatusOK)
}

func TestIndexServesPage(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "Generate Response") {
		t.Fatalf("index page missing controls")
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		key    string
	}{
		{prompt.ErrNoInput, http.StatusUnprocessableEntity, "warning"},
		{speech.ErrUnintelligible, http.StatusUnprocessableEntity, "warning"},
		{ai.ErrEmptyInput, http.StatusUnprocessableEntity, "warning"},
		{session.ErrBusy, http.StatusConflict, "error"},
		{session.ErrNotFound, http.StatusNotFound, "error"},
		{worker.ErrDispatcherBusy, http.StatusTooManyRequests, "error"},
		{fmt.Errorf("wrap: %w", speech.ErrServiceUnavailable), http.StatusServiceUnavailable, "error"},
		{errors.New("boom"), http.StatusInternalServerError, "error"},
	}
	for _, tc := range cases {
		status, key, _ := statusFor(tc.err)
		if status != tc.status || key != tc.key {
			t.Fatalf("statusFor(%v) = %d %s, want %d %s", tc.err, status, key, tc.status, tc.key)
		}
	}
}

type testMocks struct {
	ai     *mockAI
	synth  *mockSynth
	speech *mockSpeech
	health *Health
}

func newTestServer(t *testing.T) (*gin.Engine, *testMocks) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dispatcher := worker.NewDispatcher(1, 4, 16, time.Minute)
	t.Cleanup(dispatcher.Stop)

	mocks := &testMocks{
		ai:     &mockAI{reply: "It is a red square."},
		synth:  &mockSynth{},
		speech: &mockSpeech{text: "What is this?"},
	}
	ledger := assistant.NewService(db)
	store := session.NewMemoryStore(time.Hour, time.Minute)
	orch := session.NewOrchestrator(session.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		AI:         mocks.ai,
		TTS:        tts.NewAdapter(mocks.synth),
		Speech:     mocks.speech,
		Reports:    report.NewBuilder(report.Options{}),
		Ledger:     ledger,
		DataDir:    t.TempDir(),
		JobTimeout: 10 * time.Second,
	})
	mocks.health = NewHealth(map[string]Pinger{"ledger": ledger})
	handler := NewHandler(orch, auth.NewService(orch, time.Hour, false), mocks.health, 1<<20)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, mocks
}

func startSession(t *testing.T, router *gin.Engine) map[string]string {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/session", nil, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Session.ID == "" {
		t.Fatalf("expected session id")
	}
	return map[string]string{"X-Session-ID": body.Session.ID}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doMultipart(t *testing.T, router *gin.Engine, path, field, filename string, data []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 220, G: 20, B: 20, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var events []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		var evt sseEvent
		for _, line := range strings.Split(strings.TrimSpace(chunk), "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

type mockAI struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []ai.Request
	infers   int
}

func (m *mockAI) Infer(ctx context.Context, req ai.Request) (string, error) {
	m.mu.Lock()
	m.infers++
	m.mu.Unlock()
	return m.Stream(ctx, req, nil)
}

func (m *mockAI) inferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infers
}

func (m *mockAI) Stream(ctx context.Context, req ai.Request, onChunk func(string) error) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	reply, err := m.reply, m.err
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		if onChunk != nil {
			if err := onChunk(word); err != nil {
				return "", err
			}
		}
	}
	return reply, nil
}

func (m *mockAI) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockAI) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockAI) lastRequest() ai.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type mockSynth struct {
	err error
}

func (m *mockSynth) Synthesize(ctx context.Context, text string) (*tts.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &tts.Result{Audio: []byte(text), ContentType: "audio/mpeg", Ext: ".mp3"}, nil
}

type mockSpeech struct {
	text string
	err  error
}

func (m *mockSpeech) Capture(ctx context.Context) (string, error) { return m.text, m.err }

func (m *mockSpeech) Recognize(ctx context.Context, clip speech.Clip) (string, error) {
	return m.text, m.err
}
