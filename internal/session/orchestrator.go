package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"visionchat/internal/fsm"
	"visionchat/internal/models"
	"visionchat/internal/prompt"
	"visionchat/internal/service/ai"
	"visionchat/internal/service/report"
	"visionchat/internal/service/speech"
	"visionchat/internal/service/tts"
	"visionchat/internal/worker"
)

// flagBlocking is the busy flag shared by capture, generate and report, so a
// session runs one of them at a time.
const flagBlocking = "blocking"

// Synthesizer writes the audio artifact for a response into dir.
type Synthesizer interface {
	Synthesize(ctx context.Context, dir, text string) (*tts.Artifact, error)
}

// Recognizer captures and transcribes speech.
type Recognizer interface {
	Capture(ctx context.Context) (string, error)
	Recognize(ctx context.Context, clip speech.Clip) (string, error)
}

type ReportBuilder interface {
	Build(ctx context.Context, dir string, in report.Input) (string, error)
}

// Ledger records exchanges and tracks ephemeral image copies.
type Ledger interface {
	RecordExchange(ctx context.Context, ex *models.Exchange) error
	ListExchanges(ctx context.Context, sessionID string, limit int) ([]models.Exchange, error)
	DeleteSessionExchanges(ctx context.Context, sessionID string) error
	TrackImage(ctx context.Context, sessionID, path string, size int64, ttl time.Duration) (*models.EphemeralImage, error)
	ReleaseImage(ctx context.Context, path string) error
}

type Deps struct {
	Store      Store
	Dispatcher *worker.Dispatcher
	AI         ai.Client
	TTS        Synthesizer
	Speech     Recognizer
	Reports    ReportBuilder
	Ledger     Ledger
	DataDir    string
	JobTimeout time.Duration
	ImageTTL   time.Duration
}

// Orchestrator sequences the components over one session's state.
type Orchestrator struct {
	store      Store
	dispatcher *worker.Dispatcher
	ai         ai.Client
	tts        Synthesizer
	speech     Recognizer
	reports    ReportBuilder
	ledger     Ledger
	dataDir    string
	jobTimeout time.Duration
	imageTTL   time.Duration
}

func NewOrchestrator(d Deps) *Orchestrator {
	o := &Orchestrator{
		store:      d.Store,
		dispatcher: d.Dispatcher,
		ai:         d.AI,
		tts:        d.TTS,
		speech:     d.Speech,
		reports:    d.Reports,
		ledger:     d.Ledger,
		dataDir:    d.DataDir,
		jobTimeout: d.JobTimeout,
		imageTTL:   d.ImageTTL,
	}
	if o.jobTimeout <= 0 {
		o.jobTimeout = 2 * time.Minute
	}
	return o
}

// Dir is the directory holding a session's audio and report artifacts.
func (o *Orchestrator) Dir(id string) string {
	return filepath.Join(o.dataDir, "sessions", id)
}

func (o *Orchestrator) tempDir() string {
	return filepath.Join(o.dataDir, "tmp")
}

func (o *Orchestrator) Start(ctx context.Context) (*models.SessionState, error) {
	st, err := o.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.Dir(st.ID), 0o755); err != nil {
		_ = o.store.Delete(ctx, st.ID)
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	slog.Info("session started", "session", st.ID)
	return st, nil
}

func (o *Orchestrator) State(ctx context.Context, id string) (*models.SessionState, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	return o.store.Get(ctx, id)
}

// UploadImage replaces the session image. The previous ephemeral copy, if
// any, is deleted; the prior response and audio stay until overwritten.
func (o *Orchestrator) UploadImage(ctx context.Context, id, fileName string, data []byte) (*models.SessionState, error) {
	if _, err := o.State(ctx, id); err != nil {
		return nil, err
	}
	img, err := decodeUpload(fileName, data)
	if err != nil {
		return nil, err
	}
	path, err := writeTempImage(o.tempDir(), img.Data)
	if err != nil {
		return nil, err
	}
	img.TempPath = path

	var previous string
	st, err := o.store.Update(ctx, id, func(st *models.SessionState) error {
		if st.Phase == fsm.StateGenerating {
			return ErrBusy
		}
		next, err := fsm.Transition(st.Phase, fsm.EventImageUploaded)
		if err != nil {
			return err
		}
		if st.Image != nil {
			previous = st.Image.TempPath
		}
		st.Phase = next
		st.Image = img
		return nil
	})
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	o.discardImageCopy(ctx, previous)
	if o.ledger != nil {
		if _, err := o.ledger.TrackImage(ctx, id, path, int64(len(img.Data)), o.imageTTL); err != nil {
			slog.Warn("track image failed", "session", id, "path", path, "error", err)
		}
	}
	slog.Info("image uploaded", "session", id, "width", img.Width, "height", img.Height)
	return st, nil
}

// ClearImage drops the session image and its ephemeral copy.
func (o *Orchestrator) ClearImage(ctx context.Context, id string) (*models.SessionState, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	var previous string
	st, err := o.store.Update(ctx, id, func(st *models.SessionState) error {
		if st.Phase == fsm.StateGenerating {
			return ErrBusy
		}
		if st.Image != nil {
			previous = st.Image.TempPath
		}
		st.Image = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.discardImageCopy(ctx, previous)
	return st, nil
}

// CaptureSpeech listens on the microphone and stores the recognized text. On
// failure the session state is left untouched.
func (o *Orchestrator) CaptureSpeech(ctx context.Context, id string) (*models.SessionState, error) {
	if o.speech == nil {
		return nil, speech.ErrDeviceUnavailable
	}
	return o.recognize(ctx, id, "capture", o.speech.Capture)
}

// RecognizeClip transcribes audio recorded by the browser.
func (o *Orchestrator) RecognizeClip(ctx context.Context, id string, clip speech.Clip) (*models.SessionState, error) {
	if o.speech == nil {
		return nil, speech.ErrServiceUnavailable
	}
	return o.recognize(ctx, id, "recognize", func(ctx context.Context) (string, error) {
		return o.speech.Recognize(ctx, clip)
	})
}

func (o *Orchestrator) recognize(ctx context.Context, id, name string, fn func(context.Context) (string, error)) (*models.SessionState, error) {
	release, err := o.acquire(ctx, id, flagBlocking)
	if err != nil {
		return nil, err
	}
	jobCtx, cancel := o.jobContext(ctx)
	st, err := worker.Do(ctx, o.dispatcher, jobCtx, id, name, func(jctx context.Context) (*models.SessionState, error) {
		defer cancel()
		defer release()
		text, err := fn(jctx)
		if err != nil {
			return nil, err
		}
		return o.store.Update(context.WithoutCancel(jctx), id, func(st *models.SessionState) error {
			next, err := fsm.Transition(st.Phase, fsm.EventSpeechCaptured)
			if err != nil {
				return ErrBusy
			}
			st.Phase = next
			st.RecognizedSpeech = text
			return nil
		})
	})
	if notStarted(err) {
		cancel()
		release()
	}
	if err != nil {
		if errors.Is(err, speech.ErrUnintelligible) {
			slog.Info("speech not understood", "session", id)
		} else {
			slog.Warn("speech recognition failed", "session", id, "error", err)
		}
		return nil, err
	}
	return st, nil
}

// GenerateResult is the outcome of one generate action. SynthesisErr is set
// when the response was produced but could not be voiced.
type GenerateResult struct {
	State        *models.SessionState
	Response     string
	AudioPath    string
	SynthesisErr error
}

// Generate composes the prompt, runs inference and synthesis as one worker
// job and stores the outcome. onChunk receives streamed text; once the caller
// goes away the job still runs to completion and updates the session. A nil
// onChunk requests the reply in one piece.
func (o *Orchestrator) Generate(ctx context.Context, id, typed string, onChunk func(string) error) (*GenerateResult, error) {
	st, err := o.State(ctx, id)
	if err != nil {
		return nil, err
	}
	composed, err := prompt.Compose(typed, st.RecognizedSpeech)
	if err != nil {
		return nil, err
	}
	release, err := o.acquire(ctx, id, flagBlocking)
	if err != nil {
		return nil, err
	}

	st, err = o.store.Update(ctx, id, func(st *models.SessionState) error {
		next, err := fsm.Transition(st.Phase, fsm.EventGenerate)
		if err != nil {
			return ErrBusy
		}
		st.Phase = next
		return nil
	})
	if err != nil {
		release()
		return nil, err
	}

	req := ai.Request{Prompt: composed}
	if st.Image != nil && len(st.Image.Data) > 0 {
		req.Image = &ai.Image{Data: st.Image.Data, MimeType: st.Image.MimeType}
	}
	input := strings.TrimSpace(typed)

	jobCtx, cancel := o.jobContext(ctx)
	res, err := worker.Do(ctx, o.dispatcher, jobCtx, id, "generate", func(jctx context.Context) (*GenerateResult, error) {
		defer cancel()
		defer release()
		return o.runGenerate(jctx, id, input, req, onChunk)
	})
	if notStarted(err) {
		cancel()
		release()
		o.markFailed(context.WithoutCancel(ctx), id)
	}
	return res, err
}

func (o *Orchestrator) runGenerate(ctx context.Context, id, input string, req ai.Request, onChunk func(string) error) (*GenerateResult, error) {
	started := time.Now()
	persist := context.WithoutCancel(ctx)
	var text string
	var err error
	if onChunk == nil {
		text, err = o.ai.Infer(ctx, req)
	} else {
		text, err = o.ai.Stream(ctx, req, detachSink(onChunk))
	}
	if err != nil {
		o.markFailed(persist, id)
		slog.Error("inference failed", "session", id, "error", err)
		return nil, fmt.Errorf("inference: %w", err)
	}

	dir := o.Dir(id)
	res := &GenerateResult{Response: text}
	art, synthErr := o.tts.Synthesize(ctx, dir, text)
	if synthErr != nil {
		tts.Remove(dir)
		res.SynthesisErr = synthErr
		slog.Warn("speech synthesis failed", "session", id, "error", synthErr)
	} else {
		res.AudioPath = art.Path
	}

	st, err := o.store.Update(persist, id, func(st *models.SessionState) error {
		next, err := fsm.Transition(st.Phase, fsm.EventGenerated)
		if err != nil {
			return err
		}
		st.Phase = next
		st.AIResponse = text
		st.LastInput = input
		st.AudioPath = ""
		st.AudioMimeType = ""
		if art != nil {
			st.AudioPath = art.Path
			st.AudioMimeType = art.ContentType
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.State = st

	if o.ledger != nil {
		ex := &models.Exchange{
			SessionID: id,
			Prompt:    req.Prompt,
			HasImage:  req.Image != nil,
			Response:  text,
			AudioPath: res.AudioPath,
		}
		if err := o.ledger.RecordExchange(persist, ex); err != nil {
			slog.Warn("record exchange failed", "session", id, "error", err)
		}
	}
	slog.Info("response generated", "session", id, "chars", len(text), "has_image", req.Image != nil,
		"audio", res.AudioPath != "", "elapsed", time.Since(started))
	return res, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, id string) {
	_, err := o.store.Update(ctx, id, func(st *models.SessionState) error {
		next, err := fsm.Transition(st.Phase, fsm.EventGenerateFailed)
		if err != nil {
			return err
		}
		st.Phase = next
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("reset phase failed", "session", id, "error", err)
	}
}

// BuildReport renders the session into its PDF report and returns the path.
// The ephemeral image copy is deleted on every exit path.
func (o *Orchestrator) BuildReport(ctx context.Context, id, typed string) (string, error) {
	if !ValidID(id) {
		return "", ErrNotFound
	}
	release, err := o.acquire(ctx, id, flagBlocking)
	if err != nil {
		return "", err
	}
	defer release()

	// read under the flag so no generate can start until the report is out
	st, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if st.AIResponse == "" {
		return "", ErrNoResponse
	}
	if st.Phase == fsm.StateGenerating {
		return "", ErrBusy
	}

	imagePath, err := o.imageCopyFor(ctx, st)
	if imagePath != "" {
		defer o.consumeImage(context.WithoutCancel(ctx), id, imagePath)
	}
	if err != nil {
		return "", err
	}

	input := strings.TrimSpace(typed)
	if input == "" {
		input = st.LastInput
	}
	path, err := o.reports.Build(ctx, o.Dir(id), report.Input{
		InputText:        input,
		RecognizedSpeech: st.RecognizedSpeech,
		AIResponse:       st.AIResponse,
		ImagePath:        imagePath,
	})
	if err != nil {
		slog.Error("report build failed", "session", id, "error", err)
		return "", fmt.Errorf("build report: %w", err)
	}

	_, err = o.store.Update(ctx, id, func(st *models.SessionState) error {
		next, err := fsm.Transition(st.Phase, fsm.EventReportBuilt)
		if err != nil {
			return err
		}
		st.Phase = next
		st.ReportPath = path
		return nil
	})
	if err != nil {
		return "", err
	}
	slog.Info("report built", "session", id, "path", path, "image", imagePath != "")
	return path, nil
}

// imageCopyFor returns the on-disk copy of the session image, writing a fresh
// one if an earlier report already consumed it.
func (o *Orchestrator) imageCopyFor(ctx context.Context, st *models.SessionState) (string, error) {
	if st.Image == nil || len(st.Image.Data) == 0 {
		return "", nil
	}
	if st.Image.TempPath != "" {
		if _, err := os.Stat(st.Image.TempPath); err == nil {
			return st.Image.TempPath, nil
		}
	}
	path, err := writeTempImage(o.tempDir(), st.Image.Data)
	if err != nil {
		return "", err
	}
	if o.ledger != nil {
		if _, err := o.ledger.TrackImage(ctx, st.ID, path, int64(len(st.Image.Data)), o.imageTTL); err != nil {
			slog.Warn("track image failed", "session", st.ID, "path", path, "error", err)
		}
	}
	return path, nil
}

func (o *Orchestrator) consumeImage(ctx context.Context, id, path string) {
	o.discardImageCopy(ctx, path)
	_, err := o.store.Update(ctx, id, func(st *models.SessionState) error {
		if st.Image != nil && st.Image.TempPath == path {
			st.Image.TempPath = ""
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("clear image path failed", "session", id, "error", err)
	}
}

func (o *Orchestrator) discardImageCopy(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove image copy failed", "path", path, "error", err)
	}
	if o.ledger != nil {
		if err := o.ledger.ReleaseImage(ctx, path); err != nil {
			slog.Warn("release image record failed", "path", path, "error", err)
		}
	}
}

// History lists the exchanges recorded for the session.
func (o *Orchestrator) History(ctx context.Context, id string, limit int) ([]models.Exchange, error) {
	if _, err := o.State(ctx, id); err != nil {
		return nil, err
	}
	if o.ledger == nil {
		return nil, nil
	}
	return o.ledger.ListExchanges(ctx, id, limit)
}

// End discards the session and everything it left on disk.
func (o *Orchestrator) End(ctx context.Context, id string) error {
	st, err := o.State(ctx, id)
	if err != nil {
		return err
	}
	if o.dispatcher != nil {
		o.dispatcher.Cancel(id)
	}
	if st.Image != nil {
		o.discardImageCopy(ctx, st.Image.TempPath)
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	if o.ledger != nil {
		if err := o.ledger.DeleteSessionExchanges(ctx, id); err != nil {
			slog.Warn("delete exchanges failed", "session", id, "error", err)
		}
	}
	if err := os.RemoveAll(o.Dir(id)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	slog.Info("session ended", "session", id)
	return nil
}

// acquire takes a busy flag and returns its release func.
func (o *Orchestrator) acquire(ctx context.Context, id, flag string) (func(), error) {
	ok, err := o.store.TryAcquire(ctx, id, flag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}
	relCtx := context.WithoutCancel(ctx)
	return func() {
		if err := o.store.Release(relCtx, id, flag); err != nil {
			slog.Warn("release busy flag failed", "session", id, "flag", flag, "error", err)
		}
	}, nil
}

// jobContext detaches a job from the request so it runs to completion,
// bounded by the job timeout.
func (o *Orchestrator) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.jobTimeout)
}

// notStarted reports errors meaning the job was never run.
func notStarted(err error) bool {
	return errors.Is(err, worker.ErrDispatcherBusy) ||
		errors.Is(err, worker.ErrStopped) ||
		errors.Is(err, worker.ErrJobCancelled)
}

// detachSink forwards chunks until the first delivery error, then drops the
// rest so a vanished client never aborts the job.
func detachSink(onChunk func(string) error) func(string) error {
	if onChunk == nil {
		return nil
	}
	failed := false
	return func(chunk string) error {
		if failed {
			return nil
		}
		if err := onChunk(chunk); err != nil {
			failed = true
		}
		return nil
	}
}
