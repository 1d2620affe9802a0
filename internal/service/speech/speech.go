// Package speech turns microphone audio or uploaded clips into recognized text.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"visionchat/internal/audio"
	"visionchat/internal/config"
)

var (
	ErrUnintelligible     = errors.New("could not understand the audio")
	ErrServiceUnavailable = errors.New("speech recognition service error")
	ErrDeviceUnavailable  = errors.New("microphone unavailable")
)

// Clip is an encoded audio recording.
type Clip struct {
	Audio    []byte
	MimeType string
}

// Recognizer transcribes one clip. Implementations return ErrUnintelligible
// or ErrServiceUnavailable (possibly wrapped) on failure.
type Recognizer interface {
	Recognize(ctx context.Context, clip Clip) (string, error)
}

// Microphone opens a capture stream for one listen operation.
type Microphone interface {
	Open(ctx context.Context) (audio.Stream, error)
}

type Capturer struct {
	mic        Microphone
	recognizer Recognizer
	endpoint   audio.Endpointing
}

func NewCapturer(mic Microphone, recognizer Recognizer, ep audio.Endpointing) *Capturer {
	return &Capturer{mic: mic, recognizer: recognizer, endpoint: ep}
}

// New wires the Pulse microphone to the Gemini recognizer.
func New(ctx context.Context, cfg *config.Config) (*Capturer, error) {
	rec, err := NewGemini(ctx, cfg.GeminiAPIKey(), cfg.Speech.Model, cfg.Speech.Language)
	if err != nil {
		return nil, err
	}
	mic := audio.NewMicrophone(cfg.Speech.Input, cfg.Speech.Fallback, cfg.Speech.SampleRate)
	return NewCapturer(mic, rec, endpointing(cfg.Speech)), nil
}

func endpointing(sc config.SpeechConfig) audio.Endpointing {
	ep := audio.DefaultEndpointing()
	if sc.Threshold > 0 {
		ep.Threshold = sc.Threshold
	}
	if sc.PhraseTimeoutSec > 0 {
		ep.PhraseTimeout = time.Duration(sc.PhraseTimeoutSec) * time.Second
	}
	if sc.SilenceMS > 0 {
		ep.Silence = time.Duration(sc.SilenceMS) * time.Millisecond
	}
	if sc.MaxDurationSec > 0 {
		ep.MaxDuration = time.Duration(sc.MaxDurationSec) * time.Second
	}
	return ep
}

// Capture listens for one phrase on the microphone and transcribes it.
// The device is released before the recognizer is called.
func (c *Capturer) Capture(ctx context.Context) (string, error) {
	if c.mic == nil {
		return "", ErrDeviceUnavailable
	}
	stream, err := c.mic.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	rate := stream.SampleRate()
	pcm, err := audio.Listen(ctx, stream, c.endpoint)
	if err != nil {
		if errors.Is(err, audio.ErrNoSpeech) {
			return "", ErrUnintelligible
		}
		return "", err
	}
	return c.Recognize(ctx, Clip{Audio: audio.PCMToWAV(pcm, rate, 1, 2), MimeType: "audio/wav"})
}

// Recognize transcribes a clip recorded elsewhere, e.g. in the browser.
func (c *Capturer) Recognize(ctx context.Context, clip Clip) (string, error) {
	if len(clip.Audio) == 0 {
		return "", ErrUnintelligible
	}
	if clip.MimeType == "" {
		clip.MimeType = "audio/wav"
	}
	text, err := c.recognizer.Recognize(ctx, clip)
	if err != nil {
		if errors.Is(err, ErrUnintelligible) || errors.Is(err, ErrServiceUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrUnintelligible
	}
	return text, nil
}
