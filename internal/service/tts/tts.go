// Package tts turns response text into a playable audio artifact.
package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"visionchat/internal/config"
)

// ArtifactBase is the fixed name, without extension, of the audio artifact.
const ArtifactBase = "response_audio"

// ErrSynthesis wraps every failure to produce audio.
var ErrSynthesis = errors.New("speech synthesis failed")

// Synthesizer converts text to encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Result, error)
}

// Result is the encoded audio produced by a backend.
type Result struct {
	Audio       []byte
	ContentType string // audio/mpeg, audio/wav
	Ext         string // ".mp3", ".wav"
}

// Artifact is an audio file written to disk.
type Artifact struct {
	Path        string
	ContentType string
}

// Adapter writes one audio artifact per directory, overwriting the previous one.
type Adapter struct {
	synth Synthesizer
}

func NewAdapter(synth Synthesizer) *Adapter {
	return &Adapter{synth: synth}
}

// Synthesize renders text and stores it at dir/response_audio.<ext>. Any
// artifact left by an earlier call is replaced, including one with a
// different extension.
func (a *Adapter) Synthesize(ctx context.Context, dir, text string) (*Artifact, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrSynthesis)
	}
	res, err := a.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	if len(res.Audio) == 0 {
		return nil, fmt.Errorf("%w: backend returned no audio", ErrSynthesis)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	path := filepath.Join(dir, ArtifactBase+res.Ext)
	if err := writeAtomic(dir, path, res.Audio); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	for _, ext := range []string{".mp3", ".wav"} {
		if ext != res.Ext {
			_ = os.Remove(filepath.Join(dir, ArtifactBase+ext))
		}
	}
	return &Artifact{Path: path, ContentType: res.ContentType}, nil
}

// Remove deletes whatever artifact dir holds.
func Remove(dir string) {
	for _, ext := range []string{".mp3", ".wav"} {
		_ = os.Remove(filepath.Join(dir, ArtifactBase+ext))
	}
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".audio-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// New builds the synthesizer selected by cfg.TTS.Backend.
func New(ctx context.Context, cfg *config.Config) (Synthesizer, error) {
	switch cfg.TTS.Backend {
	case "gtts", "":
		return NewGTTS(cfg.TTS.GTTS.BaseURL, cfg.TTS.Language), nil
	case "gemini":
		return NewGemini(ctx, cfg.GeminiAPIKey(), cfg.TTS.Gemini)
	case "piper":
		return NewPiper(cfg.TTS.Piper), nil
	default:
		return nil, fmt.Errorf("unsupported tts backend %q", cfg.TTS.Backend)
	}
}
