package tts

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"visionchat/internal/audio"
	"visionchat/internal/config"
)

const (
	defaultGeminiTTSModel = "gemini-2.5-flash-preview-tts"
	defaultGeminiVoice    = "Kore"
	// Gemini speech output is 24 kHz mono signed 16-bit PCM.
	geminiSampleRate = 24000
)

// Gemini synthesizes speech with a Gemini audio-output model.
type Gemini struct {
	client *genai.Client
	model  string
	voice  string
}

func NewGemini(ctx context.Context, apiKey string, cfg config.GeminiTTS) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	g := &Gemini{client: client, model: cfg.Model, voice: cfg.Voice}
	if g.model == "" {
		g.model = defaultGeminiTTSModel
	}
	if g.voice == "" {
		g.voice = defaultGeminiVoice
	}
	return g, nil
}

func (g *Gemini) Synthesize(ctx context.Context, text string) (*Result, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.voice},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini tts: %w", err)
	}
	pcm, err := audioFromResponse(resp)
	if err != nil {
		return nil, err
	}
	return &Result{
		Audio:       audio.PCMToWAV(pcm, geminiSampleRate, 1, 2),
		ContentType: "audio/wav",
		Ext:         ".wav",
	}, nil
}

func audioFromResponse(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("gemini tts: empty response")
	}
	var pcm []byte
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil {
				pcm = append(pcm, part.InlineData.Data...)
			}
		}
		if len(pcm) > 0 {
			return pcm, nil
		}
	}
	return nil, errors.New("gemini tts: response carried no audio")
}
