package speech

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultModel       = "gemini-1.5-flash"
	unintelligibleMark = "UNINTELLIGIBLE"
)

// Gemini transcribes audio with a multimodal Gemini model.
type Gemini struct {
	client   *genai.Client
	model    string
	language string
}

func NewGemini(ctx context.Context, apiKey, model, language string) (*Gemini, error) {
	if model == "" {
		model = defaultModel
	}
	if language == "" {
		language = "en-US"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, language: language}, nil
}

func (g *Gemini) Recognize(ctx context.Context, clip Clip) (string, error) {
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(transcriptionPrompt(g.language)),
		genai.NewPartFromBytes(clip.Audio, clip.MimeType),
	}, genai.RoleUser)}
	temp := float32(0)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature: &temp,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	return classify(resp.Text())
}

func transcriptionPrompt(language string) string {
	return fmt.Sprintf("Transcribe the speech in this recording verbatim (language %s). "+
		"Reply with the transcript only. If no words can be made out, reply with exactly %s.",
		language, unintelligibleMark)
}

func classify(transcript string) (string, error) {
	text := strings.TrimSpace(transcript)
	if text == "" || strings.EqualFold(strings.Trim(text, ".\"' "), unintelligibleMark) {
		return "", ErrUnintelligible
	}
	return text, nil
}
