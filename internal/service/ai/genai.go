package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-1.5-flash"

// GenaiClient talks to Gemini directly through the genai SDK.
type GenaiClient struct {
	client *genai.Client
	model  string
}

// NewGenaiClient dials the Gemini API. baseURL overrides the public endpoint
// when set.
func NewGenaiClient(ctx context.Context, apiKey, model, baseURL string) (*GenaiClient, error) {
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	return &GenaiClient{client: client, model: model}, nil
}

func (c *GenaiClient) Infer(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, buildContents(req), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}

func (c *GenaiClient) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	var full strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, buildContents(req), nil) {
		if err != nil {
			return "", fmt.Errorf("generate content stream: %w", err)
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return "", err
			}
		}
	}
	return full.String(), nil
}

// buildContents packs the prompt and the optional image into one user turn.
func buildContents(req Request) []*genai.Content {
	parts := make([]*genai.Part, 0, 2)
	if req.Prompt != "" {
		parts = append(parts, genai.NewPartFromText(req.Prompt))
	}
	if req.Image != nil && len(req.Image.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, req.Image.MimeType))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}
