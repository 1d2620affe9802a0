package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"visionchat/internal/config"
)

// ErrEmptyInput is returned when a request carries neither text nor an image.
var ErrEmptyInput = errors.New("please provide some input")

// Image is an encoded picture sent alongside the prompt.
type Image struct {
	Data     []byte
	MimeType string
}

// Request is one multimodal turn. The image, when present, travels in the
// same request as the text.
type Request struct {
	Prompt string
	Image  *Image
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Prompt) == "" && (r.Image == nil || len(r.Image.Data) == 0) {
		return ErrEmptyInput
	}
	return nil
}

// Client sends a request to a hosted multimodal model and returns its reply
// verbatim. Infer serves callers that want the whole reply at once.
type Client interface {
	Infer(ctx context.Context, req Request) (string, error)
	// Stream behaves like Infer and reports each text delta to onChunk.
	Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error)
}

// NewClient builds the client selected by cfg.Inference.
func NewClient(ctx context.Context, cfg *config.Config) (Client, error) {
	provider := cfg.Inference.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	switch cfg.Inference.Client {
	case "genai":
		return NewGenaiClient(ctx, provCfg.APIKey, provCfg.Model, provCfg.BaseURL)
	case "eino":
		chatModel, err := chatModelFactory(ctx, provider, provCfg)
		if err != nil {
			return nil, err
		}
		return NewEinoClient(chatModel), nil
	default:
		return nil, fmt.Errorf("invalid inference client: %s", cfg.Inference.Client)
	}
}
