package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"visionchat/internal/config"
)

const claudeMaxTokens = 3000

// chatModelFactory is swapped in tests.
var chatModelFactory = NewChatModel

// NewChatModel builds the eino chat model for provider.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// EinoClient serves any provider with an eino chat model.
type EinoClient struct {
	chatModel model.BaseChatModel
}

func NewEinoClient(chatModel model.BaseChatModel) *EinoClient {
	return &EinoClient{chatModel: chatModel}
}

func (c *EinoClient) Infer(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	msg, err := c.chatModel.Generate(ctx, []*schema.Message{buildMessage(req)})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return msg.Content, nil
}

func (c *EinoClient) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	streamReader, err := c.chatModel.Stream(ctx, []*schema.Message{buildMessage(req)})
	if err != nil {
		return "", fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive ai stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return "", err
			}
		}
	}
	return full.String(), nil
}

// buildMessage turns a request into a single user message. Images travel as
// data URIs so every provider adapter receives them inline.
func buildMessage(req Request) *schema.Message {
	if req.Image == nil || len(req.Image.Data) == 0 {
		return schema.UserMessage(req.Prompt)
	}
	parts := make([]schema.ChatMessagePart, 0, 2)
	if req.Prompt != "" {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: req.Prompt,
		})
	}
	parts = append(parts, schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeImageURL,
		ImageURL: &schema.ChatMessageImageURL{
			URL:      "data:" + req.Image.MimeType + ";base64," + base64.StdEncoding.EncodeToString(req.Image.Data),
			MIMEType: req.Image.MimeType,
		},
	})
	return &schema.Message{
		Role:         schema.User,
		MultiContent: parts,
	}
}
