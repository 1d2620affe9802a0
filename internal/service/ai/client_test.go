package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"visionchat/internal/config"
)

type stubChatModel struct {
	calls   int
	last    []*schema.Message
	reply   string
	chunks  []string
	genErr  error
	boundTo []*schema.ToolInfo
}

func (m *stubChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.calls++
	m.last = input
	if m.genErr != nil {
		return nil, m.genErr
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *stubChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.calls++
	m.last = input
	if m.genErr != nil {
		return nil, m.genErr
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (m *stubChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.boundTo = tools
	return m, nil
}

func TestRequestValidate(t *testing.T) {
	if err := (Request{Prompt: "  "}).validate(); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if err := (Request{Image: &Image{Data: []byte{1}, MimeType: "image/png"}}).validate(); err != nil {
		t.Fatalf("image-only request should be accepted: %v", err)
	}
	if err := (Request{Prompt: "hi"}).validate(); err != nil {
		t.Fatalf("text request should be accepted: %v", err)
	}
}

func TestBuildContentsCarriesImageInSameTurn(t *testing.T) {
	contents := buildContents(Request{
		Prompt: "\nWhat is this?",
		Image:  &Image{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png"},
	})
	if len(contents) != 1 {
		t.Fatalf("expected one content, got %d", len(contents))
	}
	if contents[0].Role != genai.RoleUser {
		t.Fatalf("expected user role, got %q", contents[0].Role)
	}
	parts := contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(parts))
	}
	if parts[0].Text != "\nWhat is this?" {
		t.Fatalf("prompt not sent verbatim: %q", parts[0].Text)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" {
		t.Fatalf("image part missing: %+v", parts[1])
	}
}

func TestBuildContentsTextOnly(t *testing.T) {
	contents := buildContents(Request{Prompt: "Describe this."})
	if len(contents[0].Parts) != 1 || contents[0].Parts[0].Text != "Describe this." {
		t.Fatalf("unexpected parts: %+v", contents[0].Parts)
	}
}

func TestEinoClientInferSendsSingleMultimodalMessage(t *testing.T) {
	stub := &stubChatModel{reply: "a cat"}
	client := NewEinoClient(stub)

	got, err := client.Infer(context.Background(), Request{
		Prompt: "What is this?",
		Image:  &Image{Data: []byte("img"), MimeType: "image/jpeg"},
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if got != "a cat" {
		t.Fatalf("expected verbatim reply, got %q", got)
	}
	if stub.calls != 1 || len(stub.last) != 1 {
		t.Fatalf("expected one call with one message, got calls=%d messages=%d", stub.calls, len(stub.last))
	}
	parts := stub.last[0].MultiContent
	if len(parts) != 2 || parts[0].Text != "What is this?" {
		t.Fatalf("unexpected parts: %+v", parts)
	}
	if parts[1].ImageURL == nil || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Fatalf("image not inlined: %+v", parts[1].ImageURL)
	}
}

func TestEinoClientStreamJoinsChunks(t *testing.T) {
	stub := &stubChatModel{chunks: []string{"Hel", "lo", "", "!"}}
	client := NewEinoClient(stub)

	var seen []string
	got, err := client.Stream(context.Background(), Request{Prompt: "hi"}, func(chunk string) error {
		seen = append(seen, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "Hello!" {
		t.Fatalf("expected Hello!, got %q", got)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 non-empty chunks, got %v", seen)
	}
	if stub.last[0].Content != "hi" {
		t.Fatalf("text-only request should use plain content, got %+v", stub.last[0])
	}
}

func TestEinoClientRejectsEmptyInput(t *testing.T) {
	stub := &stubChatModel{reply: "x"}
	if _, err := NewEinoClient(stub).Infer(context.Background(), Request{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if stub.calls != 0 {
		t.Fatalf("model must not be called for empty input")
	}
}

func TestNewClientUsesChatModelFactory(t *testing.T) {
	stub := &stubChatModel{reply: "ok"}
	orig := chatModelFactory
	chatModelFactory = func(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
		if provider != "openai" || provCfg.APIKey != "k" {
			t.Fatalf("unexpected provider config %s %+v", provider, provCfg)
		}
		return stub, nil
	}
	defer func() { chatModelFactory = orig }()

	cfg := &config.Config{
		Inference: config.InferenceConfig{Provider: "openai", Client: "eino"},
		Providers: map[string]config.ProviderConfig{"openai": {APIKey: "k", Model: "gpt"}},
	}
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got, err := client.Infer(context.Background(), Request{Prompt: "x"}); err != nil || got != "ok" {
		t.Fatalf("unexpected reply %q err=%v", got, err)
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	cfg := &config.Config{Inference: config.InferenceConfig{Provider: "nope", Client: "eino"}}
	if _, err := NewClient(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
