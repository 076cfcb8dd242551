package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply("Hello World")}, model: "test-model"}
	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGeneratePrompt_EmptyContent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply("  ")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected empty content error, got %v", err)
	}
}

func TestGenerateJSON_StripsFencesAndRequestsJSONObject(t *testing.T) {
	mock := &mockChatService{resp: reply("```json\n{\"riskLevel\":\"LOW\"}\n```")}
	client := &Client{chat: mock, model: "test-model", maxTokens: 200}
	out, err := client.GenerateJSON(context.Background(), "sys", "usr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"riskLevel":"LOW"}` {
		t.Errorf("unexpected output %q", out)
	}
	if len(mock.params) != 1 {
		t.Fatalf("expected one request, got %d", len(mock.params))
	}
	p := mock.params[0]
	if p.ResponseFormat.OfJSONObject == nil {
		t.Error("expected json_object response format")
	}
	if string(p.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", p.Model)
	}
	if len(p.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(p.Messages))
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil || cli.model != "gpt-4o" {
		t.Errorf("expected client with model gpt-4o, got %+v", cli)
	}
}
