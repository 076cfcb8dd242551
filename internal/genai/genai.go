// Package genai wraps the OpenAI chat completion API for the analysis worker.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

var (
	// ErrNoAPIKey is returned when no API key was configured.
	ErrNoAPIKey = errors.New("openai api key not set")
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyContent is returned when the first choice has no content.
	ErrEmptyContent = errors.New("empty content in response")
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK completion service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
	log         *logger.Logger
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
	Logger      *logger.Logger
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option { return func(o *Opts) { o.APIKey = key } }

// WithModel sets the chat model.
func WithModel(model string) Option { return func(o *Opts) { o.Model = model } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(o *Opts) { o.Temperature = t } }

// WithMaxTokens caps completion tokens. Zero leaves the model default.
func WithMaxTokens(n int64) Option { return func(o *Opts) { o.MaxTokens = n } }

// WithDebugMode writes every request/response pair under <stateDir>/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(o *Opts) { o.Logger = l } }

// NewClient creates a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: 0.2}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:        completions{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
		log:         cfg.Logger,
	}, nil
}

func (c *Client) params(system, user string, jsonMode bool) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		p.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	if jsonMode {
		p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return p
}

// GeneratePrompt returns the model's plain text answer.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, "GeneratePrompt", c.params(systemPrompt, userPrompt, false))
}

// GenerateJSON asks for a JSON object response and returns it with any
// markdown fences removed.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	out, err := c.complete(ctx, "GenerateJSON", c.params(systemPrompt, userPrompt, true))
	if err != nil {
		return "", err
	}
	return stripFences(out), nil
}

func (c *Client) logOrNop() *logger.Logger {
	if c.log == nil {
		return logger.NewNop()
	}
	return c.log
}

func (c *Client) complete(ctx context.Context, method string, params openai.ChatCompletionNewParams) (string, error) {
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if c.debugMode {
		c.writeDebug(method, params, resp, err)
	}
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	c.logOrNop().Debug("Client.complete: completion received",
		"model", c.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start))
	return content, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// debugRecord is the file written per call in debug mode.
type debugRecord struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Request   openai.ChatCompletionNewParams `json:"request"`
	Response  *openai.ChatCompletion         `json:"response,omitempty"`
	Error     string                         `json:"error,omitempty"`
}

func (c *Client) writeDebug(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logOrNop().Warn("Client.writeDebug: mkdir failed", "dir", dir, "error", err)
		return
	}
	rec := debugRecord{Timestamp: time.Now().UTC(), Method: method, Model: c.model, Request: params}
	if callErr != nil {
		rec.Error = callErr.Error()
	} else {
		rec.Response = &resp
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		c.logOrNop().Warn("Client.writeDebug: marshal failed", "error", err)
		return
	}
	name := filepath.Join(dir, fmt.Sprintf("openai_%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		c.logOrNop().Warn("Client.writeDebug: write failed", "file", name, "error", err)
	}
}
