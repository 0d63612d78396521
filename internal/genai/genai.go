// Package genai provides LLM invocation for the concierge using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/theunahub/yara/internal/models"
)

const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1200
)

var (
	// ErrMissingAPIKey is returned when no OpenAI key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// rawPoster issues raw requests; used for streaming.
type rawPoster interface {
	Post(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
}

type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		if model != "" {
			o.Model = model
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) {
		if n > 0 {
			o.MaxTokens = n
		}
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	raw         rawPoster
	model       string
	temperature float64
	maxTokens   int64
}

// NewClient initializes a client. The key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIKey:      os.Getenv("OPENAI_API_KEY"),
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "baseURL", cfg.BaseURL, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		raw:         &cli,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Request is one model invocation.
type Request struct {
	SystemPrompt string
	History      []models.ConversationTurn
	UserMessage  string
	ToolsEnabled bool
}

// FunctionCall is the function part of a tool call.
type FunctionCall struct {
	Name      string
	Arguments []byte
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string
	Type     string
	Function FunctionCall
}

// Result holds the model's text and any tool calls.
type Result struct {
	Text      string
	ToolCalls []ToolCall
}

// BuildMessages converts a request into the OpenAI message list:
// system prompt, history oldest first, then the new user message.
func BuildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.History {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.UserMessage))
	return messages
}

func (c *Client) params(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    BuildMessages(req),
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	}
	if req.ToolsEnabled {
		params.Tools = []openai.ChatCompletionToolParam{RecommendationTool()}
	}
	return params
}

// Invoke performs one synchronous completion.
func (c *Client) Invoke(ctx context.Context, req Request) (*Result, error) {
	if c == nil || c.chat == nil {
		return nil, ErrMissingAPIKey
	}
	slog.Debug("Client.Invoke: calling model", "model", c.model, "historyLen", len(req.History), "toolsEnabled", req.ToolsEnabled)

	resp, err := c.chat.Create(ctx, c.params(req))
	if err != nil {
		slog.Error("Client.Invoke: completion failed", "error", err, "kind", Classify(err))
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	result := &Result{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: []byte(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("Client.Invoke: completion received", "textLen", len(result.Text), "toolCalls", len(result.ToolCalls))
	return result, nil
}

// Complete is a convenience for a single system+user exchange.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	res, err := c.Invoke(ctx, Request{SystemPrompt: systemPrompt, UserMessage: userPrompt})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
