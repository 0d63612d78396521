// Package search augments recommendations with live web results from
// Perplexity, reached through its OpenAI-compatible API.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/genai"
	"github.com/theunahub/yara/internal/models"
)

const (
	DefaultBaseURL   = "https://api.perplexity.ai"
	DefaultModel     = "sonar"
	DefaultTimeout   = 8 * time.Second
	DefaultMaxTokens = 1000
	defaultTemp      = 0.2
)

// ErrMissingAPIKey is returned when no Perplexity key is configured.
var ErrMissingAPIKey = errors.New("PERPLEXITY_API_KEY not set")

// Completer runs one system+user completion.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds search client configuration.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Option configures the search client.
type Option func(*Opts)

// WithAPIKey sets the Perplexity API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the search model.
func WithModel(model string) Option {
	return func(o *Opts) {
		if model != "" {
			o.Model = model
		}
	}
}

// WithTimeout bounds each search call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// Client runs live searches.
type Client struct {
	llm     Completer
	timeout time.Duration
}

// New creates a Perplexity-backed search client.
func New(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, Model: DefaultModel, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	llm, err := genai.NewClient(
		genai.WithAPIKey(cfg.APIKey),
		genai.WithBaseURL(cfg.BaseURL),
		genai.WithModel(cfg.Model),
		genai.WithTemperature(defaultTemp),
		genai.WithMaxTokens(DefaultMaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search client: %w", err)
	}
	return &Client{llm: llm, timeout: cfg.Timeout}, nil
}

// NewWithCompleter wraps an existing completer.
func NewWithCompleter(llm Completer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{llm: llm, timeout: timeout}
}

const systemPrompt = `You search the web for current things to do in Buenos Aires, Argentina.
Return ONLY a JSON array, no prose, of up to %d objects shaped like:
[{"title":"...","description":"one or two sentences","why_recommended":"why it matches the request","source":"https://..."}]
Only include real, currently available events or places. If you find nothing, return [].`

// Search returns up to limit live results for query.
func (c *Client) Search(ctx context.Context, query string, lang classify.Lang, limit int) ([]models.CandidateItem, error) {
	if c == nil || c.llm == nil {
		return nil, ErrMissingAPIKey
	}
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user := query
	if lang == classify.LangSpanish {
		user += "\n(Write title, description and why_recommended in Spanish.)"
	}
	start := time.Now()
	content, err := c.llm.Complete(ctx, fmt.Sprintf(systemPrompt, limit), user)
	if err != nil {
		slog.Warn("search.Client.Search: live search failed", "error", err, "elapsed", time.Since(start))
		return nil, fmt.Errorf("live search failed: %w", err)
	}
	items, err := ParseResults(content)
	if err != nil {
		slog.Warn("search.Client.Search: unparseable live results", "error", err, "contentLen", len(content))
		return nil, err
	}
	if len(items) > limit {
		items = items[:limit]
	}
	slog.Debug("search.Client.Search: live results", "count", len(items), "elapsed", time.Since(start))
	return items, nil
}

type liveResult struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	WhyRecommended string `json:"why_recommended"`
	Source         string `json:"source"`
}

// ParseResults decodes the JSON array returned by the search model. Text
// around the array (such as code fences) is ignored. Results without title or
// description are skipped; the rest get ids live-1, live-2, ...
func ParseResults(content string) ([]models.CandidateItem, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in live search response")
	}
	var results []liveResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &results); err != nil {
		return nil, fmt.Errorf("failed to decode live search results: %w", err)
	}

	items := make([]models.CandidateItem, 0, len(results))
	for _, r := range results {
		item := models.CandidateItem{
			Kind:           models.ItemKindLive,
			Title:          strings.TrimSpace(r.Title),
			Description:    strings.TrimSpace(r.Description),
			WhyRecommended: strings.TrimSpace(r.WhyRecommended),
			SourceURL:      strings.TrimSpace(r.Source),
		}
		if !item.IsRenderable() {
			continue
		}
		item.ID = fmt.Sprintf("live-%d", len(items)+1)
		items = append(items, item)
	}
	return items, nil
}
