package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/theunahub/yara/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func newTestClient(chat chatService) *Client {
	return &Client{chat: chat, model: "test-model", temperature: DefaultTemperature, maxTokens: DefaultMaxTokens}
}

func TestInvoke_Text(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Hola!"}}},
	}}
	client := newTestClient(mock)
	res, err := client.Invoke(context.Background(), Request{
		SystemPrompt: "sys",
		History: []models.ConversationTurn{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
			{Role: models.RoleUser, Content: "  "},
		},
		UserMessage: "what's on?",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Text != "Hola!" || len(res.ToolCalls) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := len(mock.params.Messages); got != 4 {
		t.Errorf("expected system + 2 history + user = 4 messages, got %d", got)
	}
	if len(mock.params.Tools) != 0 {
		t.Error("tools should not be sent when disabled")
	}
	if mock.params.Model != "test-model" {
		t.Errorf("unexpected model %q", mock.params.Model)
	}
}

func TestInvoke_ToolCalls(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			ToolCalls: []openai.ChatCompletionMessageToolCall{{
				ID: "call_1",
				Function: openai.ChatCompletionMessageToolCallFunction{
					Name:      RecommendationToolName,
					Arguments: `{"id":"e1","type":"event","title":"Jazz Night","message":"Live jazz"}`,
				},
			}},
		}}},
	}}
	client := newTestClient(mock)
	res, err := client.Invoke(context.Background(), Request{UserMessage: "jazz tonight", ToolsEnabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.params.Tools) != 1 {
		t.Fatalf("expected the recommendation tool to be sent")
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(res.ToolCalls))
	}
	args, err := ParseRecommendationArgs(res.ToolCalls[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args.ID != "e1" || args.Title != "Jazz Night" || args.Type != "event" {
		t.Errorf("unexpected args %+v", args)
	}
}

func TestInvoke_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: &StatusError{StatusCode: http.StatusTooManyRequests, Body: "slow down"}})
	_, err := client.Invoke(context.Background(), Request{UserMessage: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != FailureRateLimited {
		t.Errorf("expected rate limited classification, got %q", Classify(err))
	}
}

func TestInvoke_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{}})
	_, err := client.Invoke(context.Background(), Request{UserMessage: "x"})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestInvoke_NilClient(t *testing.T) {
	var client *Client
	_, err := client.Invoke(context.Background(), Request{UserMessage: "x"})
	if Classify(err) != FailureConfig {
		t.Errorf("nil client should classify as config, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithMaxTokens(10))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Model() != "gpt-test" || cli.maxTokens != 10 {
		t.Errorf("options not applied: model=%q maxTokens=%d", cli.Model(), cli.maxTokens)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"missing key", fmt.Errorf("wrap: %w", ErrMissingAPIKey), FailureConfig},
		{"openai 401", &openai.Error{StatusCode: 401}, FailureConfig},
		{"openai 429", &openai.Error{StatusCode: 429}, FailureRateLimited},
		{"openai 503", &openai.Error{StatusCode: 503}, FailureTransient},
		{"status 400", &StatusError{StatusCode: 400}, FailureConfig},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), FailureTransient},
		{"other", errors.New("boom"), FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDemuxStream(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hola"}}]}`,
		``,
		`: keep-alive`,
		`data: not json at all`,
		`data: {"choices":[{"delta":{}}]}`,
		`data: {"choices":[{"delta":{"content":", che"}}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"!"}}]}`,
	}, "\n")

	var deltas []string
	text, err := DemuxStream(strings.NewReader(body), func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hola, che!" {
		t.Errorf("unexpected text %q", text)
	}
	if len(deltas) != 3 {
		t.Errorf("expected 3 deltas, got %v", deltas)
	}
}

type mockPoster struct {
	body string
	err  error
	path string
}

func (m *mockPoster) Post(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error {
	m.path = path
	if m.err != nil {
		return m.err
	}
	out := res.(**http.Response)
	*out = &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(m.body))}
	return nil
}

func TestStream(t *testing.T) {
	poster := &mockPoster{body: "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\ndata: [DONE]\n"}
	client := &Client{raw: poster, model: "test-model"}
	var got strings.Builder
	text, err := client.Stream(context.Background(), Request{UserMessage: "hi", ToolsEnabled: true}, func(d string) { got.WriteString(d) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hi" || got.String() != "Hi" {
		t.Errorf("unexpected stream output %q / %q", text, got.String())
	}
	if poster.path != "chat/completions" {
		t.Errorf("unexpected path %q", poster.path)
	}

	failing := &Client{raw: &mockPoster{err: &StatusError{StatusCode: 502}}}
	if _, err := failing.Stream(context.Background(), Request{UserMessage: "hi"}, nil); Classify(err) != FailureTransient {
		t.Errorf("expected transient failure, got %v", err)
	}
}

func TestParseRecommendationArgs_WrongTool(t *testing.T) {
	_, err := ParseRecommendationArgs(ToolCall{Function: FunctionCall{Name: "other", Arguments: []byte(`{}`)}})
	if err == nil {
		t.Error("expected error for unexpected tool")
	}
	_, err = ParseRecommendationArgs(ToolCall{Function: FunctionCall{Name: RecommendationToolName, Arguments: []byte(`{bad`)}})
	if err == nil {
		t.Error("expected error for malformed arguments")
	}
}
