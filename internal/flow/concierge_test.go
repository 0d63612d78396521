package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/genai"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/store"
)

type mockLLM struct {
	text      string
	toolCalls []genai.ToolCall
	err       error
	deltas    []string

	requests []genai.Request
	streamed bool
}

func (m *mockLLM) Invoke(ctx context.Context, req genai.Request) (*genai.Result, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &genai.Result{Text: m.text, ToolCalls: m.toolCalls}, nil
}

func (m *mockLLM) Stream(ctx context.Context, req genai.Request, onDelta func(string)) (string, error) {
	m.requests = append(m.requests, req)
	m.streamed = true
	for _, d := range m.deltas {
		onDelta(d)
	}
	if m.err != nil {
		return "", m.err
	}
	return strings.Join(m.deltas, ""), nil
}

type fixedGrounding struct {
	data gateway.GroundingData
	err  error
}

func (g fixedGrounding) FetchGroundingData(ctx context.Context, now time.Time) (gateway.GroundingData, error) {
	return g.data, g.err
}

var testNow = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func testGrounding() gateway.GroundingData {
	return gateway.GroundingData{
		Events: []gateway.EventSummary{
			{ID: "e1", Title: "Jazz Night", Description: "Live quartet", Date: "2026-03-14", Time: "21:00"},
			{ID: "e2", Title: "Milonga", Description: "Open tango floor", Date: "2026-03-14", Time: "22:00"},
			{ID: "e3", Title: "Rooftop DJ", Description: "House set", Date: "2026-03-14", Time: "23:00"},
			{ID: "e4", Title: "Feria", Description: "Street market", Date: "2026-03-15", Time: "11:00"},
			{ID: "e5", Title: "Brunch Club", Description: "Sunday brunch", Date: "2026-03-15", Time: "12:00"},
		},
		Businesses: []gateway.BusinessSummary{{ID: "b1", Name: "Café Tortoni", Description: "Historic café"}},
	}
}

func newTestFlow(st *store.InMemoryStore, llm *mockLLM, opts ...Option) *ConciergeFlow {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewConciergeFlow(st, fixedGrounding{data: testGrounding()}, llm, opts...)
}

const twoPicks = `{"type":"recommendations","intro_message":"Tonight's picks:","recommendations":[
	{"type":"event","id":"e1","title":"Jazz Night","description":"Live quartet","personal_note":"You like jazz"},
	{"type":"event","id":"e4","title":"Feria","description":"Street market"}]}`

// "events tonight" only exposes today's events to the model.
func TestHandleTurnFiltersEventsByTimeWindow(t *testing.T) {
	llm := &mockLLM{text: twoPicks}
	f := newTestFlow(store.NewInMemoryStore(), llm)

	res, err := f.HandleTurn(context.Background(), TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "events tonight"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mode != classify.ModeRecommendations {
		t.Fatalf("mode = %q", res.Mode)
	}
	sys := llm.requests[0].SystemPrompt
	for _, id := range []string{`"id":"e1"`, `"id":"e2"`, `"id":"e3"`} {
		if !strings.Contains(sys, id) {
			t.Errorf("system prompt missing %s", id)
		}
	}
	for _, id := range []string{`"id":"e4"`, `"id":"e5"`} {
		if strings.Contains(sys, id) {
			t.Errorf("system prompt must not expose %s", id)
		}
	}
	if res.Batch.Len() != 1 || res.Batch.Recommendations[0].ID != "e1" {
		t.Errorf("expected only e1 to survive, got %+v", res.Batch.Recommendations)
	}
}

// The first batch bumps the count to 1 and asks for the name once.
func TestHandleTurnAppendsNameQuestionAfterFirstBatch(t *testing.T) {
	st := store.NewInMemoryStore()
	f := newTestFlow(st, &mockLLM{text: twoPicks})

	res, err := f.HandleTurn(context.Background(), TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "events tonight"})
	if err != nil {
		t.Fatal(err)
	}
	const question = "By the way, what's your name?"
	if strings.Count(res.Text, question) != 1 {
		t.Errorf("expected the name question exactly once, got %q", res.Text)
	}
	if res.ProfilingQuestion != question {
		t.Errorf("ProfilingQuestion = %q", res.ProfilingQuestion)
	}

	profile, _ := st.GetProfile(context.Background(), "web-1")
	if profile == nil || profile.RecommendationCount != 1 || profile.PendingQuestion != "name" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	recs, _ := st.ListInteractions(context.Background(), "web-1", 10)
	if len(recs) != 1 || recs[0].ItemID != "e1" || recs[0].InteractionType != models.InteractionRecommended {
		t.Errorf("unexpected interactions %+v", recs)
	}
}

func TestHandleTurnNameIsAskedOnlyOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{text: twoPicks}
	f := newTestFlow(st, llm)
	ctx := context.Background()

	if _, err := f.HandleTurn(ctx, TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "events tonight"}); err != nil {
		t.Fatal(err)
	}
	llm.text = "Nice to meet you, Sofi!"
	if _, err := f.HandleTurn(ctx, TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "I'm Sofi"}); err != nil {
		t.Fatal(err)
	}
	profile, _ := st.GetProfile(ctx, "web-1")
	if profile.Name != "Sofi" || profile.PendingQuestion != "" {
		t.Fatalf("name not captured: %+v", profile)
	}

	llm.text = twoPicks
	res, err := f.HandleTurn(ctx, TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "events tonight"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Text, "your name") {
		t.Errorf("name question repeated: %q", res.Text)
	}
	if !strings.Contains(res.Text, "how old are you") {
		t.Errorf("expected the age/budget question at count 2, got %q", res.Text)
	}
}

func TestHandleTurnConversationalStreams(t *testing.T) {
	llm := &mockLLM{deltas: []string{"Hey! ", "What's up?"}}
	f := newTestFlow(store.NewInMemoryStore(), llm)

	var got strings.Builder
	res, err := f.HandleTurn(context.Background(), TurnRequest{
		Channel: models.ChannelWeb, ChannelID: "web-1", Message: "hi there",
		OnDelta: func(s string) { got.WriteString(s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !llm.streamed || !res.Streamed {
		t.Error("conversational web turn should stream")
	}
	if got.String() != "Hey! What's up?" || res.Text != "Hey! What's up?" {
		t.Errorf("unexpected text %q / %q", got.String(), res.Text)
	}
	if res.HasRecommendations() {
		t.Error("plain text must not produce cards")
	}
}

func TestHandleTurnStreamedJSONBecomesCards(t *testing.T) {
	tests := []struct {
		name       string
		deltas     []string
		wantDeltas string
	}{
		{"payload from the first byte", []string{"  ", twoPicks[:40], twoPicks[40:]}, ""},
		{"prose then payload", []string{"Sure! ", twoPicks}, "Sure! "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{deltas: tt.deltas}
			f := newTestFlow(store.NewInMemoryStore(), llm)

			var got strings.Builder
			res, err := f.HandleTurn(context.Background(), TurnRequest{
				Channel: models.ChannelWeb, ChannelID: "web-1", Message: "hey, how are you?",
				OnDelta: func(s string) { got.WriteString(s) },
			})
			if err != nil {
				t.Fatal(err)
			}
			if !llm.streamed {
				t.Fatal("conversational web turn should use the streaming call")
			}
			if got.String() != tt.wantDeltas {
				t.Errorf("deltas = %q, want %q", got.String(), tt.wantDeltas)
			}
			if strings.Contains(got.String(), "{") {
				t.Error("raw JSON reached the bubble")
			}
			if res.Streamed {
				t.Error("the intro must replace whatever was streamed")
			}
			if res.Batch.Len() != 2 || !strings.HasPrefix(res.Text, "Tonight's picks:") {
				t.Errorf("unexpected result %d cards / %q", res.Batch.Len(), res.Text)
			}
		})
	}
}

func TestHandleTurnStreamCutOffReplacesPartialText(t *testing.T) {
	llm := &mockLLM{deltas: []string{"Hey! Let me "}, err: &genai.StatusError{StatusCode: 503}}
	f := newTestFlow(store.NewInMemoryStore(), llm)

	var got strings.Builder
	res, err := f.HandleTurn(context.Background(), TurnRequest{
		Channel: models.ChannelWeb, ChannelID: "web-1", Message: "hi there",
		OnDelta: func(s string) { got.WriteString(s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "Hey! Let me " {
		t.Errorf("deltas = %q", got.String())
	}
	if res.Streamed || res.Failure != genai.FailureTransient {
		t.Errorf("got streamed=%v failure=%q", res.Streamed, res.Failure)
	}
	if res.Text != UserSafeMessage(genai.FailureTransient, res.Lang) {
		t.Errorf("text = %q", res.Text)
	}
}

func TestStreamGate(t *testing.T) {
	tests := []struct {
		name          string
		chunks        []string
		want          string
		wantForwarded bool
	}{
		{"prose passes through", []string{"Hola", " che"}, "Hola che", true},
		{"leading space is kept with prose", []string{" ", "\n", "Hola"}, " \nHola", true},
		{"object is held", []string{" ", "{\"type\"", ":1}"}, "", false},
		{"fence is held", []string{"```json\n{}", "\n```"}, "", false},
		{"array is held", []string{"[1]"}, "", false},
		{"payload after prose is cut", []string{"Sure! ", "Here: {\"a\"", ":1}", " more"}, "Sure! Here: ", true},
		{"brace in the first chunk", []string{"Hi {x}"}, "Hi ", true},
		{"only whitespace", []string{"  "}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got strings.Builder
			g := newStreamGate(func(s string) { got.WriteString(s) })
			for _, c := range tt.chunks {
				g.write(c)
			}
			if got.String() != tt.want || g.forwarded != tt.wantForwarded {
				t.Errorf("got %q forwarded=%v, want %q forwarded=%v", got.String(), g.forwarded, tt.want, tt.wantForwarded)
			}
			if wantComplete := tt.wantForwarded && !strings.ContainsAny(strings.Join(tt.chunks, ""), "{[`"); g.complete() != wantComplete {
				t.Errorf("complete() = %v, want %v", g.complete(), wantComplete)
			}
		})
	}
}

func TestHandleTurnBraceInProseIsSentWhole(t *testing.T) {
	llm := &mockLLM{deltas: []string{"Try the ", "{secret} menu at Tortoni."}}
	f := newTestFlow(store.NewInMemoryStore(), llm)

	var got strings.Builder
	res, err := f.HandleTurn(context.Background(), TurnRequest{
		Channel: models.ChannelWeb, ChannelID: "web-1", Message: "hi there",
		OnDelta: func(s string) { got.WriteString(s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "Try the " {
		t.Errorf("deltas = %q", got.String())
	}
	if res.Streamed || res.Text != "Try the {secret} menu at Tortoni." {
		t.Errorf("got streamed=%v text=%q", res.Streamed, res.Text)
	}
}

func TestHandleTurnRecommendationModeNeverStreams(t *testing.T) {
	llm := &mockLLM{text: twoPicks}
	f := newTestFlow(store.NewInMemoryStore(), llm)
	_, err := f.HandleTurn(context.Background(), TurnRequest{
		Channel: models.ChannelWeb, ChannelID: "web-1", Message: "events tonight",
		OnDelta: func(string) { t.Error("recommendation JSON must not be streamed") },
	})
	if err != nil {
		t.Fatal(err)
	}
	if llm.streamed {
		t.Error("Stream called in recommendation mode")
	}
}

// Prose output is delivered as text with no cards.
func TestHandleTurnProseFallsBackToText(t *testing.T) {
	f := newTestFlow(store.NewInMemoryStore(), &mockLLM{text: "Hey! What's up?"})
	res, err := f.HandleTurn(context.Background(), TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "recommend me bars"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != classify.ModeConversational || res.Batch.Len() != 0 || res.Text != "Hey! What's up?" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandleTurnWindowBoundary(t *testing.T) {
	tests := []struct {
		name        string
		ago         time.Duration
		wantHistory int
	}{
		{"31 minutes is a new conversation", 31 * time.Minute, 0},
		{"10 minutes continues", 10 * time.Minute, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			_ = st.AppendTurn(context.Background(), models.ConversationTurn{
				ChannelID: "web-1", Role: models.RoleUser, Content: "hola", CreatedAt: testNow.Add(-tt.ago),
			})
			llm := &mockLLM{text: "Hola!"}
			f := newTestFlow(st, llm)
			if _, err := f.HandleTurn(context.Background(), TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "hello again"}); err != nil {
				t.Fatal(err)
			}
			if got := len(llm.requests[0].History); got != tt.wantHistory {
				t.Errorf("history len = %d, want %d", got, tt.wantHistory)
			}
		})
	}
}

func TestHandleTurnFailures(t *testing.T) {
	tests := []struct {
		name      string
		llmErr    error
		groundErr error
		wantKind  genai.FailureKind
		wantText  string
	}{
		{"rate limited", &genai.StatusError{StatusCode: 429}, nil, genai.FailureRateLimited, "try again shortly"},
		{"missing key", genai.ErrMissingAPIKey, nil, genai.FailureConfig, "configuration issues"},
		{"upstream 503", &genai.StatusError{StatusCode: 503, Body: "overloaded"}, nil, genai.FailureTransient, "trouble connecting"},
		{"grounding down", nil, errors.New("connection refused"), genai.FailureTransient, "trouble connecting"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{err: tt.llmErr}
			f := NewConciergeFlow(store.NewInMemoryStore(), fixedGrounding{data: testGrounding(), err: tt.groundErr}, llm,
				WithClock(func() time.Time { return testNow }))
			res, err := f.HandleTurn(context.Background(), TurnRequest{Channel: models.ChannelWhatsApp, ChannelID: "+54911", Message: "events tonight"})
			if err != nil {
				t.Fatalf("failures must not surface as errors: %v", err)
			}
			if res.Failure != tt.wantKind || !strings.Contains(res.Text, tt.wantText) {
				t.Errorf("got %q / %q", res.Failure, res.Text)
			}
			if strings.Contains(res.Text, "overloaded") || strings.Contains(res.Text, "refused") {
				t.Errorf("upstream detail leaked: %q", res.Text)
			}
		})
	}
}

func TestHandleTurnValidation(t *testing.T) {
	f := newTestFlow(store.NewInMemoryStore(), &mockLLM{})
	tests := []struct {
		req  TurnRequest
		want error
	}{
		{TurnRequest{Message: "hi"}, models.ErrEmptyChannelID},
		{TurnRequest{ChannelID: "x", Message: "  "}, models.ErrEmptyMessage},
		{TurnRequest{ChannelID: "x", Message: strings.Repeat("a", models.MaxMessageLength+1)}, models.ErrMessageTooLong},
	}
	for _, tt := range tests {
		if _, err := f.HandleTurn(context.Background(), tt.req); !errors.Is(err, tt.want) {
			t.Errorf("got %v, want %v", err, tt.want)
		}
	}
}

func TestHandleTurnWhatsAppToolCalls(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{toolCalls: []genai.ToolCall{{
		ID: "call_1", Type: "function",
		Function: genai.FunctionCall{Name: genai.RecommendationToolName, Arguments: []byte(`{"id":"b1","type":"business","title":"Café Tortoni","message":"Classic spot"}`)},
	}}}
	f := newTestFlow(st, llm, WithWhatsAppTools(true))

	res, err := f.HandleTurn(context.Background(), TurnRequest{Channel: models.ChannelWhatsApp, ChannelID: "+54911", Message: "recommend a cafe"})
	if err != nil {
		t.Fatal(err)
	}
	if !llm.requests[0].ToolsEnabled {
		t.Error("tools should be enabled for WhatsApp recommendation turns")
	}
	if res.Batch.Len() != 1 || res.Batch.Recommendations[0].ID != "b1" {
		t.Fatalf("unexpected batch %+v", res.Batch)
	}

	// WhatsApp batches are recorded by the delivery, one turn per message.
	turns, _ := st.GetWindow(context.Background(), "+54911", testNow.Add(-time.Minute))
	if len(turns) != 1 || turns[0].Role != models.RoleUser {
		t.Errorf("expected only the user turn, got %+v", turns)
	}
}

func TestHandleTurnWebRecordsEnvelope(t *testing.T) {
	st := store.NewInMemoryStore()
	f := newTestFlow(st, &mockLLM{text: twoPicks})
	if _, err := f.HandleTurn(context.Background(), TurnRequest{Channel: models.ChannelWeb, ChannelID: "web-1", Message: "events tonight"}); err != nil {
		t.Fatal(err)
	}
	turns, _ := st.GetWindow(context.Background(), "web-1", testNow.Add(-time.Minute))
	if len(turns) != 3 {
		t.Fatalf("expected user, batch and question turns, got %d", len(turns))
	}
	if _, ok := models.ParseEnvelope(turns[1].Content); !ok {
		t.Errorf("batch turn is not an envelope: %q", turns[1].Content)
	}
}

func TestUserSafeMessage(t *testing.T) {
	if got := UserSafeMessage(genai.FailureRateLimited, classify.LangSpanish); !strings.Contains(got, "Probá de nuevo") {
		t.Errorf("spanish message = %q", got)
	}
	if UserSafeMessage(genai.FailureUnknown, classify.LangEnglish) != UserSafeMessage(genai.FailureTransient, classify.LangEnglish) {
		t.Error("unknown failures should use the generic apology")
	}
}
