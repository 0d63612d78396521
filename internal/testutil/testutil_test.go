package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/theunahub/yara/internal/flow"
	"github.com/theunahub/yara/internal/genai"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/store"
)

// mockTB captures failures without stopping the test
type mockTB struct {
	failed bool
	msgs   []string
}

func (m *mockTB) Helper() {}

func (m *mockTB) Errorf(format string, args ...any) {
	m.failed = true
	m.msgs = append(m.msgs, fmt.Sprintf(format, args...))
}

func (m *mockTB) Fatalf(format string, args ...any) { m.Errorf(format, args...) }

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockTB{}
			AssertHTTPStatus(mock, tt.expected, tt.actual, "test context")
			if mock.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%v)", mock.failed, tt.shouldFail, mock.msgs)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expected   string
		shouldFail bool
	}{
		{name: "ok status", body: `{"status":"ok","result":{"archived":2}}`, expected: "ok"},
		{name: "wrong status", body: `{"status":"error"}`, expected: "ok", shouldFail: true},
		{name: "missing status", body: `{"result":1}`, expected: "ok", shouldFail: true},
		{name: "invalid JSON", body: `{`, expected: "ok", shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.WriteString(tt.body)
			mock := &mockTB{}
			AssertJSONResponse(mock, rr, tt.expected)
			if mock.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%v)", mock.failed, tt.shouldFail, mock.msgs)
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/api/chat", map[string]string{"message": "hola"})
	if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected request %s %v", req.Method, req.Header)
	}
	if req.ContentLength != int64(len(`{"message":"hola"}`)) {
		t.Errorf("ContentLength = %d", req.ContentLength)
	}

	empty := CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	if empty.ContentLength != 0 {
		t.Errorf("expected empty body, got %d bytes", empty.ContentLength)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	if got := string(MustMarshalJSON(t, map[string]int{"n": 1})); got != `{"n":1}` {
		t.Errorf("MustMarshalJSON = %s", got)
	}
	mock := &mockTB{}
	MustMarshalJSON(mock, make(chan int))
	if !mock.failed {
		t.Error("expected failure for unmarshalable value")
	}
}

func genaiRequest(msg string) genai.Request {
	return genai.Request{UserMessage: msg}
}

func TestScriptedLLM(t *testing.T) {
	llm := NewScriptedLLM("first", "second")
	ctx := context.Background()
	for _, want := range []string{"first", "second", "second"} {
		res, err := llm.Invoke(ctx, genaiRequest("hi"))
		if err != nil || res.Text != want {
			t.Fatalf("Invoke = %v, %v; want %q", res, err, want)
		}
	}
	if len(llm.Requests()) != 3 {
		t.Errorf("recorded %d requests", len(llm.Requests()))
	}

	var streamed string
	if _, err := NewScriptedLLM("hola").Stream(ctx, genaiRequest("hi"), func(d string) { streamed += d }); err != nil || streamed != "hola" {
		t.Errorf("Stream delivered %q, %v", streamed, err)
	}

	failing := NewScriptedLLM("unused")
	failing.Err = errors.New("boom")
	if _, err := failing.Invoke(ctx, genaiRequest("hi")); err == nil {
		t.Error("expected scripted error")
	}
}

func TestSeededFlowRecommendsTonight(t *testing.T) {
	now := time.Date(2026, 3, 12, 19, 0, 0, 0, time.FixedZone("ART", -3*3600))
	st := store.NewInMemoryStore()
	SeedCatalog(st, now)
	llm := NewScriptedLLM(`{"type":"recommendations","intro_message":"Para hoy:","recommendations":[
		{"type":"event","id":"ev-jazz","title":"Jazz en San Telmo","description":"Live quartet"},
		{"type":"event","id":"ev-feria","title":"Feria de Mataderos","description":"Tomorrow"}]}`)
	f := NewTestFlow(st, llm, now, flow.WithLocation(now.Location()))

	res, err := f.HandleTurn(context.Background(), flow.TurnRequest{Channel: models.ChannelWeb, ChannelID: "web_seed", Message: "events tonight"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Batch.Len() != 1 || res.Batch.Recommendations[0].ID != "ev-jazz" {
		t.Errorf("expected only tonight's event, got %+v", res.Batch.Recommendations)
	}
	AssertTurnCount(t, st, "web_seed", 3, "user turn, recommendation envelope and name question")
}
