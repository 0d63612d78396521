// Package testutil provides common test utilities and helpers for Yara tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/theunahub/yara/internal/flow"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/genai"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/store"
)

// TB is the subset of testing.TB the assertions need.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// ScriptedLLM replays canned replies in order and records every request.
// Once the script runs out the last reply repeats.
type ScriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	Err      error
	requests []genai.Request
}

// NewScriptedLLM returns an LLM answering with replies in order.
func NewScriptedLLM(replies ...string) *ScriptedLLM {
	return &ScriptedLLM{replies: replies}
}

func (s *ScriptedLLM) next(req genai.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

// Invoke returns the next reply as plain text.
func (s *ScriptedLLM) Invoke(ctx context.Context, req genai.Request) (*genai.Result, error) {
	text, err := s.next(req)
	if err != nil {
		return nil, err
	}
	return &genai.Result{Text: text}, nil
}

// Stream forwards the next reply as a single delta.
func (s *ScriptedLLM) Stream(ctx context.Context, req genai.Request, onDelta func(string)) (string, error) {
	text, err := s.next(req)
	if err != nil {
		return "", err
	}
	if text != "" {
		onDelta(text)
	}
	return text, nil
}

// Requests returns a copy of the recorded requests.
func (s *ScriptedLLM) Requests() []genai.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]genai.Request(nil), s.requests...)
}

// NewTestFlow wires a concierge flow over st with the real gateway and a
// fixed clock.
func NewTestFlow(st *store.InMemoryStore, llm flow.LLM, now time.Time, opts ...flow.Option) *flow.ConciergeFlow {
	opts = append([]flow.Option{flow.WithClock(func() time.Time { return now })}, opts...)
	return flow.NewConciergeFlow(st, gateway.New(st, gateway.WithLocation(now.Location())), llm, opts...)
}

// SeedCatalog adds a small Buenos Aires catalog dated relative to now: two
// events today, one tomorrow, one business and one coupon.
func SeedCatalog(st *store.InMemoryStore, now time.Time) {
	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")
	st.AddEvent(models.Event{ID: "ev-jazz", Title: "Jazz en San Telmo", Description: "Live quartet in a basement bar", Date: today, Time: "21:00", Neighborhood: "San Telmo", MusicType: "jazz", Active: true})
	st.AddEvent(models.Event{ID: "ev-milonga", Title: "Milonga de los Jueves", Description: "Open tango floor with a class first", Date: today, Time: "22:30", Neighborhood: "Almagro", MusicType: "tango", Active: true})
	st.AddEvent(models.Event{ID: "ev-feria", Title: "Feria de Mataderos", Description: "Folk music and street food", Date: tomorrow, Time: "11:00", Neighborhood: "Mataderos", Active: true})
	st.AddBusiness(models.Business{ID: "biz-tortoni", Name: "Café Tortoni", Description: "Historic café on Avenida de Mayo", Category: "cafe", Neighborhood: "Monserrat", Active: true})
	st.AddCoupon(models.Coupon{ID: "cp-2x1", Title: "2x1 en medialunas", Description: "Two for one before noon", BusinessID: "biz-tortoni", Active: true})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertTurnCount validates the number of turns in the channel's conversation window.
func AssertTurnCount(t TB, cs store.ConversationStore, channelID string, expected int, label string) {
	t.Helper()
	turns, err := cs.GetWindow(context.Background(), channelID, time.Time{})
	if err != nil {
		t.Fatalf("%s: failed to get turns: %v", label, err)
		return
	}
	if len(turns) != expected {
		t.Errorf("%s: expected %d turns, got %d", label, expected, len(turns))
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
