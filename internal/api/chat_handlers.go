package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/theunahub/yara/internal/delivery"
	"github.com/theunahub/yara/internal/flow"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/util"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// channelID prefers the signed-in user, then the widget session, then a new session.
func (c chatRequest) channelID() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.SessionID); id != "" {
		return id
	}
	return util.NewSessionID()
}

// ChatResult is the web chat reply.
type ChatResult struct {
	SessionID       string                 `json:"session_id"`
	Text            string                 `json:"text"`
	IntroMessage    string                 `json:"intro_message,omitempty"`
	Recommendations []models.CandidateItem `json:"recommendations"`
	Failure         string                 `json:"failure,omitempty"`
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		slog.Warn("Server.decodeChatRequest: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return req, false
	}
	return req, true
}

func isValidationError(err error) bool {
	return errors.Is(err, models.ErrEmptyChannelID) || errors.Is(err, models.ErrEmptyMessage) || errors.Is(err, models.ErrMessageTooLong)
}

// chatHandler answers POST /api/chat. Turn failures are answered with 200 and
// a user-safe text; only malformed requests get 400.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	channelID := req.channelID()

	result, err := s.turns.HandleTurn(r.Context(), flow.TurnRequest{Channel: models.ChannelWeb, ChannelID: channelID, Message: req.Message})
	if err != nil {
		slog.Warn("Server.chatHandler: turn rejected", "error", err, "channelID", channelID)
		if isValidationError(err) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(ChatResult{SessionID: channelID, Text: flow.UserSafeMessage("", "")}))
		return
	}

	var web delivery.WebDelivery
	bubble := &delivery.Bubble{}
	if err := web.Deliver(delivery.WebReply{Text: result.Text, Batch: result.Batch}, bubble); err != nil {
		slog.Error("Server.chatHandler: bubble render failed", "error", err)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(chatResult(channelID, bubble.Text(), result)))
}

func chatResult(channelID, text string, result flow.TurnResult) ChatResult {
	out := ChatResult{
		SessionID:       channelID,
		Text:            text,
		Recommendations: result.Batch.Recommendations,
		Failure:         string(result.Failure),
	}
	if out.Recommendations == nil {
		out.Recommendations = []models.CandidateItem{}
	}
	if result.HasRecommendations() {
		out.IntroMessage = result.Batch.IntroMessage
	}
	return out
}

// chatStreamHandler answers POST /api/chat/stream with server-sent events.
// Conversational text is forwarded as it is generated; recommendation turns
// arrive as one text frame followed by a cards frame.
func (s *Server) chatStreamHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Streaming unsupported"))
		return
	}
	channelID := req.channelID()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	_ = sink.frame(map[string]string{"session_id": channelID})

	var web delivery.WebDelivery
	result, err := s.turns.HandleTurn(r.Context(), flow.TurnRequest{
		Channel: models.ChannelWeb, ChannelID: channelID, Message: req.Message,
		OnDelta: web.DeltaFunc(sink),
	})
	if err != nil {
		slog.Warn("Server.chatStreamHandler: turn rejected", "error", err, "channelID", channelID)
		result = flow.TurnResult{Text: flow.UserSafeMessage("", "")}
	}
	if err := web.Deliver(delivery.WebReply{Text: result.Text, Streamed: result.Streamed, Batch: result.Batch}, sink); err != nil {
		slog.Warn("Server.chatStreamHandler: client went away", "error", err, "channelID", channelID)
		return
	}
	sink.done()
}

// sseSink writes delivery.WebSink calls as OpenAI-style SSE frames.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	sent    bool
}

type sseDelta struct {
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

func (s *sseSink) Delta(chunk string) error {
	var d sseDelta
	d.Choices = make([]sseChoice, 1)
	d.Choices[0].Delta.Content = chunk
	if err := s.frame(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = true
	s.mu.Unlock()
	return nil
}

// Set sends the whole text as a single delta into an empty bubble, or as a
// replace frame once deltas went out.
func (s *sseSink) Set(text string) error {
	s.mu.Lock()
	sent := s.sent
	s.mu.Unlock()
	if !sent {
		return s.Delta(text)
	}
	return s.frame(map[string]any{"replace": true, "content": text})
}

func (s *sseSink) Recommendations(batch models.RecommendationBatch) error {
	return s.frame(map[string]any{
		"intro_message":   batch.IntroMessage,
		"recommendations": batch.Recommendations,
	})
}

func (s *sseSink) frame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write("data: " + string(data) + "\n\n")
}

func (s *sseSink) done() {
	_ = s.write("data: [DONE]\n\n")
}

func (s *sseSink) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
