package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EnvelopeTypeRecommendations marks a turn whose content is a recommendation batch.
const EnvelopeTypeRecommendations = "recommendations"

// Envelope wraps structured assistant output stored in an opaque turn.
type Envelope struct {
	Type            string          `json:"type"`
	IntroMessage    string          `json:"intro_message"`
	Recommendations []CandidateItem `json:"recommendations"`
}

// NewRecommendationEnvelope serializes a batch so history replay sees exactly what was sent.
func NewRecommendationEnvelope(batch RecommendationBatch) (string, error) {
	env := Envelope{
		Type:            EnvelopeTypeRecommendations,
		IntroMessage:    batch.IntroMessage,
		Recommendations: batch.Recommendations,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal recommendation envelope: %w", err)
	}
	return string(data), nil
}

// ParseEnvelope recognises content written by NewRecommendationEnvelope.
// Plain text and foreign JSON return ok=false.
func ParseEnvelope(content string) (RecommendationBatch, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return RecommendationBatch{}, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return RecommendationBatch{}, false
	}
	if env.Type != EnvelopeTypeRecommendations {
		return RecommendationBatch{}, false
	}
	return RecommendationBatch{
		IntroMessage:    env.IntroMessage,
		Recommendations: env.Recommendations,
		MaxCount:        MaxRecommendations,
	}, true
}

// SummarizeTurnContent renders a stored turn for the model: envelopes become a
// short list of titles, everything else is returned unchanged.
func SummarizeTurnContent(content string) string {
	batch, ok := ParseEnvelope(content)
	if !ok {
		return content
	}
	titles := make([]string, 0, len(batch.Recommendations))
	for _, item := range batch.Recommendations {
		titles = append(titles, item.Title)
	}
	if len(titles) == 0 {
		return batch.IntroMessage
	}
	return fmt.Sprintf("%s [recommended: %s]", batch.IntroMessage, strings.Join(titles, "; "))
}
