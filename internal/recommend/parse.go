// Package recommend turns raw model output into a capped, validated
// recommendation batch.
package recommend

import (
	"encoding/json"
	"strings"

	"github.com/theunahub/yara/internal/genai"
	"github.com/theunahub/yara/internal/models"
)

// OutcomeKind tags a ParseOutcome.
type OutcomeKind int

const (
	// OutcomeText is plain conversational output.
	OutcomeText OutcomeKind = iota
	// OutcomeRecommendations carries a decoded batch.
	OutcomeRecommendations
	// OutcomeParseError means JSON was present but unusable. Callers treat it as text.
	OutcomeParseError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRecommendations:
		return "recommendations"
	case OutcomeParseError:
		return "parse_error"
	default:
		return "text"
	}
}

// ParseOutcome is the tagged result of Parse.
type ParseOutcome struct {
	Kind   OutcomeKind
	Text   string
	Batch  models.RecommendationBatch
	Reason string
}

// IsRecommendations reports whether the outcome carries a batch.
func (o ParseOutcome) IsRecommendations() bool { return o.Kind == OutcomeRecommendations }

type rawItem struct {
	Type         string `json:"type"`
	ID           any    `json:"id"`
	Title        string `json:"title"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Message      string `json:"message"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Location     string `json:"location"`
	Price        string `json:"price"`
	ImageURL     string `json:"image_url"`
	URL          string `json:"url"`
	PersonalNote string `json:"personal_note"`
}

type rawOutput struct {
	Type            string          `json:"type"`
	IntroMessage    string          `json:"intro_message"`
	Recommendations json.RawMessage `json:"recommendations"`
}

// Parse classifies model output. It tries a strict JSON decode, then the first
// balanced {...} object inside the text, and otherwise returns the output as
// text. It never fails.
func Parse(output string) ParseOutcome {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return ParseOutcome{Kind: OutcomeText}
	}

	candidate := trimmed
	if !json.Valid([]byte(candidate)) {
		obj, ok := extractObject(trimmed)
		if !ok {
			return ParseOutcome{Kind: OutcomeText, Text: trimmed}
		}
		candidate = obj
	}

	var raw rawOutput
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return ParseOutcome{Kind: OutcomeParseError, Text: trimmed, Reason: "not a JSON object: " + err.Error()}
	}
	if len(raw.Recommendations) == 0 || string(raw.Recommendations) == "null" {
		return ParseOutcome{Kind: OutcomeParseError, Text: trimmed, Reason: "missing recommendations array"}
	}
	var items []rawItem
	if err := json.Unmarshal(raw.Recommendations, &items); err != nil {
		return ParseOutcome{Kind: OutcomeParseError, Text: trimmed, Reason: "recommendations is not an array of objects"}
	}

	batch := models.RecommendationBatch{
		IntroMessage:    strings.TrimSpace(raw.IntroMessage),
		Recommendations: make([]models.CandidateItem, 0, len(items)),
		MaxCount:        models.MaxRecommendations,
	}
	for _, it := range items {
		batch.Recommendations = append(batch.Recommendations, it.toCandidate())
	}
	return ParseOutcome{Kind: OutcomeRecommendations, Batch: batch}
}

// OutcomeFromToolCalls builds a recommendations outcome from send_recommendation
// calls. Calls with unreadable arguments are skipped.
func OutcomeFromToolCalls(text string, calls []genai.ToolCall) ParseOutcome {
	batch := models.RecommendationBatch{
		IntroMessage: strings.TrimSpace(text),
		MaxCount:     models.MaxRecommendations,
	}
	for _, call := range calls {
		args, err := genai.ParseRecommendationArgs(call)
		if err != nil {
			continue
		}
		batch.Recommendations = append(batch.Recommendations, models.CandidateItem{
			Kind:         models.ItemKind(strings.ToLower(strings.TrimSpace(args.Type))),
			ID:           args.ID,
			Title:        strings.TrimSpace(args.Title),
			Description:  strings.TrimSpace(args.Message),
			ImageURL:     strings.TrimSpace(args.ImageURL),
			SourceURL:    strings.TrimSpace(args.URL),
			PersonalNote: strings.TrimSpace(args.Message),
		})
	}
	return ParseOutcome{Kind: OutcomeRecommendations, Batch: batch}
}

func (it rawItem) toCandidate() models.CandidateItem {
	title := it.Title
	if title == "" {
		title = it.Name
	}
	desc := it.Description
	if desc == "" {
		desc = it.Message
	}
	item := models.CandidateItem{
		Kind:         models.ItemKind(strings.ToLower(strings.TrimSpace(it.Type))),
		ID:           idString(it.ID),
		Title:        strings.TrimSpace(title),
		Description:  strings.TrimSpace(desc),
		ImageURL:     strings.TrimSpace(it.ImageURL),
		SourceURL:    strings.TrimSpace(it.URL),
		PersonalNote: strings.TrimSpace(it.PersonalNote),
	}
	if it.Date != "" || it.Time != "" || it.Location != "" || it.Price != "" {
		item.Event = &models.EventDetails{Date: it.Date, Time: it.Time, Location: it.Location, Price: it.Price}
	}
	return item
}

// idString accepts ids emitted as strings or numbers.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		data, _ := json.Marshal(id)
		return string(data)
	default:
		return ""
	}
}

// extractObject returns the first balanced {...} substring that is valid
// JSON, honouring string literals and escapes.
func extractObject(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		end := balancedEnd(s, start)
		if end < 0 {
			return "", false
		}
		if obj := s[start : end+1]; json.Valid([]byte(obj)) {
			return obj, true
		}
	}
	return "", false
}

// balancedEnd returns the index of the brace closing the one at start, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
