// Package prompt assembles the per-turn prompt context and renders the
// dual-mode system prompt the model must follow.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/models"
)

// ConversationStatus tells the model how to open its reply.
type ConversationStatus string

const (
	StatusNew        ConversationStatus = "new"
	StatusReturning  ConversationStatus = "returning"
	StatusContinuing ConversationStatus = "continuing"
)

// maxEngagedIDs bounds how many engaged item ids are listed per type.
const maxEngagedIDs = 5

// PromptContext is everything the system prompt and message list are built from.
type PromptContext struct {
	Grounding        gateway.GroundingData
	ProfileBlock     string
	InteractionBlock string
	RecentTurns      []models.ConversationTurn
	Status           ConversationStatus
	UserName         string
	Now              time.Time
	Lang             classify.Lang
	ToolsEnabled     bool
}

// GroundingJSON renders the projected rows as compact JSON.
func (c PromptContext) GroundingJSON() string {
	return c.Grounding.JSON()
}

// ContextOpts holds BuildContext options.
type ContextOpts struct {
	MaxTurns     int
	Now          time.Time
	Lang         classify.Lang
	ToolsEnabled bool
}

// ContextOption configures BuildContext.
type ContextOption func(*ContextOpts)

// WithMaxTurns bounds how many recent turns are replayed to the model.
func WithMaxTurns(n int) ContextOption {
	return func(o *ContextOpts) {
		if n > 0 {
			o.MaxTurns = n
		}
	}
}

// WithNow sets the local time shown to the model.
func WithNow(now time.Time) ContextOption {
	return func(o *ContextOpts) { o.Now = now }
}

// WithLang sets the reply language.
func WithLang(lang classify.Lang) ContextOption {
	return func(o *ContextOpts) { o.Lang = lang }
}

// WithTools switches the recommendation contract to function calls.
func WithTools(enabled bool) ContextOption {
	return func(o *ContextOpts) { o.ToolsEnabled = enabled }
}

// BuildContext assembles a PromptContext. Missing profile or history yield
// omitted sections, never placeholders.
func BuildContext(grounding gateway.GroundingData, profile *models.UserProfile, interactions []models.InteractionRecord, window []models.ConversationTurn, opts ...ContextOption) PromptContext {
	cfg := ContextOpts{MaxTurns: models.DefaultContextTurns, Lang: classify.LangEnglish}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}

	recent := window
	if len(recent) > cfg.MaxTurns {
		recent = recent[len(recent)-cfg.MaxTurns:]
	}

	status := StatusNew
	switch {
	case len(window) > 0:
		status = StatusContinuing
	case profile.HasName():
		status = StatusReturning
	}

	pc := PromptContext{
		Grounding:        grounding,
		ProfileBlock:     profileBlock(profile),
		InteractionBlock: interactionBlock(interactions),
		RecentTurns:      recent,
		Status:           status,
		Now:              cfg.Now,
		Lang:             cfg.Lang,
		ToolsEnabled:     cfg.ToolsEnabled,
	}
	if profile.HasName() {
		pc.UserName = profile.Name
	}
	return pc
}

func profileBlock(p *models.UserProfile) string {
	if p == nil {
		return ""
	}
	var lines []string
	if p.HasName() {
		lines = append(lines, "- Name: "+p.Name)
	}
	if p.HasAge() {
		lines = append(lines, fmt.Sprintf("- Age: %d", p.Age))
	}
	if strings.TrimSpace(p.Location) != "" {
		lines = append(lines, "- Lives in: "+p.Location)
	}
	if p.HasInterests() {
		lines = append(lines, "- Interests: "+strings.Join(p.Interests, ", "))
	}
	if p.HasBudget() {
		lines = append(lines, "- Budget: "+p.BudgetPreference)
	}
	if p.HasNeighborhoods() {
		lines = append(lines, "- Favorite neighborhoods: "+strings.Join(p.FavoriteNeighborhoods, ", "))
	}
	if len(lines) == 0 {
		return ""
	}
	return "WHAT YOU KNOW ABOUT THE USER:\n" + strings.Join(lines, "\n")
}

func interactionBlock(records []models.InteractionRecord) string {
	counts := make(map[models.ItemKind]int)
	ids := make(map[models.ItemKind][]string)
	for _, r := range records {
		if !r.IsEngagement() {
			continue
		}
		counts[r.ItemType]++
		if len(ids[r.ItemType]) < maxEngagedIDs {
			ids[r.ItemType] = append(ids[r.ItemType], r.ItemID)
		}
	}
	if len(counts) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var b strings.Builder
	b.WriteString("USER ENGAGEMENT HISTORY:\n")
	for _, k := range kinds {
		kind := models.ItemKind(k)
		fmt.Fprintf(&b, "- %d %s interaction(s), e.g. ids %s\n", counts[kind], k, strings.Join(ids[kind], ", "))
	}
	b.WriteString("Prefer picks similar in mood, location and category to what the user engaged with. This is a soft preference, not a filter.")
	return b.String()
}

// History returns the recent turns with recommendation envelopes collapsed to
// a short textual summary, ready to replay to the model.
func (c PromptContext) History() []models.ConversationTurn {
	out := make([]models.ConversationTurn, len(c.RecentTurns))
	for i, turn := range c.RecentTurns {
		turn.Content = models.SummarizeTurnContent(turn.Content)
		out[i] = turn
	}
	return out
}
