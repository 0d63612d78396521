package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/theunahub/yara/internal/classify"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/models"
)

// DefaultLiveTimeout bounds the best-effort live search.
const DefaultLiveTimeout = 6 * time.Second

// LiveSearcher fetches live web results.
type LiveSearcher interface {
	Search(ctx context.Context, query string, lang classify.Lang, limit int) ([]models.CandidateItem, error)
}

// Opts holds Merger configuration.
type Opts struct {
	Cap         int
	Live        LiveSearcher
	LiveTimeout time.Duration
}

// Option configures a Merger.
type Option func(*Opts)

// WithCap sets the batch cap. Values above models.MaxRecommendations are clamped.
func WithCap(n int) Option {
	return func(o *Opts) {
		if n > 0 && n <= models.MaxRecommendations {
			o.Cap = n
		}
	}
}

// WithLiveSearch enables live augmentation.
func WithLiveSearch(s LiveSearcher) Option {
	return func(o *Opts) { o.Live = s }
}

// WithLiveTimeout bounds the live search call.
func WithLiveTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.LiveTimeout = d
		}
	}
}

// Merger validates model picks against grounding data and fills remaining
// slots with live results.
type Merger struct {
	cap         int
	live        LiveSearcher
	liveTimeout time.Duration
}

// NewMerger creates a Merger.
func NewMerger(opts ...Option) *Merger {
	cfg := Opts{Cap: models.MaxRecommendations, LiveTimeout: DefaultLiveTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Merger{cap: cfg.Cap, live: cfg.Live, liveTimeout: cfg.LiveTimeout}
}

// MergeRequest is the per-turn input of Merge.
type MergeRequest struct {
	Outcome   ParseOutcome
	Grounding gateway.GroundingData
	// LiveQuery is the user's message; empty disables live search.
	LiveQuery string
	Lang      classify.Lang
}

// Merge produces the final batch. Non-recommendation outcomes yield an empty
// batch. Live search failures degrade to database-only results.
func (m *Merger) Merge(ctx context.Context, req MergeRequest) models.RecommendationBatch {
	batch := models.RecommendationBatch{MaxCount: m.cap}
	if !req.Outcome.IsRecommendations() {
		return batch
	}

	community := Validate(req.Outcome.Batch.Recommendations, req.Grounding.Candidates())
	community = Combine(community, nil, m.cap)

	var live []models.CandidateItem
	if remaining := m.cap - len(community); remaining > 0 && m.live != nil && req.LiveQuery != "" {
		live = m.searchLive(ctx, req.LiveQuery, req.Lang, remaining)
	}

	batch.Recommendations = Combine(community, live, m.cap)
	nCommunity, nLive := batch.CountBySource()
	batch.IntroMessage = IntroMessage(req.Outcome.Batch.IntroMessage, nCommunity, nLive, req.Lang)
	if batch.Len() == 0 && len(req.Outcome.Batch.Recommendations) == 0 && req.Outcome.Batch.IntroMessage != "" {
		// The model already explained that nothing matched.
		batch.IntroMessage = req.Outcome.Batch.IntroMessage
	}
	slog.Debug("Merger.Merge: batch merged",
		"modelItems", len(req.Outcome.Batch.Recommendations),
		"community", nCommunity, "live", nLive)
	return batch
}

func (m *Merger) searchLive(ctx context.Context, query string, lang classify.Lang, limit int) []models.CandidateItem {
	ctx, cancel := context.WithTimeout(ctx, m.liveTimeout)
	defer cancel()
	items, err := m.live.Search(ctx, query, lang, limit)
	if err != nil {
		slog.Warn("Merger.searchLive: live search failed, continuing with database results", "error", err)
		return nil
	}
	return items
}

// Validate keeps only picks that match a row in candidates, keyed by
// models.CandidateKey, and rebuilds them from that row. The model's personal
// note, and its image and link when the row has none, are preserved.
// Unrenderable items are dropped.
func Validate(picks []models.CandidateItem, candidates map[string]models.CandidateItem) []models.CandidateItem {
	out := make([]models.CandidateItem, 0, len(picks))
	for _, pick := range picks {
		row, ok := lookupCandidate(pick, candidates)
		if !ok {
			slog.Debug("recommend.Validate: dropping unknown id", "id", pick.ID, "title", pick.Title)
			continue
		}
		item := row
		item.PersonalNote = pick.PersonalNote
		if item.ImageURL == "" {
			item.ImageURL = pick.ImageURL
		}
		if item.SourceURL == "" {
			item.SourceURL = pick.SourceURL
		}
		if !item.IsRenderable() {
			continue
		}
		out = append(out, item)
	}
	return out
}

// lookupCandidate matches on kind and id. A pick without a usable kind
// matches only when its id belongs to a single row.
func lookupCandidate(pick models.CandidateItem, candidates map[string]models.CandidateItem) (models.CandidateItem, bool) {
	switch pick.Kind {
	case models.ItemKindEvent, models.ItemKindBusiness, models.ItemKindCoupon:
		row, ok := candidates[pick.Key()]
		return row, ok
	}
	var found models.CandidateItem
	matches := 0
	for _, kind := range []models.ItemKind{models.ItemKindEvent, models.ItemKindBusiness, models.ItemKindCoupon} {
		if row, ok := candidates[models.CandidateKey(kind, pick.ID)]; ok {
			found = row
			matches++
		}
	}
	return found, matches == 1
}

// Combine merges community items ahead of live ones, deduplicating by kind and
// id and by normalised title, and returns at most limit items.
func Combine(community, live []models.CandidateItem, limit int) []models.CandidateItem {
	if limit <= 0 {
		return nil
	}
	out := make([]models.CandidateItem, 0, limit)
	seenKey := make(map[string]bool)
	seenTitle := make(map[string]bool)
	add := func(item models.CandidateItem) {
		if len(out) >= limit || !item.IsRenderable() {
			return
		}
		title := classify.Normalize(item.Title)
		if seenKey[item.Key()] || seenTitle[title] {
			return
		}
		seenKey[item.Key()] = true
		seenTitle[title] = true
		out = append(out, item)
	}
	for _, item := range community {
		add(item)
	}
	for _, item := range live {
		add(item)
	}
	return out
}

// IntroMessage rewrites the intro to match the batch composition. A
// community-only batch keeps the model's own intro when it gave one.
func IntroMessage(original string, community, live int, lang classify.Lang) string {
	es := lang == classify.LangSpanish
	switch {
	case community > 0 && live > 0:
		if es {
			return fmt.Sprintf("Te armé %d %s de nuestra comunidad + %d en vivo de la ciudad:", community, plural(community, "recomendación", "recomendaciones"), live)
		}
		return fmt.Sprintf("Here are %d %s from our community + %d live from around the city:", community, plural(community, "pick", "picks"), live)
	case live > 0:
		if es {
			return fmt.Sprintf("Encontré %d %s en vivo por Buenos Aires:", live, plural(live, "recomendación", "recomendaciones"))
		}
		return fmt.Sprintf("I found %d live %s around Buenos Aires:", live, plural(live, "recommendation", "recommendations"))
	case community > 0:
		if original != "" {
			return original
		}
		if es {
			return fmt.Sprintf("Te dejo %d %s de nuestra comunidad:", community, plural(community, "recomendación", "recomendaciones"))
		}
		return fmt.Sprintf("Here %s %d %s from our community:", plural(community, "is", "are"), community, plural(community, "pick", "picks"))
	default:
		if es {
			return "No encontré nada que encaje ahora mismo. ¿Querés que busque otra cosa, otro día o en otro barrio?"
		}
		return "I couldn't find anything that fits right now. Want me to look for something else, another day or another neighborhood?"
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
