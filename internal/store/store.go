// Package store provides storage backends for the Yara concierge.
//
// It includes an in-memory store, SQLite and PostgreSQL stores for the
// conversation log, profiles, interactions and grounding catalog, plus a
// Redis sorted-set cache for conversation windows.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/theunahub/yara/internal/models"
)

// DSN type identifiers returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	// key=value form used by lib/pq
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// ConversationStore is the append-only conversation log.
type ConversationStore interface {
	// AppendTurn persists one turn. An empty ID or zero CreatedAt is filled in.
	AppendTurn(ctx context.Context, turn models.ConversationTurn) error
	// GetWindow returns the channel's turns created at or after since, oldest first.
	GetWindow(ctx context.Context, channelID string, since time.Time) ([]models.ConversationTurn, error)
}

// ProfileStore persists progressively built user profiles.
type ProfileStore interface {
	// GetProfile returns nil, nil when no profile exists.
	GetProfile(ctx context.Context, id string) (*models.UserProfile, error)
	// SaveProfile upserts every field except the recommendation count.
	SaveProfile(ctx context.Context, profile *models.UserProfile) error
	// IncrementRecommendationCount bumps the count by one and returns the new value.
	IncrementRecommendationCount(ctx context.Context, id string) (int, error)
}

// InteractionStore records engagement signals.
type InteractionStore interface {
	RecordInteraction(ctx context.Context, rec models.InteractionRecord) error
	// ListInteractions returns up to limit records for the channel, newest first.
	ListInteractions(ctx context.Context, channelID string, limit int) ([]models.InteractionRecord, error)
}

// CatalogStore reads the grounding rows and archives stale events.
type CatalogStore interface {
	UpcomingEvents(ctx context.Context, fromDate string, limit int) ([]models.Event, error)
	ActiveBusinesses(ctx context.Context, limit int) ([]models.Business, error)
	ActiveCoupons(ctx context.Context, limit int) ([]models.Coupon, error)
	// ArchiveEventsBefore deactivates active events that started before cutoff.
	// Dates are interpreted in cutoff's location.
	ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	ConversationStore
	ProfileStore
	InteractionStore
	CatalogStore
	DedupRepo
	Close() error
}

// Window returns the turns of the current conversation: those created within
// window of now. An empty result means a new conversation.
func Window(ctx context.Context, cs ConversationStore, channelID string, now time.Time, window time.Duration) ([]models.ConversationTurn, error) {
	if window <= 0 {
		window = models.DefaultConversationWindow
	}
	return cs.GetWindow(ctx, channelID, now.Add(-window))
}

// prepareTurn validates a turn and fills in its id and timestamp.
func prepareTurn(turn models.ConversationTurn) (models.ConversationTurn, error) {
	if err := turn.Validate(); err != nil {
		return turn, err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	return turn, nil
}

// prepareInteraction validates an interaction and fills in its id and timestamp.
func prepareInteraction(rec models.InteractionRecord) (models.InteractionRecord, error) {
	if strings.TrimSpace(rec.ChannelID) == "" {
		return rec, models.ErrEmptyChannelID
	}
	if rec.ItemID == "" {
		return rec, fmt.Errorf("interaction item id cannot be empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a mutex-guarded store for tests and single-process demos.
type InMemoryStore struct {
	mu           sync.RWMutex
	turns        map[string][]models.ConversationTurn
	profiles     map[string]models.UserProfile
	interactions []models.InteractionRecord
	events       []models.Event
	businesses   []models.Business
	coupons      []models.Coupon
	dedup        map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:    make(map[string][]models.ConversationTurn),
		profiles: make(map[string]models.UserProfile),
		dedup:    make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) AppendTurn(ctx context.Context, turn models.ConversationTurn) error {
	turn, err := prepareTurn(turn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.ChannelID] = append(s.turns[turn.ChannelID], turn)
	return nil
}

func (s *InMemoryStore) GetWindow(ctx context.Context, channelID string, since time.Time) ([]models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationTurn
	for _, turn := range s.turns[channelID] {
		if !turn.CreatedAt.Before(since) {
			out = append(out, turn)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) GetProfile(ctx context.Context, id string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	p.Interests = append([]string(nil), p.Interests...)
	p.FavoriteNeighborhoods = append([]string(nil), p.FavoriteNeighborhoods...)
	return &p, nil
}

func (s *InMemoryStore) SaveProfile(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("profile id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	p := *profile
	p.Interests = append([]string(nil), profile.Interests...)
	p.FavoriteNeighborhoods = append([]string(nil), profile.FavoriteNeighborhoods...)
	if existing, ok := s.profiles[p.ID]; ok {
		p.RecommendationCount = existing.RecommendationCount
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.ID] = p
	return nil
}

func (s *InMemoryStore) IncrementRecommendationCount(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	p, ok := s.profiles[id]
	if !ok {
		p = models.UserProfile{ID: id, CreatedAt: now}
	}
	p.RecommendationCount++
	p.UpdatedAt = now
	s.profiles[id] = p
	return p.RecommendationCount, nil
}

func (s *InMemoryStore) RecordInteraction(ctx context.Context, rec models.InteractionRecord) error {
	rec, err := prepareInteraction(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, rec)
	return nil
}

func (s *InMemoryStore) ListInteractions(ctx context.Context, channelID string, limit int) ([]models.InteractionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.InteractionRecord
	for i := len(s.interactions) - 1; i >= 0; i-- {
		if s.interactions[i].ChannelID != channelID {
			continue
		}
		out = append(out, s.interactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AddEvent seeds an event row.
func (s *InMemoryStore) AddEvent(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// AddBusiness seeds a business row.
func (s *InMemoryStore) AddBusiness(b models.Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.businesses = append(s.businesses, b)
}

// AddCoupon seeds a coupon row.
func (s *InMemoryStore) AddCoupon(c models.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons = append(s.coupons, c)
}

func (s *InMemoryStore) UpcomingEvents(ctx context.Context, fromDate string, limit int) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Event
	for _, e := range s.events {
		if e.Active && e.Date >= fromDate {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ActiveBusinesses(ctx context.Context, limit int) ([]models.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Business
	for _, b := range s.businesses {
		if b.Active {
			out = append(out, b)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) ActiveCoupons(ctx context.Context, limit int) ([]models.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Coupon
	for _, c := range s.coupons {
		if c.Active {
			out = append(out, c)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived := 0
	for i := range s.events {
		if s.events[i].Active && eventStartedBefore(s.events[i].Date, s.events[i].Time, cutoff) {
			s.events[i].Active = false
			archived++
		}
	}
	return archived, nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ChannelID: channelID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PurgeDedupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			purged++
		}
	}
	return purged, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
