// Package store provides storage backends for the Yara concierge.
//
// This file implements a PostgreSQL-backed store (Supabase compatible).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"
	"github.com/theunahub/yara/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened connection without running
// migrations. Used with externally managed schemas and in tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn models.ConversationTurn) error {
	turn, err := prepareTurn(turn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, channel_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		turn.ID, turn.ChannelID, string(turn.Role), turn.Content, turn.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AppendTurn failed", "error", err, "channelID", turn.ChannelID)
		return fmt.Errorf("failed to append turn for %s: %w", turn.ChannelID, err)
	}
	slog.Debug("PostgresStore AppendTurn succeeded", "channelID", turn.ChannelID, "role", turn.Role)
	return nil
}

func (s *PostgresStore) GetWindow(ctx context.Context, channelID string, since time.Time) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, role, content, created_at FROM conversation_turns
		 WHERE channel_id = $1 AND created_at >= $2 ORDER BY created_at ASC, seq ASC`,
		channelID, since.UTC())
	if err != nil {
		slog.Error("PostgresStore GetWindow query failed", "error", err, "channelID", channelID)
		return nil, fmt.Errorf("failed to query conversation window: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role string
		if err := rows.Scan(&t.ID, &t.ChannelID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		t.Role = models.Role(role)
		t.CreatedAt = t.CreatedAt.UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*models.UserProfile, error) {
	var p models.UserProfile
	var name, location, budget, pending sql.NullString
	var interests, neighborhoods []string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, age, location, interests, budget_preference, favorite_neighborhoods,
		        recommendation_count, pending_question, created_at, updated_at
		 FROM user_profiles WHERE id = $1`, id).Scan(
		&p.ID, &name, &p.Age, &location, pq.Array(&interests), &budget, pq.Array(&neighborhoods),
		&p.RecommendationCount, &pending, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProfile failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get profile %s: %w", id, err)
	}
	p.Name = name.String
	p.Location = location.String
	p.BudgetPreference = budget.String
	p.PendingQuestion = pending.String
	if len(interests) > 0 {
		p.Interests = interests
	}
	if len(neighborhoods) > 0 {
		p.FavoriteNeighborhoods = neighborhoods
	}
	return &p, nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("profile id cannot be empty")
	}
	now := time.Now().UTC()
	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	interests := profile.Interests
	if interests == nil {
		interests = []string{}
	}
	neighborhoods := profile.FavoriteNeighborhoods
	if neighborhoods == nil {
		neighborhoods = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (id, name, age, location, interests, budget_preference,
		     favorite_neighborhoods, recommendation_count, pending_question, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     age = EXCLUDED.age,
		     location = EXCLUDED.location,
		     interests = EXCLUDED.interests,
		     budget_preference = EXCLUDED.budget_preference,
		     favorite_neighborhoods = EXCLUDED.favorite_neighborhoods,
		     pending_question = EXCLUDED.pending_question,
		     updated_at = EXCLUDED.updated_at`,
		profile.ID, nilIfEmpty(profile.Name), profile.Age, nilIfEmpty(profile.Location),
		pq.Array(interests), nilIfEmpty(profile.BudgetPreference),
		pq.Array(neighborhoods), nilIfEmpty(profile.PendingQuestion),
		createdAt.UTC(), now)
	if err != nil {
		slog.Error("PostgresStore SaveProfile failed", "error", err, "id", profile.ID)
		return fmt.Errorf("failed to save profile %s: %w", profile.ID, err)
	}
	slog.Debug("PostgresStore SaveProfile succeeded", "id", profile.ID)
	return nil
}

func (s *PostgresStore) IncrementRecommendationCount(ctx context.Context, id string) (int, error) {
	now := time.Now().UTC()
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO user_profiles (id, recommendation_count, created_at, updated_at)
		 VALUES ($1, 1, $2, $2)
		 ON CONFLICT (id) DO UPDATE SET
		     recommendation_count = user_profiles.recommendation_count + 1,
		     updated_at = EXCLUDED.updated_at
		 RETURNING recommendation_count`,
		id, now).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore IncrementRecommendationCount failed", "error", err, "id", id)
		return 0, fmt.Errorf("failed to increment recommendation count for %s: %w", id, err)
	}
	return count, nil
}

func (s *PostgresStore) RecordInteraction(ctx context.Context, rec models.InteractionRecord) error {
	rec, err := prepareInteraction(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (`+interactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.ChannelID, string(rec.ItemType), rec.ItemID, string(rec.InteractionType), rec.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore RecordInteraction failed", "error", err, "channelID", rec.ChannelID, "itemID", rec.ItemID)
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInteractions(ctx context.Context, channelID string, limit int) ([]models.InteractionRecord, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE channel_id = $1 ORDER BY created_at DESC LIMIT $2`,
		channelID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()
	var out []models.InteractionRecord
	for rows.Next() {
		rec, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpcomingEvents(ctx context.Context, fromDate string, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE active = TRUE AND date >= $1 ORDER BY date ASC, time ASC LIMIT $2`,
		fromDate, limit)
	if err != nil {
		slog.Error("PostgresStore UpcomingEvents query failed", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveBusinesses(ctx context.Context, limit int) ([]models.Business, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+businessColumns+` FROM businesses WHERE active = TRUE ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ActiveBusinesses query failed", "error", err)
		return nil, fmt.Errorf("failed to query businesses: %w", err)
	}
	defer rows.Close()
	var out []models.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveCoupons(ctx context.Context, limit int) ([]models.Coupon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE active = TRUE ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ActiveCoupons query failed", "error", err)
		return nil, fmt.Errorf("failed to query coupons: %w", err)
	}
	defer rows.Close()
	var out []models.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, time FROM events WHERE active = TRUE AND date <= $1`,
		cutoff.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("failed to query archivable events: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id, date string
		var clock sql.NullString
		if err := rows.Scan(&id, &date, &clock); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan archivable event: %w", err)
		}
		if eventStartedBefore(date, clock.String, cutoff) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate archivable events: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `UPDATE events SET active = FALSE WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to archive events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive rows affected check failed: %w", err)
	}
	slog.Info("PostgresStore ArchiveEventsBefore completed", "archived", n, "cutoff", cutoff)
	return int(n), nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
