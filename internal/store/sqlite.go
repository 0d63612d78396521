// Package store provides storage backends for the Yara concierge.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/theunahub/yara/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn models.ConversationTurn) error {
	turn, err := prepareTurn(turn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, channel_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, turn.ChannelID, string(turn.Role), turn.Content, turn.CreatedAt.UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore AppendTurn failed", "error", err, "channelID", turn.ChannelID)
		return fmt.Errorf("failed to append turn for %s: %w", turn.ChannelID, err)
	}
	slog.Debug("SQLiteStore AppendTurn succeeded", "channelID", turn.ChannelID, "role", turn.Role)
	return nil
}

func (s *SQLiteStore) GetWindow(ctx context.Context, channelID string, since time.Time) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, role, content, created_at FROM conversation_turns
		 WHERE channel_id = ? AND created_at >= ? ORDER BY created_at ASC, seq ASC`,
		channelID, since.UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore GetWindow query failed", "error", err, "channelID", channelID)
		return nil, fmt.Errorf("failed to query conversation window: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role string
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.ChannelID, &role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		t.Role = models.Role(role)
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*models.UserProfile, error) {
	var p models.UserProfile
	var name, location, budget, pending sql.NullString
	var interests, neighborhoods string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, age, location, interests, budget_preference, favorite_neighborhoods,
		        recommendation_count, pending_question, created_at, updated_at
		 FROM user_profiles WHERE id = ?`, id).Scan(
		&p.ID, &name, &p.Age, &location, &interests, &budget, &neighborhoods,
		&p.RecommendationCount, &pending, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProfile failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get profile %s: %w", id, err)
	}
	p.Name = name.String
	p.Location = location.String
	p.BudgetPreference = budget.String
	p.PendingQuestion = pending.String
	p.Interests = decodeList(interests)
	p.FavoriteNeighborhoods = decodeList(neighborhoods)
	return &p, nil
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("profile id cannot be empty")
	}
	now := time.Now().UTC()
	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (id, name, age, location, interests, budget_preference,
		     favorite_neighborhoods, recommendation_count, pending_question, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     age = excluded.age,
		     location = excluded.location,
		     interests = excluded.interests,
		     budget_preference = excluded.budget_preference,
		     favorite_neighborhoods = excluded.favorite_neighborhoods,
		     pending_question = excluded.pending_question,
		     updated_at = excluded.updated_at`,
		profile.ID, nilIfEmpty(profile.Name), profile.Age, nilIfEmpty(profile.Location),
		encodeList(profile.Interests), nilIfEmpty(profile.BudgetPreference),
		encodeList(profile.FavoriteNeighborhoods), nilIfEmpty(profile.PendingQuestion),
		createdAt.UTC(), now)
	if err != nil {
		slog.Error("SQLiteStore SaveProfile failed", "error", err, "id", profile.ID)
		return fmt.Errorf("failed to save profile %s: %w", profile.ID, err)
	}
	slog.Debug("SQLiteStore SaveProfile succeeded", "id", profile.ID)
	return nil
}

func (s *SQLiteStore) IncrementRecommendationCount(ctx context.Context, id string) (int, error) {
	now := time.Now().UTC()
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO user_profiles (id, recommendation_count, created_at, updated_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     recommendation_count = user_profiles.recommendation_count + 1,
		     updated_at = excluded.updated_at
		 RETURNING recommendation_count`,
		id, now, now).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore IncrementRecommendationCount failed", "error", err, "id", id)
		return 0, fmt.Errorf("failed to increment recommendation count for %s: %w", id, err)
	}
	return count, nil
}

func (s *SQLiteStore) RecordInteraction(ctx context.Context, rec models.InteractionRecord) error {
	rec, err := prepareInteraction(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (`+interactionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChannelID, string(rec.ItemType), rec.ItemID, string(rec.InteractionType), rec.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore RecordInteraction failed", "error", err, "channelID", rec.ChannelID, "itemID", rec.ItemID)
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInteractions(ctx context.Context, channelID string, limit int) ([]models.InteractionRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE channel_id = ? ORDER BY created_at DESC LIMIT ?`,
		channelID, limit)
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

func (s *SQLiteStore) UpcomingEvents(ctx context.Context, fromDate string, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE active = 1 AND date >= ? ORDER BY date ASC, time ASC LIMIT ?`,
		fromDate, limit)
	if err != nil {
		slog.Error("SQLiteStore UpcomingEvents query failed", "error", err)
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

func (s *SQLiteStore) ActiveBusinesses(ctx context.Context, limit int) ([]models.Business, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+businessColumns+` FROM businesses WHERE active = 1 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ActiveBusinesses query failed", "error", err)
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

func (s *SQLiteStore) ActiveCoupons(ctx context.Context, limit int) ([]models.Coupon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE active = 1 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ActiveCoupons query failed", "error", err)
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

func (s *SQLiteStore) ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, time FROM events WHERE active = 1 AND date <= ?`,
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET active = 0 WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to archive event %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	slog.Info("SQLiteStore ArchiveEventsBefore completed", "archived", len(ids), "cutoff", cutoff)
	return len(ids), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
