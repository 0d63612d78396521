// Package gateway reads the grounding catalog (events, businesses, coupons)
// for a conversation turn and projects rows to the fields the model may see.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/theunahub/yara/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRowLimit caps each grounding read.
	DefaultRowLimit = 50
	// DefaultArchiveGrace keeps started events visible to the archiver for a while.
	DefaultArchiveGrace = 4 * time.Hour
	// DefaultTimezone is the city the catalog lives in.
	DefaultTimezone = "America/Argentina/Buenos_Aires"
)

// Source is the read side of the catalog.
type Source interface {
	UpcomingEvents(ctx context.Context, fromDate string, limit int) ([]models.Event, error)
	ActiveBusinesses(ctx context.Context, limit int) ([]models.Business, error)
	ActiveCoupons(ctx context.Context, limit int) ([]models.Coupon, error)
}

// Archiver deactivates events that already happened.
type Archiver interface {
	ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Opts holds configuration for the gateway.
type Opts struct {
	RowLimit int
	Location *time.Location
}

// Option configures the gateway.
type Option func(*Opts)

// WithRowLimit overrides the per-table row cap.
func WithRowLimit(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.RowLimit = n
		}
	}
}

// WithLocation sets the time zone used to compute "today".
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		if loc != nil {
			o.Location = loc
		}
	}
}

// Gateway fetches and projects grounding rows.
type Gateway struct {
	src      Source
	rowLimit int
	loc      *time.Location
}

// New creates a Gateway over src.
func New(src Source, opts ...Option) *Gateway {
	cfg := Opts{RowLimit: DefaultRowLimit, Location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Gateway{src: src, rowLimit: cfg.RowLimit, loc: cfg.Location}
}

// Location returns the gateway's time zone.
func (g *Gateway) Location() *time.Location { return g.loc }

// FetchGroundingData reads the three tables concurrently. The first failure
// cancels the remaining reads and is returned; a turn cannot proceed without
// grounding.
func (g *Gateway) FetchGroundingData(ctx context.Context, now time.Time) (GroundingData, error) {
	today := now.In(g.loc).Format("2006-01-02")

	var (
		events     []models.Event
		businesses []models.Business
		coupons    []models.Coupon
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		events, err = g.src.UpcomingEvents(egCtx, today, g.rowLimit)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		businesses, err = g.src.ActiveBusinesses(egCtx, g.rowLimit)
		if err != nil {
			return fmt.Errorf("fetch businesses: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		coupons, err = g.src.ActiveCoupons(egCtx, g.rowLimit)
		if err != nil {
			return fmt.Errorf("fetch coupons: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		slog.Error("Gateway.FetchGroundingData: grounding read failed", "error", err)
		return GroundingData{}, err
	}

	data := GroundingData{
		Events:     make([]EventSummary, 0, len(events)),
		Businesses: make([]BusinessSummary, 0, len(businesses)),
		Coupons:    make([]CouponSummary, 0, len(coupons)),
	}
	for _, e := range capRows(events, g.rowLimit) {
		data.Events = append(data.Events, projectEvent(e))
	}
	for _, b := range capRows(businesses, g.rowLimit) {
		data.Businesses = append(data.Businesses, projectBusiness(b))
	}
	for _, c := range capRows(coupons, g.rowLimit) {
		data.Coupons = append(data.Coupons, projectCoupon(c))
	}
	slog.Debug("Gateway.FetchGroundingData: fetched grounding",
		"events", len(data.Events), "businesses", len(data.Businesses), "coupons", len(data.Coupons), "today", today)
	return data, nil
}

// ArchiveExpiredEvents deactivates events that started more than grace before now.
func ArchiveExpiredEvents(ctx context.Context, a Archiver, now time.Time, loc *time.Location, grace time.Duration) (int, error) {
	if loc == nil {
		loc = time.UTC
	}
	if grace <= 0 {
		grace = DefaultArchiveGrace
	}
	cutoff := now.In(loc).Add(-grace)
	n, err := a.ArchiveEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive expired events: %w", err)
	}
	slog.Info("ArchiveExpiredEvents: archived events", "count", n, "cutoff", cutoff)
	return n, nil
}

func capRows[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
