package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/theunahub/yara/internal/models"
)

type mockSource struct {
	events     []models.Event
	businesses []models.Business
	coupons    []models.Coupon

	eventsErr    error
	blockCoupons bool

	gotFromDate string
	gotLimit    int
}

func (m *mockSource) UpcomingEvents(ctx context.Context, fromDate string, limit int) ([]models.Event, error) {
	m.gotFromDate = fromDate
	m.gotLimit = limit
	if m.eventsErr != nil {
		return nil, m.eventsErr
	}
	return m.events, nil
}

func (m *mockSource) ActiveBusinesses(ctx context.Context, limit int) ([]models.Business, error) {
	return m.businesses, nil
}

func (m *mockSource) ActiveCoupons(ctx context.Context, limit int) ([]models.Coupon, error) {
	if m.blockCoupons {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.coupons, nil
}

func TestFetchGroundingDataProjects(t *testing.T) {
	src := &mockSource{
		events: []models.Event{{
			ID: "e1", Title: "Jazz Night", Description: strings.Repeat("a", 400), Date: "2026-03-14", Time: "21:00",
			Location: "Thelonious", Neighborhood: "Palermo", OrganizerID: "org-secret", Active: true,
		}},
		businesses: []models.Business{{ID: "b1", Name: "Café Tortoni", OwnerID: "owner-secret", Active: true}},
		coupons:    []models.Coupon{{ID: "c1", Title: "2x1", Discount: "50%", Active: true}},
	}
	g := New(src)

	data, err := g.FetchGroundingData(context.Background(), time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data.Events) != 1 || len(data.Businesses) != 1 || len(data.Coupons) != 1 {
		t.Fatalf("unexpected row counts: %+v", data)
	}
	if n := len([]rune(data.Events[0].Description)); n != MaxDescriptionLength {
		t.Errorf("expected description truncated to %d runes, got %d", MaxDescriptionLength, n)
	}
	rendered := data.JSON()
	if strings.Contains(rendered, "secret") {
		t.Errorf("internal columns leaked into grounding JSON: %s", rendered)
	}
	if src.gotLimit != DefaultRowLimit {
		t.Errorf("expected row limit %d, got %d", DefaultRowLimit, src.gotLimit)
	}
}

func TestFetchGroundingDataUsesLocalDate(t *testing.T) {
	ba := time.FixedZone("ART", -3*60*60)
	src := &mockSource{}
	g := New(src, WithLocation(ba), WithRowLimit(10))

	// 01:30 UTC on the 15th is still the 14th in Buenos Aires.
	_, err := g.FetchGroundingData(context.Background(), time.Date(2026, 3, 15, 1, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.gotFromDate != "2026-03-14" {
		t.Errorf("expected local date 2026-03-14, got %s", src.gotFromDate)
	}
	if src.gotLimit != 10 {
		t.Errorf("expected row limit 10, got %d", src.gotLimit)
	}
}

func TestFetchGroundingDataFirstErrorCancels(t *testing.T) {
	boom := errors.New("connection refused")
	src := &mockSource{eventsErr: boom, blockCoupons: true}
	g := New(src)

	done := make(chan error, 1)
	go func() {
		_, err := g.FetchGroundingData(context.Background(), time.Now())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("expected wrapped source error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read was not cancelled by the first failure")
	}
}

func TestCandidatesAndFilter(t *testing.T) {
	data := GroundingData{
		Events: []EventSummary{
			{ID: "e1", Title: "Tonight", Description: "d", Date: "2026-03-14", Location: "Niceto", Neighborhood: "Palermo"},
			{ID: "e2", Title: "Sunday", Description: "d", Date: "2026-03-15"},
			{ID: "e3", Title: "Next week", Description: "d", Date: "2026-03-21"},
		},
		Businesses: []BusinessSummary{{ID: "b1", Name: "Bar", Description: "cocktails", Website: "https://bar.example"}},
		Coupons:    []CouponSummary{{ID: "c1", Title: "Promo", Description: "on pizza", Discount: "20%"}},
	}

	candidates := data.Candidates()
	if len(candidates) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(candidates))
	}
	if got := candidates["event:e1"].Event.Location; got != "Niceto, Palermo" {
		t.Errorf("unexpected event location %q", got)
	}
	if candidates["business:b1"].Kind != models.ItemKindBusiness || candidates["business:b1"].SourceURL != "https://bar.example" {
		t.Errorf("unexpected business candidate %+v", candidates["business:b1"])
	}
	if candidates["coupon:c1"].Description != "20% on pizza" {
		t.Errorf("unexpected coupon description %q", candidates["coupon:c1"].Description)
	}

	shared := GroundingData{
		Events:     []EventSummary{{ID: "1", Title: "Milonga", Description: "tango"}},
		Businesses: []BusinessSummary{{ID: "1", Name: "Café Tortoni", Description: "historic café"}},
	}.Candidates()
	if len(shared) != 2 {
		t.Fatalf("rows sharing an id across tables must both be indexed, got %d", len(shared))
	}
	if ev := shared[models.CandidateKey(models.ItemKindEvent, "1")]; ev.Kind != models.ItemKindEvent || ev.Title != "Milonga" {
		t.Errorf("event overwritten: %+v", ev)
	}

	weekend := data.FilterEvents("2026-03-14", "2026-03-15")
	if len(weekend.Events) != 2 {
		t.Errorf("expected 2 weekend events, got %d", len(weekend.Events))
	}
	if len(data.Events) != 3 {
		t.Error("FilterEvents must not mutate the receiver")
	}
	if len(weekend.Businesses) != 1 {
		t.Error("FilterEvents must keep businesses")
	}
}

type mockArchiver struct{ cutoff time.Time }

func (m *mockArchiver) ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.cutoff = cutoff
	return 3, nil
}

func TestArchiveExpiredEventsDefaultsGrace(t *testing.T) {
	a := &mockArchiver{}
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	n, err := ArchiveExpiredEvents(context.Background(), a, now, nil, 0)
	if err != nil || n != 3 {
		t.Fatalf("unexpected result %d, %v", n, err)
	}
	if !a.cutoff.Equal(now.Add(-DefaultArchiveGrace)) {
		t.Errorf("expected 4h grace cutoff, got %v", a.cutoff)
	}
}
