package gateway

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/theunahub/yara/internal/models"
)

// MaxDescriptionLength bounds projected descriptions (in runes).
const MaxDescriptionLength = 280

// EventSummary is the model-visible projection of an event row.
type EventSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Date         string `json:"date"`
	Time         string `json:"time,omitempty"`
	Location     string `json:"location,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	Price        string `json:"price,omitempty"`
	Mood         string `json:"mood,omitempty"`
	MusicType    string `json:"music_type,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
}

// BusinessSummary is the model-visible projection of a business row.
type BusinessSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	Address      string `json:"address,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Website      string `json:"website,omitempty"`
}

// CouponSummary is the model-visible projection of a coupon row.
type CouponSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Discount     string `json:"discount,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
	ValidUntil   string `json:"valid_until,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
}

// GroundingData is the read-only snapshot of catalog rows for one turn.
type GroundingData struct {
	Events     []EventSummary    `json:"events"`
	Businesses []BusinessSummary `json:"businesses"`
	Coupons    []CouponSummary   `json:"coupons"`
}

// IsEmpty reports whether no rows were found.
func (g GroundingData) IsEmpty() bool {
	return len(g.Events) == 0 && len(g.Businesses) == 0 && len(g.Coupons) == 0
}

// Candidates indexes every row as a CandidateItem by models.CandidateKey.
func (g GroundingData) Candidates() map[string]models.CandidateItem {
	out := make(map[string]models.CandidateItem, len(g.Events)+len(g.Businesses)+len(g.Coupons))
	for _, e := range g.Events {
		out[models.CandidateKey(models.ItemKindEvent, e.ID)] = models.CandidateItem{
			Kind:        models.ItemKindEvent,
			ID:          e.ID,
			Title:       e.Title,
			Description: e.Description,
			ImageURL:    e.ImageURL,
			Event: &models.EventDetails{
				Date:      e.Date,
				Time:      e.Time,
				Location:  joinNonEmpty(", ", e.Location, e.Neighborhood),
				Price:     e.Price,
				Mood:      e.Mood,
				MusicType: e.MusicType,
			},
		}
	}
	for _, b := range g.Businesses {
		out[models.CandidateKey(models.ItemKindBusiness, b.ID)] = models.CandidateItem{
			Kind:        models.ItemKindBusiness,
			ID:          b.ID,
			Title:       b.Name,
			Description: b.Description,
			ImageURL:    b.ImageURL,
			SourceURL:   b.Website,
		}
	}
	for _, c := range g.Coupons {
		desc := c.Description
		if c.Discount != "" && !strings.Contains(desc, c.Discount) {
			desc = joinNonEmpty(" ", c.Discount, desc)
		}
		out[models.CandidateKey(models.ItemKindCoupon, c.ID)] = models.CandidateItem{
			Kind:        models.ItemKindCoupon,
			ID:          c.ID,
			Title:       c.Title,
			Description: desc,
			ImageURL:    c.ImageURL,
		}
	}
	return out
}

// FilterEvents keeps only events dated within [fromDate, toDate] (YYYY-MM-DD,
// inclusive). Businesses and coupons are untouched.
func (g GroundingData) FilterEvents(fromDate, toDate string) GroundingData {
	filtered := make([]EventSummary, 0, len(g.Events))
	for _, e := range g.Events {
		if e.Date >= fromDate && e.Date <= toDate {
			filtered = append(filtered, e)
		}
	}
	g.Events = filtered
	return g
}

// JSON renders the snapshot compactly for prompt inclusion.
func (g GroundingData) JSON() string {
	data, err := json.Marshal(g)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func projectEvent(e models.Event) EventSummary {
	return EventSummary{
		ID:           e.ID,
		Title:        e.Title,
		Description:  truncate(e.Description, MaxDescriptionLength),
		Date:         e.Date,
		Time:         e.Time,
		Location:     e.Location,
		Neighborhood: e.Neighborhood,
		Price:        e.Price,
		Mood:         e.Mood,
		MusicType:    e.MusicType,
		ImageURL:     e.ImageURL,
	}
}

func projectBusiness(b models.Business) BusinessSummary {
	return BusinessSummary{
		ID:           b.ID,
		Name:         b.Name,
		Description:  truncate(b.Description, MaxDescriptionLength),
		Category:     b.Category,
		Neighborhood: b.Neighborhood,
		Address:      b.Address,
		ImageURL:     b.ImageURL,
		Website:      b.Website,
	}
}

func projectCoupon(c models.Coupon) CouponSummary {
	return CouponSummary{
		ID:           c.ID,
		Title:        c.Title,
		Description:  truncate(c.Description, MaxDescriptionLength),
		Discount:     c.Discount,
		BusinessName: c.BusinessName,
		ValidUntil:   c.ValidUntil,
		ImageURL:     c.ImageURL,
	}
}

// truncate shortens s to at most n runes, ending with an ellipsis when cut.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
