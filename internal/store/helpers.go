package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theunahub/yara/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeList stores a string slice as a JSON array (SQLite has no array type).
func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeList parses a JSON array column; malformed values decode to nil.
func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

// eventStartedBefore reports whether an event starting at date+clock (in
// cutoff's location) began before cutoff. Events without a clock time are
// treated as lasting the whole day.
func eventStartedBefore(date, clock string, cutoff time.Time) bool {
	loc := cutoff.Location()
	if clock == "" {
		day, err := time.ParseInLocation("2006-01-02", date, loc)
		if err != nil {
			return false
		}
		return day.Add(24 * time.Hour).Before(cutoff)
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, loc)
	if err != nil {
		return false
	}
	return start.Before(cutoff)
}

func scanEvent(row rowScanner) (models.Event, error) {
	var e models.Event
	var description, clock, location, neighborhood, price, mood, music, image, organizer sql.NullString
	var createdAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.Title, &description, &e.Date, &clock, &location, &neighborhood, &price,
		&mood, &music, &image, &organizer, &e.Active, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("scan event failed: %w", err)
	}
	e.Description = description.String
	e.Time = clock.String
	e.Location = location.String
	e.Neighborhood = neighborhood.String
	e.Price = price.String
	e.Mood = mood.String
	e.MusicType = music.String
	e.ImageURL = image.String
	e.OrganizerID = organizer.String
	if createdAt.Valid {
		e.CreatedAt = createdAt.Time
	}
	return e, nil
}

func scanBusiness(row rowScanner) (models.Business, error) {
	var b models.Business
	var description, category, neighborhood, address, image, website, owner sql.NullString
	var createdAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.Name, &description, &category, &neighborhood, &address, &image,
		&website, &owner, &b.Active, &createdAt,
	)
	if err != nil {
		return b, fmt.Errorf("scan business failed: %w", err)
	}
	b.Description = description.String
	b.Category = category.String
	b.Neighborhood = neighborhood.String
	b.Address = address.String
	b.ImageURL = image.String
	b.Website = website.String
	b.OwnerID = owner.String
	if createdAt.Valid {
		b.CreatedAt = createdAt.Time
	}
	return b, nil
}

func scanCoupon(row rowScanner) (models.Coupon, error) {
	var c models.Coupon
	var description, discount, businessID, businessName, validUntil, image sql.NullString
	var createdAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.Title, &description, &discount, &businessID, &businessName,
		&validUntil, &image, &c.Active, &createdAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan coupon failed: %w", err)
	}
	c.Description = description.String
	c.Discount = discount.String
	c.BusinessID = businessID.String
	c.BusinessName = businessName.String
	c.ValidUntil = validUntil.String
	c.ImageURL = image.String
	if createdAt.Valid {
		c.CreatedAt = createdAt.Time
	}
	return c, nil
}

func scanInteraction(row rowScanner) (models.InteractionRecord, error) {
	var r models.InteractionRecord
	var itemType, interactionType string
	if err := row.Scan(&r.ID, &r.ChannelID, &itemType, &r.ItemID, &interactionType, &r.CreatedAt); err != nil {
		return r, fmt.Errorf("scan interaction failed: %w", err)
	}
	r.ItemType = models.ItemKind(itemType)
	r.InteractionType = models.InteractionType(interactionType)
	return r, nil
}

const (
	eventColumns       = `id, title, description, date, time, location, neighborhood, price, mood, music_type, image_url, organizer_id, active, created_at`
	businessColumns    = `id, name, description, category, neighborhood, address, image_url, website, owner_id, active, created_at`
	couponColumns      = `id, title, description, discount, business_id, business_name, valid_until, image_url, active, created_at`
	interactionColumns = `id, channel_id, item_type, item_id, interaction_type, created_at`
)
