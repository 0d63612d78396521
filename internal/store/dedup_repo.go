package store

import (
	"context"
	"time"
)

// DefaultDedupRetention keeps inbound ids well past any provider retry window.
const DefaultDedupRetention = 7 * 24 * time.Hour

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ChannelID   string     `json:"channel_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Twilio retries webhooks and whatsmeow can redeliver events, so every
// inbound provider message id is recorded before a turn runs.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been processed.
	// Returns true if the message was already seen.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, channelID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PurgeDedupBefore deletes records received before cutoff and returns
	// how many were removed.
	PurgeDedupBefore(ctx context.Context, cutoff time.Time) (int, error)
}
