// Package messaging connects WhatsApp transports to the concierge flow.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/theunahub/yara/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of the inbound responses channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked channel send before it is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a pluggable WhatsApp transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the recipient as +digits.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message and returns the provider message id.
	SendMessage(ctx context.Context, to, body string) (string, error)

	// SendMedia sends a message with an optional media URL.
	SendMedia(ctx context.Context, to, body, mediaURL string) (string, error)

	// Start begins any background processing (e.g., inbound event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes Responses.
	Stop() error

	// Responses returns inbound user messages for push transports.
	Responses() <-chan models.Response
}

// CanonicalizePhone strips everything but digits and returns "+digits".
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("CanonicalizePhone: recipient canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
