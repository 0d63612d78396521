package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio REST API. Inbound Twilio
// messages arrive through the webhook and are answered synchronously, so
// Responses stays empty until Stop closes it.
type TwilioService struct {
	client    twiliowhatsapp.Sender // real Twilio client or MockClient
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; Twilio pushes through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped and closes Responses.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	slog.Info("TwilioService stopped")
	return nil
}

// SendMessage sends a text message.
func (s *TwilioService) SendMessage(ctx context.Context, to, body string) (string, error) {
	return s.SendMedia(ctx, to, body, "")
}

// SendMedia sends a message with an optional image.
func (s *TwilioService) SendMedia(ctx context.Context, to, body, mediaURL string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(twiliowhatsapp.Canonical(to))
	if err != nil {
		slog.Error("TwilioService.SendMedia: invalid recipient", "error", err, "to", to)
		return "", err
	}
	return s.client.SendMedia(ctx, canonicalTo, body, mediaURL)
}

// Responses returns the (unused) inbound channel.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}
