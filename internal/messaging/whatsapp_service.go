package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/twiliowhatsapp"
	"github.com/theunahub/yara/internal/whatsapp"
)

// inboundSource registers a callback for inbound messages.
type inboundSource interface {
	OnMessage(fn func(whatsapp.InboundMessage))
}

// WhatsAppService implements Service over a direct whatsmeow session.
type WhatsAppService struct {
	client    twiliowhatsapp.Sender
	inbound   inboundSource // nil for mocks
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

// NewWhatsAppService wraps client. When client is a *whatsapp.Client its
// inbound messages are forwarded to Responses after Start.
func NewWhatsAppService(client twiliowhatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if src, ok := client.(inboundSource); ok {
		s.inbound = src
		slog.Debug("WhatsAppService created with live session for inbound events")
	} else {
		slog.Debug("WhatsAppService created without inbound events (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the inbound event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.inbound == nil {
		return nil
	}
	s.inbound.OnMessage(s.emit)
	slog.Info("WhatsAppService inbound handler registered")
	return nil
}

// Stop closes Responses. Later inbound events are dropped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to, body string) (string, error) {
	return s.SendMedia(ctx, to, body, "")
}

// SendMedia sends a message; the media URL is shared as a link.
func (s *WhatsAppService) SendMedia(ctx context.Context, to, body, mediaURL string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	id, err := s.client.SendMedia(ctx, canonicalTo, body, mediaURL)
	if err != nil {
		slog.Error("WhatsAppService.SendMedia: send failed", "error", err, "to", canonicalTo)
		return "", err
	}
	return id, nil
}

// Responses returns inbound user messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) emit(in whatsapp.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", in.From)
		return
	}
	resp := models.Response{From: in.From, Body: in.Body, MessageID: in.ID, Time: in.Timestamp}
	select {
	case s.responses <- resp:
		slog.Debug("WhatsAppService inbound message forwarded", "from", resp.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", resp.From, "timeout", DefaultChannelTimeout)
	}
}
