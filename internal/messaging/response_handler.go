package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/theunahub/yara/internal/delivery"
	"github.com/theunahub/yara/internal/flow"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/store"
)

// TurnHandler runs one concierge turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req flow.TurnRequest) (flow.TurnResult, error)
}

// ResponseHandler turns inbound WhatsApp messages from a push transport into
// concierge turns and sends the replies back.
type ResponseHandler struct {
	msgService Service
	turns      TurnHandler
	delivery   *delivery.WhatsAppDelivery
	dedup      store.DedupRepo
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup drops redelivered messages by provider message id.
func WithDedup(repo store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(msgService Service, turns TurnHandler, d *delivery.WhatsAppDelivery, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{msgService: msgService, turns: turns, delivery: d}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse runs the turn for one inbound message and delivers the reply.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: invalid sender", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	if rh.dedup != nil && response.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(ctx, response.MessageID, from)
		if err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: dedup check failed, processing anyway", "error", err, "messageID", response.MessageID)
		} else if !fresh {
			slog.Info("ResponseHandler.ProcessResponse: duplicate message ignored", "messageID", response.MessageID, "from", from)
			return nil
		}
	}

	result, err := rh.turns.HandleTurn(ctx, flow.TurnRequest{Channel: models.ChannelWhatsApp, ChannelID: from, Message: response.Body})
	if err != nil {
		slog.Warn("ResponseHandler.ProcessResponse: message rejected", "error", err, "from", from)
		return err
	}

	if result.HasRecommendations() {
		if _, err := DeliverBatch(ctx, rh.delivery, from, result); err != nil {
			return fmt.Errorf("deliver recommendations: %w", err)
		}
	} else if strings.TrimSpace(result.Text) != "" {
		// The flow already recorded the text turn.
		if _, err := rh.msgService.SendMessage(ctx, from, result.Text); err != nil {
			slog.Error("ResponseHandler.ProcessResponse: reply send failed", "error", err, "from", from)
			return fmt.Errorf("send reply: %w", err)
		}
	}

	if rh.dedup != nil && response.MessageID != "" {
		if err := rh.dedup.MarkProcessed(ctx, response.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "error", err, "messageID", response.MessageID)
		}
	}
	slog.Info("ResponseHandler.ProcessResponse: reply delivered", "from", from, "recommendations", result.Batch.Len())
	return nil
}

// DeliverBatch fans a recommendation result out and then sends the pending
// profiling question as its own message.
func DeliverBatch(ctx context.Context, d *delivery.WhatsAppDelivery, to string, result flow.TurnResult) (delivery.Summary, error) {
	summary, err := d.Deliver(ctx, delivery.WhatsAppRequest{To: to, ChannelID: to, Batch: result.Batch, Lang: result.Lang})
	if err != nil {
		return summary, err
	}
	if result.ProfilingQuestion != "" {
		if err := d.SendText(ctx, to, to, result.ProfilingQuestion); err != nil {
			slog.Warn("DeliverBatch: profiling question send failed", "to", to, "error", err)
		}
	}
	return summary, nil
}

// Start consumes Responses until ctx is done or the channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}
