package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/theunahub/yara/internal/delivery"
	"github.com/theunahub/yara/internal/flow"
	"github.com/theunahub/yara/internal/messaging"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/twiliowhatsapp"
)

var twilioTracer = otel.Tracer("yara.internal.api.twilio")

// twilioWebhookHandler answers inbound WhatsApp messages delivered by Twilio.
// Every outcome is a 200 with valid TwiML: text replies ride in the TwiML,
// recommendation batches are fanned out in the background and the TwiML is empty.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := twilioTracer.Start(r.Context(), "api.twilio.webhook")
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Server.twilioWebhookHandler: panic recovered", "panic", rec)
			span.RecordError(fmt.Errorf("panic: %v", rec))
			writeTwiML(w, "")
		}
	}()

	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: malformed form", "error", err)
		span.RecordError(err)
		writeTwiML(w, "")
		return
	}

	if s.opts.TwilioAuthToken != "" && s.opts.TwilioWebhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !twiliowhatsapp.ValidateSignature(s.opts.TwilioAuthToken, s.opts.TwilioWebhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: invalid twilio signature")
			span.RecordError(errors.New("invalid twilio signature"))
			writeTwiML(w, "")
			return
		}
	}

	from := twiliowhatsapp.Canonical(r.PostForm.Get("From"))
	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")
	span.SetAttributes(
		attribute.String("yara.twilio.message_sid", sid),
		attribute.String("yara.twilio.from", from),
	)
	if from == "" || strings.TrimSpace(body) == "" {
		slog.Warn("Server.twilioWebhookHandler: missing required fields", "messageSid", sid)
		writeTwiML(w, "")
		return
	}

	if s.opts.Dedup != nil && sid != "" {
		fresh, err := s.opts.Dedup.RecordInbound(ctx, sid, from)
		if err != nil {
			slog.Warn("Server.twilioWebhookHandler: dedup check failed, processing anyway", "error", err, "messageSid", sid)
		} else if !fresh {
			slog.Info("Server.twilioWebhookHandler: duplicate delivery ignored", "messageSid", sid)
			writeTwiML(w, "")
			return
		}
	}

	turnCtx, cancel := context.WithTimeout(ctx, s.opts.WebhookTimeout)
	defer cancel()
	result, err := s.turns.HandleTurn(turnCtx, flow.TurnRequest{Channel: models.ChannelWhatsApp, ChannelID: from, Message: body})
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: turn rejected", "error", err, "from", from)
		span.RecordError(err)
		writeTwiML(w, "")
		return
	}

	if !result.HasRecommendations() {
		s.markProcessed(ctx, sid)
		writeTwiML(w, result.Text)
		return
	}

	if s.opts.Delivery == nil {
		s.markProcessed(ctx, sid)
		writeTwiML(w, batchAsText(result))
		return
	}

	s.background.Add(1)
	go func(ctx context.Context) {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(ctx, DefaultFanOutTimeout)
		defer cancel()
		summary, err := messaging.DeliverBatch(ctx, s.opts.Delivery, from, result)
		if err != nil {
			slog.Error("Server.twilioWebhookHandler: background fan-out interrupted", "error", err, "to", from)
		}
		s.markProcessed(ctx, sid)
		slog.Info("Server.twilioWebhookHandler: background fan-out done", "to", from, "sent", summary.Sent, "total", summary.Total)
	}(context.WithoutCancel(ctx))
	writeTwiML(w, "")
}

func (s *Server) markProcessed(ctx context.Context, sid string) {
	if s.opts.Dedup == nil || sid == "" {
		return
	}
	if err := s.opts.Dedup.MarkProcessed(ctx, sid); err != nil {
		slog.Warn("Server.markProcessed: failed", "error", err, "messageSid", sid)
	}
}

// batchAsText renders a batch as one message for deployments without
// outbound WhatsApp credentials.
func batchAsText(result flow.TurnResult) string {
	parts := make([]string, 0, result.Batch.Len()+2)
	if intro := strings.TrimSpace(result.Batch.IntroMessage); intro != "" {
		parts = append(parts, intro)
	}
	for _, item := range result.Batch.Recommendations {
		parts = append(parts, delivery.FormatItem(item, result.Lang))
	}
	if result.ProfilingQuestion != "" {
		parts = append(parts, result.ProfilingQuestion)
	}
	return strings.Join(parts, "\n\n")
}
