// Package api serves the concierge over HTTP: web chat (JSON and SSE), the
// Twilio WhatsApp webhook, direct WhatsApp fan-out and operational endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theunahub/yara/internal/delivery"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/messaging"
	"github.com/theunahub/yara/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultWebhookTimeout keeps a webhook turn inside Twilio's 15s limit.
	DefaultWebhookTimeout = 12 * time.Second
	// DefaultFanOutTimeout bounds a background WhatsApp fan-out.
	DefaultFanOutTimeout = 2 * time.Minute
)

// Opts holds Server configuration.
type Opts struct {
	Addr             string
	Delivery         *delivery.WhatsAppDelivery
	Dedup            store.DedupRepo
	Archiver         gateway.Archiver
	Location         *time.Location
	ArchiveGrace     time.Duration
	Gatherer         prometheus.Gatherer
	TwilioAuthToken  string
	TwilioWebhookURL string
	AllowedOrigins   []string
	WebhookTimeout   time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// WithWhatsAppDelivery enables recommendation fan-out on WhatsApp.
func WithWhatsAppDelivery(d *delivery.WhatsAppDelivery) Option {
	return func(o *Opts) { o.Delivery = d }
}

// WithDedup drops webhook retries by MessageSid.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = repo }
}

// WithArchiver enables POST /api/admin/archive-events.
func WithArchiver(a gateway.Archiver, loc *time.Location, grace time.Duration) Option {
	return func(o *Opts) {
		o.Archiver = a
		o.Location = loc
		o.ArchiveGrace = grace
	}
}

// WithMetricsGatherer exposes g at /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithTwilioSignature validates X-Twilio-Signature against webhookURL.
func WithTwilioSignature(authToken, webhookURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = webhookURL
	}
}

// WithAllowedOrigins sets the CORS origins of the web widget.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithWebhookTimeout bounds the turn run inside the Twilio webhook.
func WithWebhookTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.WebhookTimeout = d
		}
	}
}

// Server is the HTTP front of the concierge.
type Server struct {
	turns      messaging.TurnHandler
	opts       Opts
	router     chi.Router
	httpServer *http.Server
	background sync.WaitGroup
}

// NewServer creates a Server around the turn handler.
func NewServer(turns messaging.TurnHandler, opts ...Option) *Server {
	cfg := Opts{
		Addr:           DefaultAddr,
		WebhookTimeout: DefaultWebhookTimeout,
		AllowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{turns: turns, opts: cfg}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	slog.Debug("Server.NewServer: created", "addr", cfg.Addr, "whatsappDelivery", cfg.Delivery != nil,
		"dedup", cfg.Dedup != nil, "archiver", cfg.Archiver != nil, "signatureValidation", cfg.TwilioAuthToken != "")
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthHandler)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/api/chat", s.chatHandler)
	r.Post("/api/chat/stream", s.chatStreamHandler)
	r.Post("/webhooks/twilio/whatsapp", s.twilioWebhookHandler)
	if s.opts.Delivery != nil {
		r.Post("/api/whatsapp/recommendations", s.whatsappRecommendationsHandler)
	}
	if s.opts.Archiver != nil {
		r.Post("/api/admin/archive-events", s.archiveEventsHandler)
	}
	return r
}

// Handler returns the router, for embedding (e.g. the Lambda adapter).
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until Shutdown.
func (s *Server) Start() error {
	slog.Info("Server.Start: listening", "addr", s.opts.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for background fan-outs.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Server.Shutdown: background deliveries still running")
	}
	return err
}

// Wait blocks until background fan-outs finish.
func (s *Server) Wait() { s.background.Wait() }
