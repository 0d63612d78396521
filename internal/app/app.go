package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/theunahub/yara/internal/api"
	"github.com/theunahub/yara/internal/delivery"
	"github.com/theunahub/yara/internal/flow"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/genai"
	"github.com/theunahub/yara/internal/messaging"
	"github.com/theunahub/yara/internal/metrics"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/prompt"
	"github.com/theunahub/yara/internal/recommend"
	"github.com/theunahub/yara/internal/scheduler"
	"github.com/theunahub/yara/internal/search"
	"github.com/theunahub/yara/internal/store"
	"github.com/theunahub/yara/internal/twiliowhatsapp"
	"github.com/theunahub/yara/internal/whatsapp"
)

// App is the wired concierge.
type App struct {
	Server    *api.Server
	Flow      *flow.ConciergeFlow
	Store     store.Store
	Service   messaging.Service
	Responses *messaging.ResponseHandler
	Registry  *prometheus.Registry

	location        *time.Location
	archiveSchedule string
	scheduler       *scheduler.Scheduler
	redis           *redis.Client
	whatsapp        *whatsapp.Client
}

// Option overrides a dependency, mostly for tests.
type Option func(*buildOpts)

type buildOpts struct {
	store   store.Store
	llm     flow.LLM
	service messaging.Service
}

// WithStore uses st instead of opening DatabaseURL.
func WithStore(st store.Store) Option {
	return func(o *buildOpts) { o.store = st }
}

// WithLLM uses llm instead of an OpenAI client.
func WithLLM(llm flow.LLM) Option {
	return func(o *buildOpts) { o.llm = llm }
}

// WithService uses svc as the WhatsApp transport regardless of cfg.Transport.
func WithService(svc messaging.Service) Option {
	return func(o *buildOpts) { o.service = svc }
}

// conciergeStore narrows a store to what the flow needs, so the conversation
// log can be served through the Redis cache.
type conciergeStore struct {
	store.ConversationStore
	store.ProfileStore
	store.InteractionStore
}

// Build creates every module from cfg. A missing model key is not fatal: turns
// then answer with the configuration failure message.
func Build(cfg Config, opts ...Option) (*App, error) {
	var bo buildOpts
	for _, opt := range opts {
		opt(&bo)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Warn("App.Build: unknown time zone, using UTC", "timezone", cfg.Timezone, "error", err)
		loc = time.UTC
	}

	a := &App{Registry: prometheus.NewRegistry(), location: loc, archiveSchedule: cfg.ArchiveSchedule}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewConciergeMetrics(a.Registry)

	a.Store = bo.store
	if a.Store == nil {
		if a.Store, err = openStore(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}

	var conversations store.ConversationStore = a.Store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		conversations = store.NewCachedWindowStore(a.Store, store.NewRedisWindowStore(a.redis, cfg.Window))
		slog.Debug("App.Build: conversation windows cached in Redis", "ttl", cfg.Window)
	}

	llm := bo.llm
	if llm == nil {
		llm = newLLM(cfg)
	}

	composer := prompt.NewComposer()
	if cfg.PersonaFile != "" {
		if err := composer.LoadPersona(cfg.PersonaFile); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load persona: %w", err)
		}
	}

	var mergerOpts []recommend.Option
	if cfg.LiveSearch {
		live, err := search.New(search.WithAPIKey(cfg.PerplexityKey), search.WithModel(cfg.PerplexityModel))
		if err != nil {
			slog.Warn("App.Build: live search disabled", "error", err)
		} else {
			mergerOpts = append(mergerOpts, recommend.WithLiveSearch(live))
		}
	}

	a.Service = bo.service
	if a.Service == nil {
		if a.Service, err = a.newService(cfg); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Flow = flow.NewConciergeFlow(
		conciergeStore{ConversationStore: conversations, ProfileStore: a.Store, InteractionStore: a.Store},
		gateway.New(a.Store, gateway.WithLocation(loc)),
		llm,
		flow.WithWindow(cfg.Window),
		flow.WithLocation(loc),
		flow.WithComposer(composer),
		flow.WithMerger(recommend.NewMerger(mergerOpts...)),
		flow.WithMetrics(m),
		flow.WithWhatsAppTools(a.Service != nil),
	)

	serverOpts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithDedup(a.Store),
		api.WithArchiver(a.Store, loc, gateway.DefaultArchiveGrace),
		api.WithMetricsGatherer(a.Registry),
	}
	if len(cfg.AllowedOrigins) > 0 {
		serverOpts = append(serverOpts, api.WithAllowedOrigins(cfg.AllowedOrigins...))
	}
	if cfg.TwilioAuthToken != "" && cfg.TwilioWebhookURL != "" {
		serverOpts = append(serverOpts, api.WithTwilioSignature(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
	}
	if a.Service != nil {
		d := delivery.NewWhatsAppDelivery(a.Service,
			delivery.WithIntroDelay(cfg.IntroDelay),
			delivery.WithItemDelay(cfg.ItemDelay),
			delivery.WithTurnStore(conversations),
			delivery.WithStatusRecorder(func(s models.MessageStatus) { m.ObserveDelivery(string(s)) }),
		)
		serverOpts = append(serverOpts, api.WithWhatsAppDelivery(d))
		a.Responses = messaging.NewResponseHandler(a.Service, a.Flow, d, messaging.WithDedup(a.Store))
	}
	a.Server = api.NewServer(a.Flow, serverOpts...)

	slog.Info("App.Build: concierge ready", "transport", cfg.Transport, "liveSearch", len(mergerOpts) > 0,
		"redis", a.redis != nil, "timezone", loc.String(), "window", cfg.Window)
	return a, nil
}

func openStore(dsn string) (store.Store, error) {
	if dsn == "" || dsn == MemoryDSN {
		slog.Debug("App.openStore: using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return st, nil
}

func newLLM(cfg Config) flow.LLM {
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		slog.Warn("App.newLLM: model client unavailable, turns will report a configuration issue", "error", err)
		return (*genai.Client)(nil)
	}
	return client
}

func (a *App) newService(cfg Config) (messaging.Service, error) {
	switch cfg.Transport {
	case TransportNone:
		return nil, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case TransportWhatsmeow:
		dsn := cfg.WhatsAppDSN
		if dsn == "" {
			dsn = "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
		if cfg.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		a.whatsapp = client
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown WHATSAPP_TRANSPORT %q", cfg.Transport)
	}
}

// Start starts the nightly maintenance jobs, the messaging transport and the
// inbound loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.startScheduler(); err != nil {
		return err
	}
	if a.Service == nil {
		return nil
	}
	if err := a.Service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	a.Responses.Start(ctx)
	return nil
}

func (a *App) startScheduler() error {
	if a.archiveSchedule == "" || strings.EqualFold(a.archiveSchedule, ScheduleOff) {
		slog.Info("App.Start: event archiving disabled")
		return nil
	}
	s := scheduler.New(a.location)
	err := s.AddJob("archive-events", a.archiveSchedule, func(ctx context.Context) error {
		_, err := gateway.ArchiveExpiredEvents(ctx, a.Store, time.Now(), a.location, gateway.DefaultArchiveGrace)
		return err
	})
	if err != nil {
		return fmt.Errorf("invalid YARA_ARCHIVE_SCHEDULE: %w", err)
	}
	// Same expression, so it cannot fail once the first job was accepted.
	_ = s.AddJob("purge-dedup", a.archiveSchedule, func(ctx context.Context) error {
		n, err := a.Store.PurgeDedupBefore(ctx, time.Now().Add(-store.DefaultDedupRetention))
		if err == nil && n > 0 {
			slog.Info("App.purgeDedup: removed old inbound ids", "count", n)
		}
		return err
	})
	s.Start()
	a.scheduler = s
	return nil
}

// Close releases the transport, the cache and the store.
func (a *App) Close() error {
	var errs []error
	if a.scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), scheduler.DefaultJobTimeout)
		a.scheduler.Stop(ctx)
		cancel()
	}
	if a.Service != nil {
		errs = append(errs, a.Service.Stop())
	}
	if a.whatsapp != nil {
		a.whatsapp.Disconnect()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
