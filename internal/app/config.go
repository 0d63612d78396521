// Package app wires the concierge modules from configuration. Both the HTTP
// service and the Lambda entry point build their dependencies here.
package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/theunahub/yara/internal/delivery"
	"github.com/theunahub/yara/internal/gateway"
	"github.com/theunahub/yara/internal/models"
	"github.com/theunahub/yara/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Yara state data
	DefaultStateDir = "/var/lib/yara"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "yara.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow device session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTimezone is the city the concierge serves.
	DefaultTimezone = gateway.DefaultTimezone
	// MemoryDSN selects the in-memory store.
	MemoryDSN = "memory"
	// DefaultArchiveSchedule archives past events every night after closing time.
	DefaultArchiveSchedule = "15 5 * * *"
	// ScheduleOff disables the archive job.
	ScheduleOff = "off"
)

// WhatsApp transports.
const (
	TransportNone      = ""
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

// Config holds environment configuration
type Config struct {
	OpenAIKey        string
	OpenAIModel      string
	PerplexityKey    string
	PerplexityModel  string
	LiveSearch       bool
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string
	DatabaseURL      string
	StateDir         string
	RedisURL         string
	APIAddr          string
	Transport        string
	WhatsAppDSN      string
	QROutput         string
	NumericCode      bool
	Window           time.Duration
	IntroDelay       time.Duration
	ItemDelay        time.Duration
	Timezone         string
	PersonaFile      string
	AllowedOrigins   []string
	ArchiveSchedule  string
	LogLevel         string
}

// LoadConfig loads configuration from a .env file and environment variables.
func LoadConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		PerplexityKey:    os.Getenv("PERPLEXITY_API_KEY"),
		PerplexityModel:  os.Getenv("PERPLEXITY_MODEL"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         util.GetEnv("YARA_STATE_DIR", DefaultStateDir),
		RedisURL:         os.Getenv("REDIS_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		Transport:        strings.ToLower(strings.TrimSpace(os.Getenv("WHATSAPP_TRANSPORT"))),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		Window:           util.ParseDurationEnv("YARA_CONVERSATION_WINDOW", models.DefaultConversationWindow),
		IntroDelay:       util.ParseDurationEnv("YARA_INTRO_DELAY", delivery.DefaultIntroDelay),
		ItemDelay:        util.ParseDurationEnv("YARA_ITEM_DELAY", delivery.DefaultItemDelay),
		Timezone:         util.GetEnv("YARA_TIMEZONE", DefaultTimezone),
		PersonaFile:      os.Getenv("YARA_PERSONA_FILE"),
		AllowedOrigins:   splitList(os.Getenv("YARA_ALLOWED_ORIGINS")),
		ArchiveSchedule:  util.GetEnv("YARA_ARCHIVE_SCHEDULE", DefaultArchiveSchedule),
		LogLevel:         util.GetEnv("YARA_LOG_LEVEL", "info"),
	}
	cfg.LiveSearch = util.ParseBoolEnv("YARA_LIVE_SEARCH", cfg.PerplexityKey != "")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", cfg.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"PERPLEXITY_API_KEY_SET", cfg.PerplexityKey != "",
		"TWILIO_AUTH_TOKEN_SET", cfg.TwilioAuthToken != "",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"REDIS_URL_SET", cfg.RedisURL != "",
		"YARA_STATE_DIR", cfg.StateDir,
		"WHATSAPP_TRANSPORT", cfg.Transport,
		"YARA_CONVERSATION_WINDOW", cfg.Window,
		"YARA_TIMEZONE", cfg.Timezone,
		"YARA_ARCHIVE_SCHEDULE", cfg.ArchiveSchedule,
		"YARA_LIVE_SEARCH", cfg.LiveSearch)
	return cfg
}

// ParseLogLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
