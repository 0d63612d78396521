package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/theunahub/yara/internal/app"
	"github.com/theunahub/yara/internal/lockfile"
	"github.com/theunahub/yara/internal/store"
)

// shutdownTimeout bounds graceful shutdown, including background fan-outs.
const shutdownTimeout = 30 * time.Second

func main() {
	// Load environment configuration
	config := app.LoadConfig()

	// Parse command line flags
	config = parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping Yara with configured modules")
	if err := run(config); err != nil {
		slog.Error("Yara failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Yara exited successfully")
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: app.ParseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config app.Config) app.Config {
	defaultDBPath := filepath.Join(config.StateDir, app.DefaultDBFileName)

	qrOutput := fs.String("qr-output", "", "path to write the whatsmeow login QR code")
	numeric := fs.Bool("numeric-code", false, "use numeric login code instead of QR code")
	stateDir := fs.String("state-dir", config.StateDir, "state directory for Yara data (overrides $YARA_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "Postgres DSN, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	openaiKey := fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	transport := fs.String("whatsapp-transport", config.Transport, "twilio, whatsmeow or empty (overrides $WHATSAPP_TRANSPORT)")
	logLevel := fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $YARA_LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	config.QROutput = *qrOutput
	config.NumericCode = *numeric
	config.OpenAIKey = *openaiKey
	config.APIAddr = *apiAddr
	config.Transport = *transport
	config.LogLevel = *logLevel
	config.DatabaseURL = *dbDSN

	// Follow a moved state directory when the DSN was the default SQLite path
	if *stateDir != config.StateDir && *dbDSN == defaultDBPath {
		config.DatabaseURL = filepath.Join(*stateDir, app.DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *stateDir)
	}
	config.StateDir = *stateDir

	slog.Debug("flags parsed",
		"qrOutput", config.QROutput,
		"numeric", config.NumericCode,
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseURL != "",
		"openaiKeySet", config.OpenAIKey != "",
		"apiAddr", config.APIAddr,
		"transport", config.Transport)
	return config
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(config app.Config) error {
	if config.DatabaseURL == app.MemoryDSN || store.DetectDSNType(config.DatabaseURL) == store.DSNTypePostgres {
		return nil
	}
	dir := filepath.Dir(config.DatabaseURL)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
		return err
	}
	return nil
}

// needsStateLock reports whether config keeps writable state on local disk.
func needsStateLock(config app.Config) bool {
	if config.Transport == app.TransportWhatsmeow && config.WhatsAppDSN == "" {
		return true
	}
	return config.DatabaseURL != app.MemoryDSN && store.DetectDSNType(config.DatabaseURL) == store.DSNTypeSQLite
}

func run(config app.Config) error {
	if needsStateLock(config) {
		lock, err := lockfile.Acquire(config.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	a, err := app.Build(config)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("Yara.run: close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.Server.Start() }()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("Yara.run: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Server.Shutdown(shutdownCtx)
}
