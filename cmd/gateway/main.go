package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/polyglot-llm/inference-relay/internal/auth"
	"github.com/polyglot-llm/inference-relay/internal/backend"
	"github.com/polyglot-llm/inference-relay/internal/config"
	"github.com/polyglot-llm/inference-relay/internal/metrics"
	"github.com/polyglot-llm/inference-relay/internal/relay"
	"github.com/polyglot-llm/inference-relay/internal/server"
	"github.com/polyglot-llm/inference-relay/internal/storage"
	"github.com/polyglot-llm/inference-relay/internal/storage/sqlite"
	"github.com/polyglot-llm/inference-relay/internal/telemetry"
	"github.com/polyglot-llm/inference-relay/internal/translate"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath); err != nil {
		stop()
		log.Fatal(err)
	}
}

// run serves until ctx is cancelled, then drains in-flight requests. Every
// resource it opens is released before it returns.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	translator, err := translate.Lookup(cfg.Backend.Translator)
	if err != nil {
		return fmt.Errorf("failed to select translator: %w", err)
	}

	client := backend.NewClient(cfg.Backend.BaseURL, backend.WithAPIKey(cfg.Backend.APIKey))
	engine := relay.NewEngine(client, relay.Options{
		Translator:        translator,
		ModelsTimeout:     cfg.Relay.ModelsTimeout,
		GenerationTimeout: cfg.Relay.GenerationTimeout,
	})

	var relayLog storage.RelayLog
	if cfg.Storage.SQLite.Path != "" {
		store, err := sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			return fmt.Errorf("failed to open relay log: %w", err)
		}
		defer store.Close()
		relayLog = store
		logger.Info("relay log enabled", slog.String("path", cfg.Storage.SQLite.Path))
	}

	srv := server.New(server.Options{
		Addr:          cfg.Addr(),
		Logger:        logger,
		Authenticator: auth.NewAuthenticator(cfg.Server.APIKey),
		Engine:        engine,
		Metrics:       metrics.NewCollector(nil),
		RelayLog:      relayLog,
	})

	logger.Info("relay configured",
		slog.String("backend", client.BaseURL()),
		slog.String("translator", cfg.Backend.Translator),
		slog.Duration("models_timeout", cfg.Relay.ModelsTimeout),
		slog.Duration("generation_timeout", cfg.Relay.GenerationTimeout),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("server stopped")
	return nil
}
