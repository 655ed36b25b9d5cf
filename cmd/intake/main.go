package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MikeSquared-Agency/intake/internal/anthropic"
	"github.com/MikeSquared-Agency/intake/internal/api"
	"github.com/MikeSquared-Agency/intake/internal/config"
	"github.com/MikeSquared-Agency/intake/internal/extractor"
	"github.com/MikeSquared-Agency/intake/internal/hermes"
	"github.com/MikeSquared-Agency/intake/internal/marketplace"
	"github.com/MikeSquared-Agency/intake/internal/processor"
	"github.com/MikeSquared-Agency/intake/internal/refresh"
	"github.com/MikeSquared-Agency/intake/internal/session"
	"github.com/MikeSquared-Agency/intake/internal/slack"
	"github.com/MikeSquared-Agency/intake/internal/store"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("intake starting", "port", cfg.Port, "extractor", cfg.ExtractorBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session storage: Postgres when configured, otherwise an in-process LRU.
	var sessions session.Store
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		sessions = db
		slog.Info("database connected")
	} else {
		mem, err := store.NewMemory(cfg.SessionCacheSize)
		if err != nil {
			slog.Error("failed to create session cache", "error", err)
			os.Exit(1)
		}
		sessions = mem
		slog.Warn("DATABASE_URL not set, sessions kept in memory", "size", cfg.SessionCacheSize)
	}

	market, err := marketplace.NewClient(cfg.MarketplaceURL, cfg.MarketplaceToken, cfg.CatalogTTL, slog.Default())
	if err != nil {
		slog.Error("failed to create marketplace client", "error", err)
		os.Exit(1)
	}
	slog.Info("marketplace client ready", "url", cfg.MarketplaceURL)

	deps := session.Deps{
		Transport: market,
		Catalog:   market,
		Prices:    market,
		Store:     sessions,
	}

	switch cfg.ExtractorBackend {
	case config.BackendMarketplace:
		deps.Extractor = market
	case config.BackendAnthropic:
		if cfg.AnthropicAPIKey == "" {
			slog.Error("ANTHROPIC_API_KEY is required for the anthropic extractor")
			os.Exit(1)
		}
		llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, slog.Default())
		deps.Extractor = extractor.New(llm, market, market, slog.Default())
		slog.Info("anthropic extractor ready", "model", cfg.AnthropicModel)
	case config.BackendNone:
		slog.Warn("bulk extraction disabled, fields come from per-turn extraction only")
	default:
		slog.Error("unknown EXTRACTOR_BACKEND", "backend", cfg.ExtractorBackend)
		os.Exit(1)
	}

	// NATS/Hermes (optional, no events without it)
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, hermes.Options{
			URL:   cfg.NatsURL,
			Token: cfg.NatsToken,
			Queue: cfg.NatsQueue,
		}, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		deps.Publisher = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set, running without events")
	}

	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		deps.Leads = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, leads are only published on NATS")
	}

	svc := session.New(deps, slog.Default())
	scheduler := refresh.New(svc, cfg.RefreshDebounce, slog.Default())

	if hermesClient != nil {
		proc := processor.New(svc, scheduler, slog.Default())
		if err := hermesClient.Subscribe(hermes.SubjectAssistantSettled, proc.HandleAssistantSettled); err != nil {
			slog.Error("failed to subscribe to settled events", "error", err)
			os.Exit(1)
		}
		if err := hermesClient.Subscribe(hermes.SubjectSessionReset, proc.HandleSessionReset); err != nil {
			slog.Error("failed to subscribe to reset events", "error", err)
			os.Exit(1)
		}
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, svc, scheduler, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if hermesClient != nil {
		if err := hermesClient.Publish(hermes.SubjectAgentRegistered, hermes.AgentRegistration{
			AgentID:      "intake",
			Name:         "Intake",
			Version:      version,
			Capabilities: []string{"field-collection", "lead-handoff"},
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("intake ready", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	scheduler.Stop()
	cancel()
	slog.Info("intake stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
