package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port             int
	NatsURL          string
	NatsToken        string
	NatsQueue        string
	DatabaseURL      string
	LogLevel         string
	MarketplaceURL   string
	MarketplaceToken string
	ExtractorBackend string
	AnthropicAPIKey  string
	AnthropicModel   string
	SlackBotToken    string
	SlackChannel     string
	APIToken         string
	RefreshDebounce  time.Duration
	CatalogTTL       time.Duration
	SessionCacheSize int
}

// Bulk extractor backends.
const (
	BackendMarketplace = "marketplace"
	BackendAnthropic   = "anthropic"
	BackendNone        = "none"
)

func Load() Config {
	return Config{
		Port:             envInt("INTAKE_PORT", 8760),
		NatsURL:          envStr("NATS_URL", ""),
		NatsToken:        envStr("NATS_TOKEN", ""),
		NatsQueue:        envStr("NATS_QUEUE", "intake"),
		DatabaseURL:      envStr("DATABASE_URL", ""),
		LogLevel:         envStr("LOG_LEVEL", "info"),
		MarketplaceURL:   envStr("MARKETPLACE_URL", "http://marketplace:8000"),
		MarketplaceToken: envStr("MARKETPLACE_TOKEN", ""),
		ExtractorBackend: envStr("EXTRACTOR_BACKEND", BackendMarketplace),
		AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   envStr("INTAKE_MODEL", "claude-sonnet-4-20250514"),
		SlackBotToken:    envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:     envStr("SLACK_LEADS_CHANNEL", ""),
		APIToken:         envStr("INTAKE_API_TOKEN", ""),
		RefreshDebounce:  envDuration("REFRESH_DEBOUNCE", 1500*time.Millisecond),
		CatalogTTL:       envDuration("CATALOG_TTL", 5*time.Minute),
		SessionCacheSize: envInt("SESSION_CACHE_SIZE", 4096),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
