package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	GeoIPDBPath string

	AllowedOrigins []string
	DefaultLocale  string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	// Event stream polling.
	StreamPollInterval time.Duration
	StreamMaxPolls     int

	// Webhook delivery worker.
	WebhookTimeout     time.Duration
	WebhookBackoffBase time.Duration
	WebhookBackoffCap  time.Duration
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	WorkerConcurrency  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		DefaultLocale:  getEnv("DEFAULT_LOCALE", "en"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		StreamPollInterval: time.Second * time.Duration(getEnvInt("STREAM_POLL_INTERVAL_SECONDS", 1)),
		StreamMaxPolls:     getEnvInt("STREAM_MAX_POLLS", 900),

		WebhookTimeout:     time.Second * time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10)),
		WebhookBackoffBase: time.Second * time.Duration(getEnvInt("WEBHOOK_BACKOFF_BASE_SECONDS", 30)),
		WebhookBackoffCap:  time.Second * time.Duration(getEnvInt("WEBHOOK_BACKOFF_CAP_SECONDS", 900)),
		WorkerPollInterval: time.Second * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_SECONDS", 5)),
		WorkerBatchSize:    getEnvInt("WORKER_BATCH_SIZE", 50),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 8),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
