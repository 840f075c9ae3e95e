// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all settings for the transcript collector, injected from main.
type Config struct {
	// Persistence. DatabaseURL selects the Postgres store; when empty the
	// local SQLite store at DBPath is used.
	DatabaseURL string
	DBPath      string
	OutputDir   string

	// Session.
	CookiesFile    string
	Headless       bool
	UserAgent      string
	ProxyURL       string
	BaseInterval   time.Duration
	MaxDelay       time.Duration
	FetchTimeout   time.Duration
	CaptchaTimeout time.Duration

	// Collection limits.
	AuthorURL string
	FeedURL   string
	MaxLinks  int
	MaxPages  int
	BatchSize int

	// Dedup scope for link collection: "run" (in-memory only) or "store"
	// (seeded from already-known URLs).
	DedupScope string

	// Worker pools.
	FetchWorkers    int
	ExtractWorkers  int
	SessionRestarts int

	// Page cache.
	RedisURL string
	CacheTTL time.Duration
}

// Load reads configuration from the environment, honoring a local .env file
// if present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Debug("no .env file loaded", slog.Any("error", err))
	}

	cfg := Config{
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		DBPath:          getEnv("DB_PATH", "transcripts.db"),
		OutputDir:       getEnv("OUTPUT_DIR", "transcripts"),
		CookiesFile:     getEnv("COOKIES_FILE", "cookies.json"),
		Headless:        getEnvBool("HEADLESS", false),
		UserAgent:       getEnv("USER_AGENT", ""),
		ProxyURL:        getEnv("PROXY_URL", ""),
		BaseInterval:    getEnvDuration("BASE_INTERVAL", 3*time.Second),
		MaxDelay:        getEnvDuration("MAX_DELAY", 60*time.Second),
		FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		CaptchaTimeout:  getEnvDuration("CAPTCHA_TIMEOUT", 2*time.Minute),
		AuthorURL:       getEnv("AUTHOR_URL", ""),
		FeedURL:         getEnv("FEED_URL", ""),
		MaxLinks:        getEnvInt("MAX_LINKS", 0),
		MaxPages:        getEnvInt("MAX_PAGES", 0),
		BatchSize:       getEnvInt("BATCH_SIZE", 100),
		DedupScope:      getEnv("DEDUP_SCOPE", "store"),
		FetchWorkers:    getEnvInt("FETCH_WORKERS", 1),
		ExtractWorkers:  getEnvInt("EXTRACT_WORKERS", 4),
		SessionRestarts: getEnvInt("SESSION_RESTARTS", 2),
		RedisURL:        getEnv("REDIS_URL", ""),
		CacheTTL:        getEnvDuration("CACHE_TTL", 15*time.Minute),
	}

	if cfg.DedupScope != "run" && cfg.DedupScope != "store" {
		return cfg, fmt.Errorf("config: invalid DEDUP_SCOPE %q (valid: run, store)", cfg.DedupScope)
	}
	if cfg.FetchWorkers < 1 {
		cfg.FetchWorkers = 1
	}
	if cfg.ExtractWorkers < 1 {
		cfg.ExtractWorkers = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in env, using default", slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean in env, using default", slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in env, using default", slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return d
}
