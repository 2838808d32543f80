// Package config loads the chorus client configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration defaults.
const (
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxRetries      = 3
	defaultBaseDelay       = time.Second
	defaultMaxDelay        = 10 * time.Second
	defaultWindowLimit     = 30
	defaultWindowLength    = time.Minute
	defaultGuestCooldown   = time.Minute
	defaultCacheSize       = 100
	defaultHealthCacheTTL  = 30 * time.Second
	defaultMaxMessages     = 100
	defaultCleanupInterval = 5 * time.Minute
)

// Config holds all runtime configuration for the chorus client.
type Config struct {
	EndpointURL    string        // Base URL of the ensemble service
	UserID         string        // Authenticated user id; empty means guest
	LogLevel       slog.Level    // Log verbosity
	RequestTimeout time.Duration // Per-attempt request timeout

	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // Backoff base
	MaxDelay   time.Duration // Backoff cap

	WindowLimit   int           // Global limiter requests per window
	WindowLength  time.Duration // Global limiter window
	GuestCooldown time.Duration // Guest limiter interval

	CacheSize      int           // Response cache capacity
	HealthCacheTTL time.Duration // TTL for the memoized health probe

	MaxMessages     int           // Conversation memory cap
	CleanupInterval time.Duration // Conversation memory cleanup interval
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	// Ignore a missing .env; it is a development convenience only.
	_ = godotenv.Load()

	cfg := &Config{
		EndpointURL:     os.Getenv("CHORUS_ENDPOINT"),
		UserID:          os.Getenv("CHORUS_USER_ID"),
		LogLevel:        parseLogLevel(os.Getenv("CHORUS_LOG_LEVEL")),
		RequestTimeout:  getDuration("CHORUS_REQUEST_TIMEOUT", defaultRequestTimeout),
		MaxRetries:      getInt("CHORUS_MAX_RETRIES", defaultMaxRetries),
		BaseDelay:       getDuration("CHORUS_RETRY_BASE_DELAY", defaultBaseDelay),
		MaxDelay:        getDuration("CHORUS_RETRY_MAX_DELAY", defaultMaxDelay),
		WindowLimit:     getInt("CHORUS_RATE_LIMIT", defaultWindowLimit),
		WindowLength:    getDuration("CHORUS_RATE_WINDOW", defaultWindowLength),
		GuestCooldown:   getDuration("CHORUS_GUEST_COOLDOWN", defaultGuestCooldown),
		CacheSize:       getInt("CHORUS_CACHE_SIZE", defaultCacheSize),
		HealthCacheTTL:  getDuration("CHORUS_HEALTH_CACHE_TTL", defaultHealthCacheTTL),
		MaxMessages:     getInt("CHORUS_MAX_MESSAGES", defaultMaxMessages),
		CleanupInterval: getDuration("CHORUS_CLEANUP_INTERVAL", defaultCleanupInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.EndpointURL == "" {
		return fmt.Errorf("CHORUS_ENDPOINT is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("CHORUS_MAX_RETRIES must not be negative")
	}
	if c.WindowLimit <= 0 {
		return fmt.Errorf("CHORUS_RATE_LIMIT must be positive")
	}
	return nil
}

// parseLogLevel maps a level name to a slog level, defaulting to info.
func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getInt reads an integer env var, falling back on absence or parse failure.
func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// getDuration reads a duration env var, falling back on absence or parse failure.
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
