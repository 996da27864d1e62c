// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/utils"
)

// FailoverStrategy controls how the composite provider reacts to a failed call.
type FailoverStrategy string

const (
	// FastFail advances to the next provider immediately on any error.
	FastFail FailoverStrategy = "fast_fail"
	// RetryOnce retries the failing provider once before advancing.
	RetryOnce FailoverStrategy = "retry_once"
)

// ConflictResolution selects the surviving value when two providers return
// different data for the same symbol.
type ConflictResolution string

const (
	// PrimaryWins keeps the value from the higher-priority provider.
	PrimaryWins ConflictResolution = "primary_wins"
	// LatestTimestamp keeps the most recently observed value. Identical
	// timestamps fall back to chain priority.
	LatestTimestamp ConflictResolution = "latest_timestamp"
)

// ProviderConfig is the immutable-per-use composite provider configuration.
type ProviderConfig struct {
	Chain              []domain.Source // priority order, PRIMARY first
	Failover           FailoverStrategy
	ConflictResolution ConflictResolution
	Timeout            time.Duration // per-call deadline
}

// Validate rejects malformed provider configurations before they are
// accepted into active use. known lists the sources actually constructed.
func (pc ProviderConfig) Validate(known map[domain.Source]bool) error {
	if len(pc.Chain) == 0 {
		return fmt.Errorf("provider chain is empty")
	}
	seen := make(map[domain.Source]bool, len(pc.Chain))
	for _, src := range pc.Chain {
		if seen[src] {
			return fmt.Errorf("provider chain contains %q twice", src)
		}
		seen[src] = true
		if known != nil && !known[src] {
			return fmt.Errorf("provider chain references unconfigured provider %q", src)
		}
	}
	switch pc.Failover {
	case FastFail, RetryOnce:
	default:
		return fmt.Errorf("unknown failover strategy %q", pc.Failover)
	}
	switch pc.ConflictResolution {
	case PrimaryWins, LatestTimestamp:
	default:
		return fmt.Errorf("unknown conflict resolution %q", pc.ConflictResolution)
	}
	if pc.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", pc.Timeout)
	}
	return nil
}

// ArchiveConfig holds cache archive (S3/R2) configuration.
type ArchiveConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string // S3-compatible endpoint (empty for AWS)
	Region    string
	AccessKey string
	SecretKey string
	Retention int // days of archives to keep
}

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for the cache database, always absolute
	Port             int
	LogLevel         string
	DevMode          bool
	Provider         ProviderConfig
	BreakerThreshold int           // failures before a provider circuit opens
	BreakerRecovery  time.Duration // open-state cooldown before a trial call
	PollInterval     time.Duration // health monitor poll interval
	MaxParallel      int           // concurrent processor worker ceiling
	CacheTTL         map[string]time.Duration // per-kind cache TTL overrides
	YahooBaseURL     string
	AlphaBaseURL     string
	AlphaAPIKey      string
	Archive          ArchiveConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MERIDIAN_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("MERIDIAN_PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Provider: ProviderConfig{
			Chain:              parseChain(getEnv("PROVIDER_CHAIN", "yahoo,alphavantage")),
			Failover:           FailoverStrategy(getEnv("FAILOVER_STRATEGY", string(FastFail))),
			ConflictResolution: ConflictResolution(getEnv("CONFLICT_RESOLUTION", string(PrimaryWins))),
			Timeout:            getEnvAsDuration("PROVIDER_TIMEOUT", 10*time.Second),
		},
		BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", 5),
		BreakerRecovery:  getEnvAsDuration("BREAKER_RECOVERY", 60*time.Second),
		PollInterval:     getEnvAsDuration("HEALTH_POLL_INTERVAL", 30*time.Second),
		MaxParallel:      getEnvAsInt("MAX_PARALLEL_REQUESTS", 8),
		CacheTTL:         parseTTLOverrides(getEnv("CACHE_TTL_OVERRIDES", "")),
		YahooBaseURL:     getEnv("YAHOO_BASE_URL", "https://query1.finance.yahoo.com"),
		AlphaBaseURL:     getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co"),
		AlphaAPIKey:      getEnv("ALPHAVANTAGE_API_KEY", ""),
		Archive: ArchiveConfig{
			Enabled:   getEnvAsBool("ARCHIVE_ENABLED", false),
			Bucket:    getEnv("ARCHIVE_BUCKET", ""),
			Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
			Region:    getEnv("ARCHIVE_REGION", "auto"),
			AccessKey: getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
			SecretKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
			Retention: getEnvAsInt("ARCHIVE_RETENTION", 7),
		},
	}

	if err := cfg.Provider.Validate(nil); err != nil {
		return nil, fmt.Errorf("invalid provider configuration: %w", err)
	}
	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL_REQUESTS must be at least 1, got %d", cfg.MaxParallel)
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_BUCKET is required when archiving is enabled")
	}

	return cfg, nil
}

// parseChain splits a comma-separated provider list into a source chain.
func parseChain(raw string) []domain.Source {
	parts := utils.ParseCSV(raw)
	chain := make([]domain.Source, 0, len(parts))
	for _, p := range parts {
		chain = append(chain, domain.Source(strings.ToLower(p)))
	}
	return chain
}

// parseTTLOverrides parses "kind=duration" pairs, e.g.
// "timeline=15m,screening=300". Plain integers are seconds. Malformed
// pairs are skipped.
func parseTTLOverrides(raw string) map[string]time.Duration {
	pairs := utils.ParseCSV(raw)
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(pairs))
	for _, pair := range pairs {
		kind, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		kind = strings.TrimSpace(kind)
		value = strings.TrimSpace(value)
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			out[kind] = d
			continue
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			out[kind] = time.Duration(secs) * time.Second
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// getEnv retrieves an environment variable value, returning a fallback if the
// variable is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an integer.
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvAsBool retrieves an environment variable as a boolean.
func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvAsDuration retrieves an environment variable as a duration.
// Plain integers are interpreted as seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
