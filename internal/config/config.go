// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL  string        // PostgreSQL connection string (optional, uses in-memory if not set)
	StoreTimeout time.Duration // Upper bound on every store call

	// Validation rules
	AmountCeiling    string
	ClockSkew        time.Duration
	RetentionHorizon time.Duration
	AccountPattern   string

	// Enrichment
	Timezone string

	// Scoring
	RulesFile string // YAML scoring rules (optional, defaults built in)

	// Writing
	ConflictPolicy string // "overwrite" or "reject"
	CASAttempts    int
	ClaimLease     time.Duration

	// HTTP ingest limits
	RateLimitRPM   int // batch submissions per client per minute
	RateLimitBurst int
	MaxBodyBytes   int64

	// Tracing
	OTLPEndpoint string // empty disables tracing
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultStoreTimeout     = 10 * time.Second
	DefaultAmountCeiling    = "250000"
	DefaultClockSkew        = 5 * time.Minute
	DefaultRetentionHorizon = 365 * 24 * time.Hour
	DefaultAccountPattern   = `^254\d{9}$`
	DefaultTimezone         = "Africa/Nairobi"
	DefaultConflictPolicy   = "overwrite"
	DefaultCASAttempts      = 5
	DefaultClaimLease       = 10 * time.Minute
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
	DefaultMaxBodyBytes     = 8 << 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StoreTimeout:     getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		AmountCeiling:    getEnv("AMOUNT_CEILING", DefaultAmountCeiling),
		ClockSkew:        getEnvDuration("CLOCK_SKEW", DefaultClockSkew),
		RetentionHorizon: getEnvDuration("RETENTION_HORIZON", DefaultRetentionHorizon),
		AccountPattern:   getEnv("ACCOUNT_PATTERN", DefaultAccountPattern),
		Timezone:         getEnv("TIMEZONE", DefaultTimezone),
		RulesFile:        os.Getenv("RULES_FILE"),
		ConflictPolicy:   getEnv("CONFLICT_POLICY", DefaultConflictPolicy),
		CASAttempts:      int(getEnvInt64("CAS_ATTEMPTS", DefaultCASAttempts)),
		ClaimLease:       getEnvDuration("CLAIM_LEASE", DefaultClaimLease),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:   int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		MaxBodyBytes:     getEnvInt64("MAX_BODY_BYTES", DefaultMaxBodyBytes),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	ceiling, err := decimal.NewFromString(c.AmountCeiling)
	if err != nil || !ceiling.IsPositive() {
		return fmt.Errorf("AMOUNT_CEILING must be a positive number, got %q", c.AmountCeiling)
	}
	if _, err := regexp.Compile(c.AccountPattern); err != nil {
		return fmt.Errorf("ACCOUNT_PATTERN is not a valid regular expression: %w", err)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.ClockSkew < 0 || c.RetentionHorizon <= 0 {
		return fmt.Errorf("CLOCK_SKEW must be >= 0 and RETENTION_HORIZON > 0")
	}
	switch c.ConflictPolicy {
	case "overwrite", "reject":
	default:
		return fmt.Errorf("CONFLICT_POLICY must be overwrite or reject, got %q", c.ConflictPolicy)
	}
	if c.CASAttempts < 1 {
		return fmt.Errorf("CAS_ATTEMPTS must be at least 1")
	}
	if c.ClaimLease <= 0 {
		return fmt.Errorf("CLAIM_LEASE must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "10m") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
