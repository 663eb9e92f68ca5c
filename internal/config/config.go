// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Inference provider (Groq, OpenAI-compatible API)
	GroqAPIKey       string
	GroqBaseURL      string
	InferenceTimeout time.Duration // per-call timeout for completions/transcriptions

	// Model router
	RouterMode string // "heuristic" or "classifier"

	// Credit ledger
	ReservationTTL time.Duration // max lifetime of an uncommitted reservation
	SweepInterval  time.Duration // how often the rollback sweep runs

	// Payment processors
	StripeWebhookSecret string
	PaystackSecretKey   string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Security
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultGroqBaseURL      = "https://api.groq.com/openai/v1"
	DefaultInferenceTimeout = 60 * time.Second
	DefaultRouterMode       = "heuristic"
	DefaultReservationTTL   = 5 * time.Minute
	DefaultSweepInterval    = 30 * time.Second
	DefaultRateLimitRPM     = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GroqAPIKey:          os.Getenv("GROQ_API_KEY"),
		GroqBaseURL:         getEnv("GROQ_BASE_URL", DefaultGroqBaseURL),
		InferenceTimeout:    getEnvDuration("INFERENCE_TIMEOUT", DefaultInferenceTimeout),
		RouterMode:          getEnv("ROUTER_MODE", DefaultRouterMode),
		ReservationTTL:      getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaystackSecretKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GroqAPIKey == "" {
		return fmt.Errorf("GROQ_API_KEY is required")
	}

	if c.RouterMode != "heuristic" && c.RouterMode != "classifier" {
		return fmt.Errorf("ROUTER_MODE must be \"heuristic\" or \"classifier\", got %q", c.RouterMode)
	}

	if c.ReservationTTL <= 0 {
		return fmt.Errorf("RESERVATION_TTL must be positive")
	}

	if c.IsProduction() {
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.PaystackSecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required in production")
		}
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
