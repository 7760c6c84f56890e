// Package config centralises environment-driven runtime configuration.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pipethedev/polymarket-trader/internal/trading"
)

// Config is the full runtime configuration tree, loaded from the
// environment with sensible defaults for local development.
type Config struct {
	Environment string
	Port        string
	DatabaseDSN string
	JWTSecret   string
	TokenTTL    time.Duration

	Venue    VenueConfig
	Executor ExecutorConfig
	Intake   IntakeConfig
	Sync     SyncConfig
}

// VenueConfig configures the trading venue client. The simulated venue
// only reads Name, ReadOnly and the failure rates; a real client would
// consume BaseURL and the credentials as opaque constructor parameters.
type VenueConfig struct {
	Name          string
	BaseURL       string
	APIKey        string
	APISecret     string
	ChainID       int
	ReadOnly      bool
	TransientRate float64
	RejectRate    float64
}

type ExecutorConfig struct {
	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	PollInterval      time.Duration
	PartialFillPolicy trading.PartialFillPolicy
}

type IntakeConfig struct {
	IdempotencyTTL time.Duration
	AwaitTimeout   time.Duration
}

type SyncConfig struct {
	Interval time.Duration
}

// Load reads configuration from the environment.
func Load() Config {
	return Config{
		Environment: envString("ENV", "development"),
		Port:        envString("PORT", "8080"),
		DatabaseDSN: envString("DATABASE_DSN", "trader.db"),
		JWTSecret:   envString("JWT_SECRET", "polymarket-trader-secret"),
		TokenTTL:    envDuration("TOKEN_TTL", 24*time.Hour),
		Venue: VenueConfig{
			Name:          envString("VENUE_NAME", "polymarket-sim"),
			BaseURL:       envString("VENUE_BASE_URL", ""),
			APIKey:        envString("VENUE_API_KEY", ""),
			APISecret:     envString("VENUE_API_SECRET", ""),
			ChainID:       envInt("VENUE_CHAIN_ID", 137),
			ReadOnly:      envBool("VENUE_READ_ONLY", false),
			TransientRate: envFloat("VENUE_TRANSIENT_RATE", 0.05),
			RejectRate:    envFloat("VENUE_REJECT_RATE", 0.02),
		},
		Executor: ExecutorConfig{
			Workers:           envInt("EXECUTOR_WORKERS", 4),
			MaxAttempts:       envInt("EXECUTOR_MAX_ATTEMPTS", 5),
			BackoffBase:       envDuration("EXECUTOR_BACKOFF_BASE", 250*time.Millisecond),
			BackoffCap:        envDuration("EXECUTOR_BACKOFF_CAP", 30*time.Second),
			PollInterval:      envDuration("EXECUTOR_POLL_INTERVAL", time.Second),
			PartialFillPolicy: partialFillPolicy("EXECUTOR_PARTIAL_FILL_POLICY"),
		},
		Intake: IntakeConfig{
			IdempotencyTTL: envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			AwaitTimeout:   envDuration("INTAKE_AWAIT_TIMEOUT", 2*time.Second),
		},
		Sync: SyncConfig{
			Interval: envDuration("MARKET_SYNC_INTERVAL", time.Minute),
		},
	}
}

func envString(key, fallback string) string {
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func partialFillPolicy(key string) trading.PartialFillPolicy {
	switch trading.PartialFillPolicy(os.Getenv(key)) {
	case trading.PartialFillTerminal:
		return trading.PartialFillTerminal
	default:
		return trading.PartialFillResting
	}
}
