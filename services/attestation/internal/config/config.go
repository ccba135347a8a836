// Package config loads the attestation daemon's configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the attestation service.
type Config struct {
	// Server
	Port        int
	Environment string

	// Redis
	RedisURL string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Ledger/attestation
	Network               string // mainnet, devnet, testnet
	VerifierEndpoint      string
	AllowDevAttestation   bool
	ConfirmationTimeoutMS int
	RetryBudgetPerBundle  int

	// VerifierPrivateKeySeed is a base58-encoded Ed25519 seed for the
	// service's attestation-signing key. Empty in development generates
	// an ephemeral key at startup instead.
	VerifierPrivateKeySeed string

	// DatabaseURL, when set, backs the Escrow Program with Postgres
	// instead of the in-memory store (escrow.OpenPostgresStore).
	DatabaseURL string
}

// Load reads configuration from the environment, loading a .env file
// first if one is present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 1000),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		Network:               getEnv("NETWORK", "devnet"),
		VerifierEndpoint:      getEnv("VERIFIER_ENDPOINT", ""),
		AllowDevAttestation:   getEnvBool("ALLOW_DEV_ATTESTATION", false),
		ConfirmationTimeoutMS: getEnvInt("CONFIRMATION_TIMEOUT_MS", 30_000),
		RetryBudgetPerBundle:  getEnvInt("RETRY_BUDGET_PER_BUNDLE", 32),

		VerifierPrivateKeySeed: getEnv("VERIFIER_PRIVATE_KEY_SEED", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
	}
}

// IsDevelopment reports whether the service is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the service is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
