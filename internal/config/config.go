// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/paymeter/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage (audit archive); in-memory only when empty
	DatabaseURL string

	// Tracing
	OTLPEndpoint string

	// Challenge parameters returned in 402 responses
	PaymentRecipient string
	PaymentNetwork   string
	PaymentAsset     string
	DefaultPrice     float64

	// Session manager
	SessionTTL           time.Duration
	MaxSessionsPerWallet int

	// Payment queue
	QueueMaxSize       int
	QueueBatchSize     int
	QueueBatchInterval time.Duration
	QueueMaxRetries    int

	// Transaction verifier
	RequiredConfirmations  int
	VerificationTimeout    time.Duration
	BlockTime              time.Duration
	VerificationMaxRetries int

	// Audit log; zero retention disables pruning
	AuditRetention time.Duration

	SweepInterval time.Duration
	AdminSecret   string

	// x402 facilitator that settles queued payments; settled locally
	// when empty
	FacilitatorURL string

	// Browser origins allowed to call the API; empty allows all
	CORSOrigins []string

	// Per-session (or per-IP) token bucket
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Defaults. The recipient is a devnet placeholder; production deployments
// must set PAYMENT_RECIPIENT.
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultPaymentRecipient       = "0x0000000000000000000000000000000000000402"
	DefaultPaymentNetwork         = "eip155:84532" // Base Sepolia
	DefaultPaymentAsset           = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultPrice                  = 0.001
	DefaultSessionTTL             = time.Hour
	DefaultMaxSessionsPerWallet   = 5
	DefaultQueueMaxSize           = 10000
	DefaultQueueBatchSize         = 10
	DefaultQueueBatchInterval     = 5 * time.Second
	DefaultQueueMaxRetries        = 3
	DefaultRequiredConfirmations  = 32
	DefaultVerificationTimeout    = 5 * time.Minute
	DefaultBlockTime              = 400 * time.Millisecond
	DefaultVerificationMaxRetries = 3
	DefaultAuditRetention         = 90 * 24 * time.Hour
	DefaultSweepInterval          = 30 * time.Second
	DefaultRateLimitPerMinute     = 600
	DefaultRateLimitBurst         = 50
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PaymentRecipient:       validation.SanitizeAddress(getEnv("PAYMENT_RECIPIENT", DefaultPaymentRecipient)),
		PaymentNetwork:         getEnv("PAYMENT_NETWORK", DefaultPaymentNetwork),
		PaymentAsset:           getEnv("PAYMENT_ASSET", DefaultPaymentAsset),
		DefaultPrice:           getEnvFloat("DEFAULT_PRICE", DefaultPrice),
		SessionTTL:             getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		MaxSessionsPerWallet:   int(getEnvInt64("MAX_SESSIONS_PER_WALLET", DefaultMaxSessionsPerWallet)),
		QueueMaxSize:           int(getEnvInt64("QUEUE_MAX_SIZE", DefaultQueueMaxSize)),
		QueueBatchSize:         int(getEnvInt64("QUEUE_BATCH_SIZE", DefaultQueueBatchSize)),
		QueueBatchInterval:     getEnvDuration("QUEUE_BATCH_INTERVAL", DefaultQueueBatchInterval),
		QueueMaxRetries:        int(getEnvInt64("QUEUE_MAX_RETRIES", DefaultQueueMaxRetries)),
		RequiredConfirmations:  int(getEnvInt64("REQUIRED_CONFIRMATIONS", DefaultRequiredConfirmations)),
		VerificationTimeout:    getEnvDuration("VERIFICATION_TIMEOUT", DefaultVerificationTimeout),
		BlockTime:              getEnvDuration("BLOCK_TIME", DefaultBlockTime),
		VerificationMaxRetries: int(getEnvInt64("VERIFICATION_MAX_RETRIES", DefaultVerificationMaxRetries)),
		AuditRetention:         getEnvDuration("AUDIT_RETENTION", DefaultAuditRetention),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		FacilitatorURL:         os.Getenv("FACILITATOR_URL"),
		CORSOrigins:            getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:     int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the protocol components rely on. Limits
// are hard admission rules, so non-positive values are rejected instead of
// silently defaulted.
func (c *Config) Validate() error {
	if !validation.IsValidAddress(c.PaymentRecipient) {
		return fmt.Errorf("PAYMENT_RECIPIENT must be a valid EVM or Solana address")
	}
	if !validation.IsPositiveAmount(c.DefaultPrice) {
		return fmt.Errorf("DEFAULT_PRICE must be greater than zero")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.MaxSessionsPerWallet <= 0 {
		return fmt.Errorf("MAX_SESSIONS_PER_WALLET must be positive")
	}
	if c.QueueMaxSize <= 0 || c.QueueBatchSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE and QUEUE_BATCH_SIZE must be positive")
	}
	if c.QueueBatchInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("QUEUE_BATCH_INTERVAL and SWEEP_INTERVAL must be positive")
	}
	if c.QueueMaxRetries <= 0 || c.VerificationMaxRetries <= 0 {
		return fmt.Errorf("retry ceilings must be positive")
	}
	if c.RequiredConfirmations <= 0 {
		return fmt.Errorf("REQUIRED_CONFIRMATIONS must be positive")
	}
	if c.VerificationTimeout <= 0 || c.BlockTime <= 0 {
		return fmt.Errorf("VERIFICATION_TIMEOUT and BLOCK_TIME must be positive")
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive")
	}
	if c.AuditRetention < 0 {
		return fmt.Errorf("AUDIT_RETENTION must not be negative")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && c.FacilitatorURL == "" {
		return fmt.Errorf("FACILITATOR_URL is required in production")
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

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "1h") or a bare
// integer number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
