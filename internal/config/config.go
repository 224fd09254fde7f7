// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, in-memory if not set)
	RedisURL    string // Redis connection string (optional, in-process locking if not set)

	// Webhook providers. A provider is only mounted when its secret is set;
	// a mounted provider always verifies signatures, in every environment.
	BankwireWebhookSecret  string
	CryptopayWebhookSecret string
	StripeWebhookSecret    string
	WebhookMaxAge          time.Duration // reject events older than this
	WebhookMaxFuture       time.Duration // reject events claiming a future timestamp

	// Fees (frozen into each escrow's pricing snapshot at creation)
	FeeRateBPS           int    // base fee in basis points of principal
	FeeFloor             string // minimum total fee, decimal string
	UnderpayToleranceBPS int    // accepted shortfall on funding, basis points

	// Trade lifecycle defaults
	DeliveryHours      int // delivery window, counted from payment confirmation
	AutoReleaseHours   int // buyer release window after delivery
	PaymentWindowHours int // funding deadline before auto-cancel

	// Locking
	LockWait time.Duration // bounded acquisition wait
	LockTTL  time.Duration // bounded hold for the distributed lock

	// Background sweeps
	SweepInterval     time.Duration
	ReconcileInterval time.Duration

	// Collaborators
	RateOracleURL string
	RateCacheTTL  time.Duration
	OTLPEndpoint  string

	// Security
	AdminSecret string // internal action/command APIs
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFeeRateBPS    = 250 // 2.5%
	DefaultFeeFloor      = "10"
	DefaultUnderpayBPS   = 100 // 1%
	DefaultDeliveryHours = 24
	DefaultReleaseHours  = 72
	DefaultPaymentHours  = 24
)

// Load reads configuration from environment variables.
// It loads .env first if present (local development convenience).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		BankwireWebhookSecret:  os.Getenv("BANKWIRE_WEBHOOK_SECRET"),
		CryptopayWebhookSecret: os.Getenv("CRYPTOPAY_WEBHOOK_SECRET"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookMaxAge:          getEnvDuration("WEBHOOK_MAX_AGE", 5*time.Minute),
		WebhookMaxFuture:       getEnvDuration("WEBHOOK_MAX_FUTURE", time.Minute),

		FeeRateBPS:           getEnvInt("FEE_RATE_BPS", DefaultFeeRateBPS),
		FeeFloor:             getEnv("FEE_FLOOR", DefaultFeeFloor),
		UnderpayToleranceBPS: getEnvInt("UNDERPAY_TOLERANCE_BPS", DefaultUnderpayBPS),

		DeliveryHours:      getEnvInt("DELIVERY_HOURS", DefaultDeliveryHours),
		AutoReleaseHours:   getEnvInt("AUTO_RELEASE_HOURS", DefaultReleaseHours),
		PaymentWindowHours: getEnvInt("PAYMENT_WINDOW_HOURS", DefaultPaymentHours),

		LockWait: getEnvDuration("LOCK_WAIT", 3*time.Second),
		LockTTL:  getEnvDuration("LOCK_TTL", 15*time.Second),

		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),

		RateOracleURL: os.Getenv("RATE_ORACLE_URL"),
		RateCacheTTL:  getEnvDuration("RATE_CACHE_TTL", time.Minute),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required")
	}
	if len(c.AdminSecret) < 16 {
		return fmt.Errorf("ADMIN_SECRET must be at least 16 characters")
	}
	if c.FeeRateBPS < 0 || c.FeeRateBPS > 10000 {
		return fmt.Errorf("FEE_RATE_BPS must be in [0, 10000]")
	}
	if c.UnderpayToleranceBPS < 0 || c.UnderpayToleranceBPS > 10000 {
		return fmt.Errorf("UNDERPAY_TOLERANCE_BPS must be in [0, 10000]")
	}
	if c.DeliveryHours <= 0 || c.AutoReleaseHours <= 0 || c.PaymentWindowHours <= 0 {
		return fmt.Errorf("lifecycle windows must be positive")
	}
	if c.LockWait <= 0 || c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_WAIT and LOCK_TTL must be positive")
	}
	if c.LockTTL <= c.LockWait {
		return fmt.Errorf("LOCK_TTL must exceed LOCK_WAIT")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
