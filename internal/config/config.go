// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"` // Optional rotating log file

	// Database (optional, uses in-memory ledger if not set)
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// Security
	AdminSecret  string `env:"ADMIN_SECRET"`
	RateLimitRPM int    `env:"RATE_LIMIT_RPM" envDefault:"600"`
	CORSOrigins  []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","` // empty = CORS disabled

	// Payment provider webhooks
	PaymentWebhookSecret    string        `env:"PAYMENT_WEBHOOK_SECRET"`
	PaymentWebhookTolerance time.Duration `env:"PAYMENT_WEBHOOK_TOLERANCE" envDefault:"5m"`

	// Readiness signal providers (empty URL = signal unknown)
	TrustProviderURL      string        `env:"TRUST_PROVIDER_URL"`
	ComplianceProviderURL string        `env:"COMPLIANCE_PROVIDER_URL"`
	LogisticsProviderURL  string        `env:"LOGISTICS_PROVIDER_URL"`
	SignalTimeout         time.Duration `env:"SIGNAL_TIMEOUT" envDefault:"2s"`
	SignalRPS             float64       `env:"SIGNAL_RPS" envDefault:"20"`
	ReadinessPolicyFile   string        `env:"READINESS_POLICY_FILE"`
	RescoreInterval       time.Duration `env:"RESCORE_INTERVAL" envDefault:"5m"`

	// Notifications
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC" envDefault:"trade-events"`
	NotifyQueue  int    `env:"NOTIFY_QUEUE_SIZE" envDefault:"1024"`

	// Background jobs
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10m"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
	}
	if c.SignalTimeout <= 0 {
		return fmt.Errorf("SIGNAL_TIMEOUT must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.AdminSecret) < 32 {
			return fmt.Errorf("ADMIN_SECRET must be at least 32 characters in production")
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
