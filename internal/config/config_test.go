package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PAYMENT_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "PORT", "9090")
	setEnv(t, "SIGNAL_TIMEOUT", "750ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.SignalTimeout)
	assert.Equal(t, 5*time.Minute, cfg.PaymentWebhookTolerance)
	assert.Equal(t, "trade-events", cfg.KafkaTopic)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 1024, cfg.NotifyQueue)
}

func TestLoad_ListsAndSizes(t *testing.T) {
	setEnv(t, "PAYMENT_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://app.example.com,https://ops.example.com")
	setEnv(t, "NOTIFY_QUEUE_SIZE", "16")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://app.example.com", "https://ops.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 16, cfg.NotifyQueue)
}

func TestLoad_MissingWebhookSecret(t *testing.T) {
	setEnv(t, "PAYMENT_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_WEBHOOK_SECRET is required")
}

func TestLoad_InvalidDuration(t *testing.T) {
	setEnv(t, "PAYMENT_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "RECONCILE_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid development config",
			config:  Config{Env: "development", PaymentWebhookSecret: "whsec", SignalTimeout: time.Second},
			wantErr: "",
		},
		{
			name:    "missing webhook secret",
			config:  Config{Env: "development", SignalTimeout: time.Second},
			wantErr: "PAYMENT_WEBHOOK_SECRET is required",
		},
		{
			name:    "zero signal timeout",
			config:  Config{Env: "development", PaymentWebhookSecret: "whsec"},
			wantErr: "SIGNAL_TIMEOUT must be positive",
		},
		{
			name:    "production without database",
			config:  Config{Env: "production", PaymentWebhookSecret: "whsec", SignalTimeout: time.Second},
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "production with short admin secret",
			config: Config{
				Env: "production", PaymentWebhookSecret: "whsec", SignalTimeout: time.Second,
				DatabaseURL: "postgres://localhost/tradeflow", AdminSecret: "short",
			},
			wantErr: "ADMIN_SECRET must be at least 32 characters",
		},
		{
			name: "valid production config",
			config: Config{
				Env: "production", PaymentWebhookSecret: "whsec", SignalTimeout: time.Second,
				DatabaseURL: "postgres://localhost/tradeflow", AdminSecret: "0123456789abcdef0123456789abcdef",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
