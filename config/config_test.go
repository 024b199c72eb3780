package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("JWT_SECRET", "a-long-enough-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "5000", cfg.ServerPort)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.Lookback)
	assert.Equal(t, 50, cfg.Sync.MaxMessages)
	assert.Equal(t, 5, cfg.Sync.Parallelism)
	assert.Equal(t, 5, cfg.QueueMaxAttempts)
	assert.Equal(t, "https://api.openai.com/v1", cfg.GenerationBaseURL)
	assert.False(t, cfg.WarmupEnabled)
	assert.Equal(t, time.UTC, cfg.ResetLocation())
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("SYNC_LOOKBACK_DAYS", "2")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WARMUP_ENABLED", "true")
	t.Setenv("TRACKING_BASE_URL", "https://t.acme.com/")
	t.Setenv("ALLOWED_ORIGINS", "https://app.acme.com, https://admin.acme.com")
	t.Setenv("RESET_TIMEZONE", "Europe/Berlin")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 48*time.Hour, cfg.Sync.Lookback)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.True(t, cfg.WarmupEnabled)
	assert.Equal(t, "https://t.acme.com", cfg.TrackingBaseURL)
	assert.Equal(t, []string{"https://app.acme.com", "https://admin.acme.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "Europe/Berlin", cfg.ResetLocation().String())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"missing db password", "DB_PASSWORD", ""},
		{"short encryption key", "ENCRYPTION_KEY", "short"},
		{"bad environment", "ENVIRONMENT", "qa"},
		{"bad tracking url", "TRACKING_BASE_URL", "not a url"},
		{"unknown timezone", "RESET_TIMEZONE", "Mars/Olympus"},
		{"sync interval too small", "SYNC_INTERVAL", "10ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestMaskPassword(t *testing.T) {
	dsn := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "hunter2", Name: "n", SSLMode: "disable"}.DSN()
	masked := maskPassword(dsn)

	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "password=*****")
	assert.Contains(t, masked, "sslmode=disable")
}
