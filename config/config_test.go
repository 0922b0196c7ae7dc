package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, 12*time.Hour, cfg.SchedulerConfig.Interval)
	assert.Equal(t, time.UTC, cfg.SchedulerConfig.Location())
	assert.True(t, cfg.SchedulerConfig.CommissionCatchUp)
	assert.False(t, cfg.RedisConfig.Enabled)
}

func TestLoadFileThenEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, `{
		"store": "memory",
		"scheduler": {"timezone": "Asia/Kolkata", "max_concurrent": 3},
		"redis": {"enabled": true, "address": "redis:6379", "pool_size": 4}
	}`))
	t.Setenv("SCHEDULER_MAX_CONCURRENT", "16")
	t.Setenv("SCHEDULER_INTERVAL", "6h")
	t.Setenv("LOG_JSON", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 16, cfg.SchedulerConfig.MaxConcurrent)
	assert.Equal(t, 6*time.Hour, cfg.SchedulerConfig.Interval)
	assert.Equal(t, "Asia/Kolkata", cfg.SchedulerConfig.Location().String())
	assert.Equal(t, "redis:6379", cfg.RedisConfig.Address)
	assert.False(t, cfg.LoggingConfig.JSONFormat)
	// fields absent from the file keep their defaults
	assert.Equal(t, 2*time.Hour, cfg.SchedulerConfig.BatchLeaseTTL)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown store", `{"store": "mongo"}`},
		{"bad timezone", `{"scheduler": {"timezone": "Mars/Olympus"}}`},
		{"redis without address", `{"redis": {"enabled": true, "address": ""}}`},
		{"zero workers", `{"scheduler": {"max_concurrent": 0}}`},
		{"sub-second interval", `{"scheduler": {"interval": 1000}}`},
		{"interval of a day and a half", `{"scheduler": {"interval": 129600000000000}}`},
		{"min conns above max", `{"database": {"max_conns": 2, "min_conns": 5}}`},
		{"malformed json", `{"store": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", writeConfig(t, tt.body))
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestSchedulerIntervalWholeDays(t *testing.T) {
	for _, iv := range []time.Duration{time.Minute, 24 * time.Hour, 48 * time.Hour, 7 * 24 * time.Hour} {
		cfg := Default()
		cfg.Store = "memory"
		cfg.SchedulerConfig.Interval = iv
		assert.NoError(t, cfg.Validate(), "interval %s", iv)
	}

	cfg := Default()
	cfg.Store = "memory"
	cfg.SchedulerConfig.Interval = 25 * time.Hour
	assert.Error(t, cfg.Validate())
}

func TestGenerateSampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	require.NoError(t, GenerateSampleConfig(path))

	t.Setenv("CONFIG_FILE", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().ServerConfig, cfg.ServerConfig)
}
