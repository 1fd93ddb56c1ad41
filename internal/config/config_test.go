package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "QUEUE_URL", "SCHEDULER_TICK_INTERVAL", "MAX_CONCURRENT_TASKS",
		"STALE_TASK_TIMEOUT_MINUTES", "RETENTION_DAYS", "REVIEW_SCORE_THRESHOLD",
		"MAX_REVIEW_RETRIES", "PORT", "SSE_EVENTS_PER_SECOND", "LOG_LEVEL", "LOG_CONSOLE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	content := `{
		"database_url": "postgres://localhost/orchestrator",
		"tick_interval": "250ms",
		"max_concurrent": 4,
		"retention_days": 14,
		"log_console": true
	}`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/orchestrator", cfg.DatabaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval.Duration)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.True(t, cfg.LogConsole)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(tmpFile, []byte(`{ invalid json }`), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://db/orchestrator")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/orchestrator", cfg.QueueURL, "queue defaults to the database")
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval.Duration)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.StaleTimeout())
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.Equal(t, 3, cfg.MaxReviewRetries)
	assert.Equal(t, 0.7, cfg.ReviewScoreThreshold)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 20, cfg.EventsPerSecond)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"database_url":"postgres://file","max_concurrent":9}`), 0644))

	t.Setenv("MAX_CONCURRENT_TASKS", "5")
	t.Setenv("SCHEDULER_TICK_INTERVAL", "1s")
	t.Setenv("QUEUE_URL", "memory://")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("SSE_EVENTS_PER_SECOND", "5")

	cfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file", cfg.DatabaseURL)
	assert.Equal(t, "memory://", cfg.QueueURL)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, time.Second, cfg.TickInterval.Duration)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.EventsPerSecond)
}

func TestFromEnv_TickIntervalMillis(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCHEDULER_TICK_INTERVAL", "750")

	cfg, err := FromEnv(Config{})
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.TickInterval.Duration)
}

func TestFromEnv_InvalidInteger(t *testing.T) {
	clearEnv(t)
	t.Setenv("RETENTION_DAYS", "a week")

	_, err := FromEnv(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETENTION_DAYS")
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseURL")
}

func TestValidate_ThresholdRange(t *testing.T) {
	cfg := Defaults()
	cfg.DatabaseURL = "postgres://db"
	cfg.ReviewScoreThreshold = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReviewScoreThreshold")
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://db", MaxConcurrent: 8}
	merged := cfg.MergeWithDefaults(Defaults())

	assert.Equal(t, 8, merged.MaxConcurrent, "explicit value wins")
	assert.Equal(t, DefaultRetentionDays, merged.RetentionDays)
	assert.Equal(t, "postgres://db", merged.QueueURL)
	assert.Equal(t, DefaultLogLevel, merged.LogLevel)
}
