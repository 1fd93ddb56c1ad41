// Package config provides configuration loading and validation for the orchestrator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults for the recognized options.
const (
	DefaultTickInterval         = 500 * time.Millisecond
	DefaultMaxConcurrent        = 2
	DefaultStaleTimeoutMinutes  = 30
	DefaultRetentionDays        = 7
	DefaultReviewScoreThreshold = 0.7
	DefaultMaxReviewRetries     = 3
	DefaultPort                 = 8080
	DefaultEventsPerSecond      = 20
	DefaultLogLevel             = "info"
)

// Config represents the orchestrator configuration. Values come from a JSON file,
// the environment, or both (environment wins).
type Config struct {
	DatabaseURL string `json:"database_url,omitempty" validate:"required"` // PostgreSQL connection URL
	QueueURL    string `json:"queue_url,omitempty"`                        // Work queue endpoint; defaults to DatabaseURL

	// Scheduler
	TickInterval        Duration `json:"tick_interval,omitempty"`
	MaxConcurrent       int      `json:"max_concurrent,omitempty" validate:"gte=0"`
	StaleTimeoutMinutes int      `json:"stale_timeout_minutes,omitempty" validate:"gte=0"`
	RetentionDays       int      `json:"retention_days,omitempty" validate:"gte=0"`

	// Review loop
	ReviewScoreThreshold float64 `json:"review_score_threshold,omitempty" validate:"gte=0,lte=1"`
	MaxReviewRetries     int     `json:"max_review_retries,omitempty" validate:"gte=0"`

	// Server and logging
	Port int `json:"port,omitempty" validate:"gte=0,lte=65535"`
	// EventsPerSecond caps the event stream rate of each subscriber.
	EventsPerSecond int    `json:"events_per_second,omitempty" validate:"gte=0"`
	LogLevel        string `json:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error disabled"`
	LogConsole      bool   `json:"log_console,omitempty"`
}

// Duration is a time.Duration that decodes from JSON strings like "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts either a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Defaults returns a Config populated with the documented defaults.
func Defaults() Config {
	return Config{
		TickInterval:         Duration{DefaultTickInterval},
		MaxConcurrent:        DefaultMaxConcurrent,
		StaleTimeoutMinutes:  DefaultStaleTimeoutMinutes,
		RetentionDays:        DefaultRetentionDays,
		ReviewScoreThreshold: DefaultReviewScoreThreshold,
		MaxReviewRetries:     DefaultMaxReviewRetries,
		Port:                 DefaultPort,
		EventsPerSecond:      DefaultEventsPerSecond,
		LogLevel:             DefaultLogLevel,
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// FromEnv builds a Config from environment variables on top of base.
func FromEnv(base Config) (Config, error) {
	cfg := base
	lookup := func(key string) (string, bool) {
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := lookup("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := lookup("QUEUE_URL"); ok {
		cfg.QueueURL = v
	}
	if v, ok := lookup("SCHEDULER_TICK_INTERVAL"); ok {
		d, err := parseDurationOrMillis(v)
		if err != nil {
			return cfg, fmt.Errorf("config error: SCHEDULER_TICK_INTERVAL: %w", err)
		}
		cfg.TickInterval = Duration{d}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_CONCURRENT_TASKS", &cfg.MaxConcurrent},
		{"STALE_TASK_TIMEOUT_MINUTES", &cfg.StaleTimeoutMinutes},
		{"RETENTION_DAYS", &cfg.RetentionDays},
		{"MAX_REVIEW_RETRIES", &cfg.MaxReviewRetries},
		{"PORT", &cfg.Port},
		{"SSE_EVENTS_PER_SECOND", &cfg.EventsPerSecond},
	}
	for _, item := range ints {
		v, ok := lookup(item.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config error: %s must be an integer: %w", item.key, err)
		}
		*item.dst = n
	}
	if v, ok := lookup("REVIEW_SCORE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config error: REVIEW_SCORE_THRESHOLD must be a number: %w", err)
		}
		cfg.ReviewScoreThreshold = f
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_CONSOLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("config error: LOG_CONSOLE must be a boolean: %w", err)
		}
		cfg.LogConsole = b
	}
	return cfg, nil
}

// Load merges an optional JSON file, the environment and the defaults, then validates.
func Load(path string) (*Config, error) {
	base := Config{}
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		base = *fileCfg
	}

	cfg, err := FromEnv(base)
	if err != nil {
		return nil, err
	}
	cfg = cfg.MergeWithDefaults(Defaults())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDurationOrMillis(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config error: '%s' failed '%s' validation", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("config error: %w", err)
	}
	if c.TickInterval.Duration <= 0 {
		return fmt.Errorf("config error: 'tick_interval' must be positive")
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.QueueURL == "" {
		result.QueueURL = defaults.QueueURL
	}
	if result.QueueURL == "" {
		result.QueueURL = result.DatabaseURL
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}

	// Numeric fields: use default if zero
	if result.TickInterval.Duration == 0 {
		result.TickInterval = defaults.TickInterval
	}
	if result.MaxConcurrent == 0 {
		result.MaxConcurrent = defaults.MaxConcurrent
	}
	if result.StaleTimeoutMinutes == 0 {
		result.StaleTimeoutMinutes = defaults.StaleTimeoutMinutes
	}
	if result.RetentionDays == 0 {
		result.RetentionDays = defaults.RetentionDays
	}
	if result.ReviewScoreThreshold == 0 {
		result.ReviewScoreThreshold = defaults.ReviewScoreThreshold
	}
	if result.MaxReviewRetries == 0 {
		result.MaxReviewRetries = defaults.MaxReviewRetries
	}
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.EventsPerSecond == 0 {
		result.EventsPerSecond = defaults.EventsPerSecond
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge

	return result
}

// StaleTimeout returns the stale-task threshold as a duration.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutMinutes) * time.Minute
}

// Retention returns the retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
