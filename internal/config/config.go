// Package config loads and validates the sync agent's tunables from
// environment variables, an optional config file, and command-line
// flags (the latter two wired in by cmd/hevysync via viper). The
// env-var loading primitives below follow the same typed-getter-with-
// default pattern the EVE config package used across its services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig loads typed values from environment variables under an
// optional prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a loader scoped to prefix (e.g. "HEVYSYNC").
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// Config holds every tunable named in the specification, §6.
type Config struct {
	BaseURL string

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestTimeout    time.Duration
	ValidationTimeout time.Duration
	MaxRetries        int

	FailureThreshold int
	ResetAfter       time.Duration

	CacheMax int
	CacheTTL time.Duration

	MaxPages          int
	InterPageDelay    time.Duration
	CancelCheckEvery  int // inner-loop cancel-check interval, heuristic tunable

	MaxExecutionTime        time.Duration
	ActiveImportHeartbeat   time.Duration
	ActiveImportStale       time.Duration
	LockWait                time.Duration

	WorkoutBatchSize      int
	MinSuccessCount       int
	FailureThresholdRate  float64

	// backing stores
	BboltPath string
	RedisURL  string
	PostgresDSN string
}

// Load builds a Config from the environment, applying the defaults
// spec.md §6 documents.
func Load() *Config {
	env := NewEnvConfig("HEVYSYNC")
	return &Config{
		BaseURL: env.GetString("BASE_URL", "https://api.hevyapp.com/v1"),

		BaseDelay:         env.GetDuration("BASE_DELAY_MS", 1000*time.Millisecond),
		MaxDelay:          env.GetDuration("MAX_DELAY_MS", 10000*time.Millisecond),
		RequestTimeout:    env.GetDuration("REQUEST_TIMEOUT_MS", 30000*time.Millisecond),
		ValidationTimeout: env.GetDuration("VALIDATION_TIMEOUT_MS", 15000*time.Millisecond),
		MaxRetries:        env.GetInt("MAX_RETRIES", 3),

		FailureThreshold: env.GetInt("FAILURE_THRESHOLD", 5),
		ResetAfter:       env.GetDuration("RESET_MS", 60000*time.Millisecond),

		CacheMax: env.GetInt("CACHE_MAX", 100),
		CacheTTL: env.GetDuration("CACHE_TTL_MS", 600*time.Second),

		MaxPages:         env.GetInt("MAX_PAGES", 1000),
		InterPageDelay:   env.GetDuration("INTER_PAGE_DELAY_MS", 250*time.Millisecond),
		CancelCheckEvery: env.GetInt("CANCEL_CHECK_INTERVAL", 200),

		MaxExecutionTime:      env.GetDuration("MAX_EXECUTION_TIME_MS", 5*time.Minute),
		ActiveImportHeartbeat: env.GetDuration("ACTIVE_IMPORT_HEARTBEAT_MS", 30*time.Second),
		ActiveImportStale:     env.GetDuration("ACTIVE_IMPORT_STALE_MS", 5*time.Minute),
		LockWait:              env.GetDuration("LOCK_WAIT_MS", 30000*time.Millisecond),

		WorkoutBatchSize:     env.GetInt("WORKOUT_BATCH_SIZE", 10),
		MinSuccessCount:      env.GetInt("MIN_SUCCESS_COUNT", 1),
		FailureThresholdRate: env.GetFloat("FAILURE_THRESHOLD_RATE", 0.25),

		BboltPath:   env.GetString("BBOLT_PATH", "hevysync.db"),
		RedisURL:    env.GetString("REDIS_URL", "redis://localhost:6379/0"),
		PostgresDSN: env.GetString("POSTGRES_DSN", ""),
	}
}

// Validator accumulates configuration validation errors, mirroring the
// fluent validator the EVE config package exposed for its own services.
type Validator struct {
	errors []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequirePositiveDuration(field string, value time.Duration) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireURL(field, value string) {
	if value == "" || (!strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://")) {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid URL", field))
	}
}

func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}

// Validate checks the invariants the rest of the package relies on
// (positive durations/counts, a real base URL).
func (c *Config) Validate() error {
	v := NewValidator()
	v.RequireURL("BaseURL", c.BaseURL)
	v.RequirePositiveInt("MaxRetries", c.MaxRetries)
	v.RequirePositiveInt("FailureThreshold", c.FailureThreshold)
	v.RequirePositiveInt("CacheMax", c.CacheMax)
	v.RequirePositiveInt("MaxPages", c.MaxPages)
	v.RequirePositiveInt("WorkoutBatchSize", c.WorkoutBatchSize)
	v.RequirePositiveDuration("MaxExecutionTime", c.MaxExecutionTime)
	v.RequirePositiveDuration("ActiveImportHeartbeat", c.ActiveImportHeartbeat)
	return v.Validate()
}
