// Package config holds the module configuration: the numeric thresholds and
// flags consumed by the cache, queue, and sync coordinator. Configuration is
// pure data validated once at construction; it has no runtime behavior.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config aggregates every knob the offline components consume.
type Config struct {
	Cache   CacheConfig   `koanf:"cache"`
	Queue   QueueConfig   `koanf:"queue"`
	Sync    SyncConfig    `koanf:"sync"`
	Logging LoggingConfig `koanf:"logging"`
}

// CacheConfig bounds the cache and sets the fallback expiry.
type CacheConfig struct {
	// MaxSizeMB caps total estimated cached bytes. Zero means unlimited.
	MaxSizeMB int `koanf:"maxSizeMB"`
	// MaxEntries caps the number of cached entries. Zero means unlimited.
	MaxEntries int `koanf:"maxEntries"`
	// DefaultTTL applies when a read policy does not set its own TTL.
	// Zero means entries written without a TTL never expire.
	DefaultTTL time.Duration `koanf:"defaultTTL"`
}

// QueueConfig bounds the request queue and shapes its retry arithmetic.
type QueueConfig struct {
	// MaxSize caps pending requests; enqueue beyond it is rejected rather
	// than silently dropping entries. Zero means unlimited.
	MaxSize int `koanf:"maxSize"`
	// Persistence mirrors every queue mutation to the backing store so
	// pending requests survive restarts.
	Persistence bool `koanf:"persistence"`
	// MaxRetries is how many failed attempts a request gets before it is
	// removed as exhausted.
	MaxRetries int `koanf:"maxRetries"`
	// RetryDelay is the base backoff before a failed request is retried.
	RetryDelay time.Duration `koanf:"retryDelay"`
	// RetryMultiplier grows the backoff per failed attempt.
	RetryMultiplier float64 `koanf:"retryMultiplier"`
	// MaxRetryDelay caps the grown backoff.
	MaxRetryDelay time.Duration `koanf:"maxRetryDelay"`
}

// SyncConfig controls the sync coordinator's scheduling.
type SyncConfig struct {
	// Interval is the period between automatic sync passes.
	Interval time.Duration `koanf:"interval"`
	// Timeout bounds one whole sync pass. Zero means no bound.
	Timeout time.Duration `koanf:"timeout"`
	// Auto starts the periodic sync ticker when the manager is built.
	Auto bool `koanf:"auto"`
	// OnReconnect tells hosts to trigger a pass when connectivity returns.
	OnReconnect bool `koanf:"onReconnect"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ValidationError identifies the configuration field that failed validation.
// Construction fails fast; a malformed config is never recovered at runtime.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Validate enforces the invariants that keep the components predictable.
func (c *Config) Validate() error {
	if c.Cache.MaxSizeMB < 0 {
		return &ValidationError{Field: "cache.maxSizeMB", Reason: "must be >= 0"}
	}
	if c.Cache.MaxEntries < 0 {
		return &ValidationError{Field: "cache.maxEntries", Reason: "must be >= 0"}
	}
	if c.Cache.DefaultTTL < 0 {
		return &ValidationError{Field: "cache.defaultTTL", Reason: "must be >= 0"}
	}
	if c.Queue.MaxSize < 0 {
		return &ValidationError{Field: "queue.maxSize", Reason: "must be >= 0"}
	}
	if c.Queue.MaxRetries < 0 {
		return &ValidationError{Field: "queue.maxRetries", Reason: "must be >= 0"}
	}
	if c.Queue.RetryDelay <= 0 {
		return &ValidationError{Field: "queue.retryDelay", Reason: "must be > 0"}
	}
	if c.Queue.RetryMultiplier < 1 {
		return &ValidationError{Field: "queue.retryMultiplier", Reason: "must be >= 1"}
	}
	if c.Queue.MaxRetryDelay < 0 {
		return &ValidationError{Field: "queue.maxRetryDelay", Reason: "must be >= 0"}
	}
	if c.Sync.Interval <= 0 {
		return &ValidationError{Field: "sync.interval", Reason: "must be > 0"}
	}
	if c.Sync.Timeout < 0 {
		return &ValidationError{Field: "sync.timeout", Reason: "must be >= 0"}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "logging.level", Reason: fmt.Sprintf("unsupported: %q", c.Logging.Level)}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return &ValidationError{Field: "logging.format", Reason: fmt.Sprintf("unsupported: %q", c.Logging.Format)}
	}
	return nil
}

// Default returns the baseline configuration shared by both presets.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			MaxSizeMB:  50,
			MaxEntries: 1000,
			DefaultTTL: time.Hour,
		},
		Queue: QueueConfig{
			MaxSize:         100,
			Persistence:     true,
			MaxRetries:      3,
			RetryDelay:      2 * time.Second,
			RetryMultiplier: 2,
			MaxRetryDelay:   5 * time.Minute,
		},
		Sync: SyncConfig{
			Interval:    15 * time.Minute,
			Timeout:     30 * time.Second,
			Auto:        true,
			OnReconnect: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Development relaxes limits and syncs aggressively for local iteration.
func Development() Config {
	cfg := Default()
	cfg.Cache.DefaultTTL = 5 * time.Minute
	cfg.Queue.RetryDelay = 500 * time.Millisecond
	cfg.Sync.Interval = 30 * time.Second
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	return cfg
}

// Production keeps the defaults but backs off harder between retries.
func Production() Config {
	cfg := Default()
	cfg.Queue.RetryDelay = 5 * time.Second
	cfg.Sync.Interval = 30 * time.Minute
	return cfg
}
