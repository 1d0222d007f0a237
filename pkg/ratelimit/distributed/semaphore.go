package distributed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnykmshr/flowlimit/pkg/metrics"
)

// Semaphore bounds how many tasks run at once across every application
// instance sharing the same Redis key.
type Semaphore interface {
	// TryAcquire takes a global slot if one is free and reports whether it did.
	TryAcquire(ctx context.Context) (bool, error)

	// Acquire blocks until a global slot is taken or ctx is done.
	Acquire(ctx context.Context) error

	// Release returns the most recently acquired slot of this instance.
	Release(ctx context.Context) error

	// Stats returns the current cluster-wide state.
	Stats(ctx context.Context) (*Stats, error)

	// Reset clears the semaphore state (useful for testing).
	Reset(ctx context.Context) error

	// Close releases every slot held by this instance and stops lease renewal.
	Close() error
}

// Stats holds distributed semaphore statistics.
type Stats struct {
	Limit           int
	Held            int
	HeldByInstance  map[string]int
	Acquired        int64
	Denied          int64
	Released        int64
	ActiveInstances []string
}

// Config holds configuration for a distributed semaphore.
type Config struct {
	// Redis client for coordination
	Redis redis.UniversalClient

	// Key is the Redis key prefix for this semaphore
	Key string

	// Limit is the number of slots shared by all instances
	Limit int

	// InstanceID uniquely identifies this application instance
	InstanceID string

	// RedisTimeout is the timeout for Redis operations
	RedisTimeout time.Duration

	// PollInterval is how often Acquire retries while every slot is taken
	// (defaults to 50ms)
	PollInterval time.Duration

	// LeaseTTL is how long a slot survives without renewal, so slots held by
	// a crashed instance are eventually freed (defaults to 30s)
	LeaseTTL time.Duration

	// KeyTTL is how long idle Redis keys should live (defaults to 1 hour)
	KeyTTL time.Duration

	// Metrics records acquisition attempts when set
	Metrics *metrics.Registry
}

// DefaultConfig returns a default distributed semaphore configuration.
func DefaultConfig() Config {
	return Config{
		InstanceID:   generateInstanceID(),
		RedisTimeout: 500 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		LeaseTTL:     30 * time.Second,
		KeyTTL:       time.Hour,
	}
}

// NewSemaphore creates a Redis-backed semaphore and registers this instance.
func NewSemaphore(config Config) (Semaphore, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	rs, err := newRedisSemaphore(applyConfigDefaults(config))
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// validateConfig validates the semaphore configuration.
func validateConfig(config Config) error {
	if config.Redis == nil {
		return &ConfigError{"redis client is required"}
	}
	if config.Key == "" {
		return &ConfigError{"key is required"}
	}
	if config.Limit <= 0 {
		return &ConfigError{"limit must be positive"}
	}
	if config.LeaseTTL < 0 || config.PollInterval < 0 {
		return &ConfigError{"durations cannot be negative"}
	}
	return nil
}

// applyConfigDefaults sets default values for unspecified config fields.
func applyConfigDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.InstanceID == "" {
		config.InstanceID = defaults.InstanceID
	}
	if config.RedisTimeout == 0 {
		config.RedisTimeout = defaults.RedisTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LeaseTTL == 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	if config.KeyTTL == 0 {
		config.KeyTTL = defaults.KeyTTL
	}
	if config.KeyTTL < config.LeaseTTL {
		config.KeyTTL = config.LeaseTTL
	}
	return config
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "distributed semaphore config error: " + e.Message
}

// RedisError represents a Redis operation error.
type RedisError struct {
	Operation string
	Err       error
}

func (e *RedisError) Error() string {
	return "redis error in " + e.Operation + ": " + e.Err.Error()
}

func (e *RedisError) Unwrap() error {
	return e.Err
}
