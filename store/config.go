package store

import "log/slog"

// Config holds configuration for the Store.
type Config struct {
	// DefaultPageSize is the page size used when a caller does not specify one.
	// Default: 100
	DefaultPageSize int32

	// MaxBatchSize is the maximum number of items submitted per sub-batch.
	// DynamoDB caps a single transactional write at 100 items.
	// Default: 100, Max: 100
	MaxBatchSize int

	// RetryMaxAttempts is passed through to the SDK client built by NewClient.
	// Zero keeps the SDK default. This layer performs no retries of its own.
	RetryMaxAttempts int

	// Logger receives debug-level paging and batch diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPageSize: 100,
		MaxBatchSize:    100,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.DefaultPageSize < 1 {
		c.DefaultPageSize = 100
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > 100 {
		c.MaxBatchSize = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
