package chronodb

import "time"

// Config is the typed configuration record opened databases are
// built from, per spec §6's Configuration table plus the
// transaction-retry triple from §4.7. Binding layers translate
// host-native keyword arguments into this record; Go callers use the
// functional Option constructors below.
type Config struct {
	CacheSize               int           // max pages resident in the LRU (default 1000)
	AutoCheckpointThreshold int64         // WAL byte size that triggers an automatic checkpoint
	FilePermissions         uint32        // stored only; data, WAL and lock files are created with mode 0600
	ReadOnly                bool          // open without the writer mutex; reject mutations
	MaxBulkOperations       int           // ceiling on one bulk_write/insert_many list length
	MaxDocumentSize         int           // reject encoded documents larger than this
	MaxRequestBodySize      int           // ceiling consumed by an optional HTTP adapter

	MaxRetries          int           // run_transaction retry attempts on conflict
	RetryBackoffBase    time.Duration // initial backoff
	MaxRetryBackoff     time.Duration // backoff ceiling

	Logger Logger
}

// DefaultConfig returns the documented defaults of spec §6.
func DefaultConfig() Config {
	return Config{
		CacheSize:               1000,
		AutoCheckpointThreshold: 16 * 1024 * 1024, // 16MiB
		FilePermissions:         0o600,
		ReadOnly:                false,
		MaxBulkOperations:       10000,
		MaxDocumentSize:         16 * 1024 * 1024, // 16MiB, per spec §3
		MaxRequestBodySize:      32 * 1024 * 1024,

		MaxRetries:       3,
		RetryBackoffBase: 10 * time.Millisecond,
		MaxRetryBackoff:  1000 * time.Millisecond,

		Logger: DiscardLogger{},
	}
}

// Option configures a Config using the functional-options pattern.
type Option func(*Config)

func WithCacheSize(pages int) Option {
	return func(c *Config) { c.CacheSize = pages }
}

func WithAutoCheckpointThreshold(bytes int64) Option {
	return func(c *Config) { c.AutoCheckpointThreshold = bytes }
}

func WithFilePermissions(mode uint32) Option {
	return func(c *Config) { c.FilePermissions = mode }
}

func WithReadOnly() Option {
	return func(c *Config) { c.ReadOnly = true }
}

func WithMaxBulkOperations(n int) Option {
	return func(c *Config) { c.MaxBulkOperations = n }
}

func WithMaxDocumentSize(n int) Option {
	return func(c *Config) { c.MaxDocumentSize = n }
}

func WithMaxRequestBodySize(n int) Option {
	return func(c *Config) { c.MaxRequestBodySize = n }
}

func WithRetryPolicy(maxRetries int, base, max time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryBackoffBase = base
		c.MaxRetryBackoff = max
	}
}

func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}
