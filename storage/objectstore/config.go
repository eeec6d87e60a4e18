// Package objectstore keeps attachment bytes in a NATS JetStream object
// store bucket with a small read cache in front.
package objectstore

import "time"

// Config configures the attachment store.
type Config struct {
	// Bucket is the JetStream object store bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// CacheSize bounds the number of objects kept in memory. Zero disables
	// the read cache.
	CacheSize int `json:"cache_size" yaml:"cache_size"`

	// MaxCachedBytes skips caching for larger objects.
	MaxCachedBytes int `json:"max_cached_bytes" yaml:"max_cached_bytes"`

	// Timeout bounds each bucket operation.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the attachment store defaults.
func DefaultConfig() Config {
	return Config{
		Bucket:         "DBCV_ATTACHMENTS",
		CacheSize:      256,
		MaxCachedBytes: 1 << 20,
		Timeout:        10 * time.Second,
	}
}
