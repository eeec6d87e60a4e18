// Package cache provides generic, thread-safe in-process caches used by the
// data manager, the token cache, and the compiled rule and snippet caches.
//
//   - LRU: size bounded, least recently used entries are evicted first.
//   - TTL: every entry carries its own expiry, a background sweep removes
//     expired entries.
//
// Every cache keeps Statistics. Prometheus export is opt-in via WithMetrics.
// KeyedMutex provides the per-key, context-aware lock used to collapse
// concurrent loads of the same key.
package cache

import (
	"time"

	"github.com/carbonfay/DBCV-sub000/errors"
)

// Cache is the common interface of all cache implementations.
type Cache[V any] interface {
	// Get returns the value and true if the key is present and live.
	Get(key string) (V, bool)

	// Set stores value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes key. Returns true if it existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all live keys.
	Keys() []string

	// Stats returns the cache statistics.
	Stats() *Statistics

	// Close releases background resources.
	Close() error
}

// TTLCache is a Cache whose entries may carry individual lifetimes.
type TTLCache[V any] interface {
	Cache[V]

	// SetWithTTL stores value for ttl. A non-positive ttl uses the cache default.
	SetWithTTL(key string, value V, ttl time.Duration) (bool, error)

	// ExpiresAt returns the expiry of a live entry.
	ExpiresAt(key string) (time.Time, bool)
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

func wrapMetricsErr(err error, constructor string) error {
	return errors.WrapTransient(err, "cache", constructor, "metrics registration")
}
