package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carbonfay/DBCV-sub000/errors"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlCache stores entries with individual expiry times. Expired entries are
// invisible to readers immediately and physically removed by the sweep.
type ttlCache[V any] struct {
	mu         sync.RWMutex
	defaultTTL time.Duration
	sweepEvery time.Duration
	items      map[string]*ttlEntry[V]
	obs        observer
	evictFn    EvictCallback[V]
	now        func() time.Time

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewTTL creates a TTL cache. defaultTTL applies to Set and to SetWithTTL
// calls with a non-positive ttl. The sweep goroutine stops when ctx is done
// or Close is called.
func NewTTL[V any](ctx context.Context, defaultTTL, sweepEvery time.Duration, options ...Option[V]) (TTLCache[V], error) {
	if defaultTTL <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL",
			fmt.Sprintf("ttl must be positive, got %v", defaultTTL))
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}

	opts := applyOptions(options...)
	obs, err := newObserver(opts, "NewTTL")
	if err != nil {
		return nil, err
	}

	c := &ttlCache[V]{
		defaultTTL: defaultTTL,
		sweepEvery: sweepEvery,
		items:      make(map[string]*ttlEntry[V]),
		obs:        obs,
		evictFn:    opts.evictCallback,
		now:        opts.now,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.sweep(ctx)
	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expiresAt) {
		var zero V
		c.obs.miss()
		return zero, false
	}
	c.obs.hit()
	return entry.value, true
}

func (c *ttlCache[V]) ExpiresAt(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.items[key]
	if !ok || !c.now().Before(entry.expiresAt) {
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *ttlCache[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.obs.set(size)
	return !exists, nil
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.obs.delete(size)
		if c.evictFn != nil {
			c.evictFn(key, entry.value)
		}
	}
	return exists, nil
}

func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	old := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	c.obs.size(0)
	if c.evictFn != nil {
		for key, entry := range old {
			c.evictFn(key, entry.value)
		}
	}
	return nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if now.Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.obs.stats
}

func (c *ttlCache[V]) Close() error {
	c.once.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache sweep to stop")
	}
}

func (c *ttlCache[V]) sweep(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := c.now()
	expired := make(map[string]V)

	c.mu.Lock()
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			expired[key] = entry.value
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	c.obs.evict(len(expired), size)
	if c.evictFn != nil {
		for key, value := range expired {
			c.evictFn(key, value)
		}
	}
}
