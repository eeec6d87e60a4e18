// Package datamanager is the read-through, write-through cache in front of
// the engine's source of truth. Concurrent misses on the same key collapse
// onto one loader call through a per-key lock.
package datamanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/pkg/cache"
	"github.com/carbonfay/DBCV-sub000/pkg/retry"
)

// TTLs holds the cache lifetime per entity kind. Zero values fall back to
// DefaultTTLs.
type TTLs struct {
	Bot         time.Duration `json:"bot" yaml:"bot"`
	User        time.Duration `json:"user" yaml:"user"`
	Channel     time.Duration `json:"channel" yaml:"channel"`
	Session     time.Duration `json:"session" yaml:"session"`
	Scope       time.Duration `json:"scope" yaml:"scope"`
	Subscribers time.Duration `json:"subscribers" yaml:"subscribers"`
	Credentials time.Duration `json:"credentials" yaml:"credentials"`
}

// DefaultTTLs returns the lifetimes used when none are configured.
func DefaultTTLs() TTLs {
	return TTLs{
		Bot:         10 * time.Minute,
		User:        30 * time.Minute,
		Channel:     30 * time.Minute,
		Session:     time.Hour,
		Scope:       time.Hour,
		Subscribers: 5 * time.Minute,
		Credentials: 5 * time.Minute,
	}
}

func (t TTLs) withDefaults() TTLs {
	d := DefaultTTLs()
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	return TTLs{
		Bot:         pick(t.Bot, d.Bot),
		User:        pick(t.User, d.User),
		Channel:     pick(t.Channel, d.Channel),
		Session:     pick(t.Session, d.Session),
		Scope:       pick(t.Scope, d.Scope),
		Subscribers: pick(t.Subscribers, d.Subscribers),
		Credentials: pick(t.Credentials, d.Credentials),
	}
}

// Deps are the Manager's collaborators.
type Deps struct {
	Store           Store
	Backend         Backend
	TTLs            TTLs
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// Retry applies to source-of-truth calls. Zero value uses the default
	// policy for transient errors.
	Retry *errors.RetryConfig
}

// Manager caches engine entities in front of a Store.
type Manager struct {
	store   Store
	backend Backend
	ttl     TTLs
	locks   *cache.KeyedMutex
	retry   retry.Config
	logger  *slog.Logger
	lookups *prometheus.CounterVec
}

// New creates a Manager.
func New(deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Manager", "New", "store required")
	}
	if deps.Backend == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Manager", "New", "backend required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rc := errors.DefaultRetryConfig()
	if deps.Retry != nil {
		rc = *deps.Retry
	}

	m := &Manager{
		store:   deps.Store,
		backend: deps.Backend,
		ttl:     deps.TTLs.withDefaults(),
		locks:   cache.NewKeyedMutex(),
		retry:   rc.ToRetryConfig(),
		logger:  logger.With("component", "datamanager"),
	}

	if deps.MetricsRegistry != nil {
		m.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "datamanager",
			Name:      "lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"})
		if err := deps.MetricsRegistry.RegisterCounterVec("datamanager", "lookups", m.lookups); err != nil {
			return nil, errors.WrapFatal(err, "Manager", "New", "register metrics")
		}
	}
	return m, nil
}

// Store returns the underlying source of truth.
func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) count(result string) {
	if m.lookups != nil {
		m.lookups.WithLabelValues(result).Inc()
	}
}

// read returns the cached value for key. Backend and decode failures are
// logged and reported as a miss.
func read[V any](ctx context.Context, m *Manager, key string) (V, bool) {
	var zero V
	raw, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		m.logger.Warn("Cache read failed", "key", key, "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		m.logger.Warn("Dropping undecodable cache entry", "key", key, "error", err)
		_ = m.backend.Delete(ctx, key)
		return zero, false
	}
	return v, true
}

func write[V any](ctx context.Context, m *Manager, key string, v V, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("Cache encode failed", "key", key, "error", err)
		return
	}
	if err := m.backend.Set(ctx, key, raw, ttl); err != nil {
		m.logger.Warn("Cache write failed", "key", key, "error", err)
	}
}

// GetOrLoad returns the cached value for key, or runs loader under the key's
// lock and caches its result for ttl. A value cached by a concurrent caller
// while waiting for the lock is returned without calling loader.
func GetOrLoad[V any](ctx context.Context, m *Manager, key string, ttl time.Duration, loader func(context.Context) (V, error)) (V, error) {
	if v, ok := read[V](ctx, m, key); ok {
		m.count("hit")
		return v, nil
	}

	var zero V
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return zero, errors.WrapTransient(err, "Manager", "GetOrLoad", "lock "+key)
	}
	defer unlock()

	if v, ok := read[V](ctx, m, key); ok {
		m.count("hit")
		return v, nil
	}

	m.count("miss")
	v, err := retry.DoWithResult(ctx, m.retry, func() (V, error) {
		return loader(ctx)
	})
	if err != nil {
		m.count("load_error")
		return zero, err
	}
	write(ctx, m, key, v, ttl)
	return v, nil
}

// Update runs writer against the source of truth under the key's lock and
// caches its return value for ttl.
func Update[V any](ctx context.Context, m *Manager, key string, ttl time.Duration, writer func(context.Context) (V, error)) (V, error) {
	var zero V
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return zero, errors.WrapTransient(err, "Manager", "Update", "lock "+key)
	}
	defer unlock()

	v, err := writer(ctx)
	if err != nil {
		// The source may have changed partially; drop the cached copy.
		_ = m.backend.Delete(ctx, key)
		return zero, err
	}
	write(ctx, m, key, v, ttl)
	return v, nil
}

// Invalidate removes keys from the cache.
func (m *Manager) Invalidate(ctx context.Context, keys ...string) error {
	return m.backend.Delete(ctx, keys...)
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
