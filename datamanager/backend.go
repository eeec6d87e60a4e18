package datamanager

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/pkg/cache"
)

// Backend holds encoded cache entries.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// MemoryBackend keeps entries in a process-local TTL cache.
type MemoryBackend struct {
	entries cache.TTLCache[[]byte]
}

// NewMemoryBackend creates an in-process backend. defaultTTL applies when
// Set is given a zero ttl.
func NewMemoryBackend(ctx context.Context, defaultTTL time.Duration, opts ...cache.Option[[]byte]) (*MemoryBackend, error) {
	sweep := defaultTTL / 2
	if sweep <= 0 {
		sweep = time.Minute
	}
	c, err := cache.NewTTL[[]byte](ctx, defaultTTL, sweep, opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "MemoryBackend", "NewMemoryBackend", "create cache")
	}
	return &MemoryBackend{entries: c}, nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.entries.Get(key)
	return v, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.entries.SetWithTTL(key, value, ttl)
	return err
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := b.entries.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	return b.entries.Close()
}

// RedisBackend stores entries as Redis strings with a PX expiry.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps client. prefix is prepended to every key.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapTransient(err, "RedisBackend", "Get", "redis get")
	}
	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.prefix+key, value, ttl).Err(); err != nil {
		return errors.WrapTransient(err, "RedisBackend", "Set", "redis set")
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}
	if err := b.client.Del(ctx, prefixed...).Err(); err != nil {
		return errors.WrapTransient(err, "RedisBackend", "Delete", "redis del")
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBackend) Close() error {
	return nil
}
