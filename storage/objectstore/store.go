package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/pkg/cache"
)

// Bucket is the subset of jetstream.ObjectStore the store uses.
type Bucket interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// Opener opens (or creates) a named bucket. natsclient.Client implements it.
type Opener interface {
	ObjectStore(ctx context.Context, bucket string) (jetstream.ObjectStore, error)
}

// Store implements storage.BlobStore over a JetStream object store bucket.
type Store struct {
	bucket  Bucket
	cfg     Config
	cache   cache.Cache[[]byte]
	metrics *storeMetrics
	logger  *slog.Logger
}

// Open opens cfg.Bucket through opener and wraps it.
func Open(ctx context.Context, opener Opener, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultConfig().Bucket
	}
	bucket, err := opener.ObjectStore(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Open", "open bucket "+cfg.Bucket)
	}
	return New(bucket, cfg, registry, logger)
}

// New wraps an already opened bucket.
func New(bucket Bucket, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	m, err := newStoreMetrics(registry, cfg.Bucket)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "New", "register metrics")
	}

	s := &Store{
		bucket:  bucket,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "objectstore", "bucket", cfg.Bucket),
	}
	if cfg.CacheSize > 0 {
		c, err := cache.NewLRU[[]byte](cfg.CacheSize, cache.WithMetrics[[]byte](registry, "objectstore_"+cfg.Bucket))
		if err != nil {
			return nil, errors.WrapFatal(err, "Store", "New", "create cache")
		}
		s.cache = c
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *Store) cacheable(data []byte) bool {
	return s.cache != nil && (s.cfg.MaxCachedBytes <= 0 || len(data) <= s.cfg.MaxCachedBytes)
}

// Upload stores data under key with its content type header.
func (s *Store) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	meta := jetstream.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{"Content-Type": []string{contentType}}
	}
	_, err := s.bucket.Put(ctx, meta, bytes.NewReader(data))
	s.metrics.observe("put", start, err)
	if err != nil {
		return errors.WrapTransient(err, "Store", "Upload", "put "+key)
	}
	s.metrics.transferred("in", len(data))

	if s.cacheable(data) {
		_, _ = s.cache.Set(key, data)
	} else if s.cache != nil {
		_, _ = s.cache.Delete(key)
	}
	return nil
}

// GetBytes returns the object stored under key.
func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			return data, nil
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	data, err := s.bucket.GetBytes(ctx, key)
	s.metrics.observe("get", start, err)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("object %q: %w", key, errors.ErrKeyNotFound)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetBytes", "get "+key)
	}
	s.metrics.transferred("out", len(data))

	if s.cacheable(data) {
		_, _ = s.cache.Set(key, data)
	}
	return data, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.cache != nil {
		_, _ = s.cache.Delete(key)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.bucket.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		err = nil
	}
	s.metrics.observe("delete", start, err)
	if err != nil {
		return errors.WrapTransient(err, "Store", "Delete", "delete "+key)
	}
	return nil
}
