package objectstore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/storage"
)

var _ storage.BlobStore = (*Store)(nil)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]string
	gets    int
	fail    error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, headers: map[string]string{}}
}

func (b *fakeBucket) Put(_ context.Context, meta jetstream.ObjectMeta, r io.Reader) (*jetstream.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b.objects[meta.Name] = data
	b.headers[meta.Name] = meta.Headers.Get("Content-Type")
	return &jetstream.ObjectInfo{ObjectMeta: meta, Size: uint64(len(data))}, nil
}

func (b *fakeBucket) GetBytes(_ context.Context, name string, _ ...jetstream.GetObjectOpt) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	data, ok := b.objects[name]
	if !ok {
		return nil, jetstream.ErrObjectNotFound
	}
	return data, nil
}

func (b *fakeBucket) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[name]; !ok {
		return jetstream.ErrObjectNotFound
	}
	delete(b.objects, name)
	return nil
}

type fakeOpener struct {
	bucket jetstream.ObjectStore
	err    error
}

func (o fakeOpener) ObjectStore(context.Context, string) (jetstream.ObjectStore, error) {
	return o.bucket, o.err
}

func TestStore_UploadAndGet(t *testing.T) {
	bucket := newFakeBucket()
	registry := metric.NewMetricsRegistry()
	s, err := New(bucket, DefaultConfig(), registry, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "a.json", []byte(`{"x":1}`), "application/json"))
	assert.Equal(t, "application/json", bucket.headers["a.json"])

	data, err := s.GetBytes(ctx, "a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), data)
	assert.Equal(t, 0, bucket.gets, "served from cache")

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.operations.WithLabelValues("put")))
}

func TestStore_NotFound(t *testing.T) {
	s, err := New(newFakeBucket(), Config{Bucket: "b"}, nil, nil)
	require.NoError(t, err)

	_, err = s.GetBytes(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	assert.NoError(t, s.Delete(context.Background(), "missing"))
}

func TestStore_CacheBypassForLargeObjects(t *testing.T) {
	bucket := newFakeBucket()
	s, err := New(bucket, Config{Bucket: "b", CacheSize: 4, MaxCachedBytes: 2}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "big", []byte("large"), ""))
	_, err = s.GetBytes(ctx, "big")
	require.NoError(t, err)
	_, err = s.GetBytes(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, 2, bucket.gets)
}

func TestStore_DeleteDropsCache(t *testing.T) {
	bucket := newFakeBucket()
	s, err := New(bucket, Config{Bucket: "b", CacheSize: 4}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "k", []byte("v"), ""))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.GetBytes(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestStore_PutFailureIsTransient(t *testing.T) {
	bucket := newFakeBucket()
	bucket.fail = fmt.Errorf("nats: timeout")
	s, err := New(bucket, Config{Bucket: "b"}, nil, nil)
	require.NoError(t, err)

	err = s.Upload(context.Background(), "k", []byte("v"), "")
	assert.True(t, errors.IsTransient(err))
}

func TestOpen_PropagatesOpenError(t *testing.T) {
	_, err := Open(context.Background(), fakeOpener{err: fmt.Errorf("no jetstream")}, Config{}, nil, nil)
	assert.Error(t, err)
}
