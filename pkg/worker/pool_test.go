package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfay/DBCV-sub000/metric"
)

func TestPool_ProcessesAllSubmitted(t *testing.T) {
	var sum atomic.Int64
	pool := NewPool(4, 8, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	for i := 1; i <= 100; i++ {
		require.NoError(t, pool.Submit(ctx, i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(5050), sum.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Processed)
}

func TestPool_BoundedParallelism(t *testing.T) {
	var inFlight, peak atomic.Int64
	pool := NewPool(3, 10, func(_ context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	for i := 0; i < 30; i++ {
		require.NoError(t, pool.Submit(ctx, i))
	}
	require.NoError(t, pool.Stop(2*time.Second))

	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestPool_TrySubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.TrySubmit(1))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.TrySubmit(2))
	assert.ErrorIs(t, pool.TrySubmit(3), ErrQueueFull)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	require.NoError(t, pool.Submit(context.Background(), 1))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, 3), context.DeadlineExceeded)
}

func TestPool_RecoversPanics(t *testing.T) {
	var mu sync.Mutex
	var recovered []any
	pool := NewPool(1, 4, func(_ context.Context, n int) error {
		if n == 2 {
			panic("boom")
		}
		return nil
	}, WithPanicHandler[int](func(_ int, r any) {
		mu.Lock()
		recovered = append(recovered, r)
		mu.Unlock()
	}))

	require.NoError(t, pool.Start(context.Background()))
	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, []any{"boom"}, recovered)
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return errors.New("x") },
		WithMetricsRegistry[int](metric.NewMetricsRegistry(), "test"))

	assert.ErrorIs(t, pool.Submit(context.Background(), 1), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(context.Background(), 1), ErrPoolStopped)

	assert.Panics(t, func() { NewPool[int](1, 1, nil) })
}
