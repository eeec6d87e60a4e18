package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/carbonfay/DBCV-sub000/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestTTLCache_PerEntryExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewTTL[string](ctx, time.Minute, time.Hour, WithClock[string](clock.Now))
	if err != nil {
		t.Fatalf("NewTTL: %v", err)
	}
	defer c.Close()

	if _, err := c.SetWithTTL("bot:1", "short", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Set("bot:2", "default"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(6 * time.Second)

	if _, ok := c.Get("bot:1"); ok {
		t.Error("expected bot:1 to be expired")
	}
	if v, ok := c.Get("bot:2"); !ok || v != "default" {
		t.Errorf("expected bot:2 to be live, got %q %v", v, ok)
	}

	exp, ok := c.ExpiresAt("bot:2")
	if !ok || !exp.Equal(time.Unix(1_700_000_000, 0).Add(time.Minute)) {
		t.Errorf("unexpected expiry %v %v", exp, ok)
	}
}

func TestTTLCache_SweepCallsEviction(t *testing.T) {
	var evicted atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewTTL[int](ctx, 10*time.Millisecond, 5*time.Millisecond,
		WithEvictionCallback[int](func(string, int) { evicted.Add(1) }))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)

	deadline := time.Now().Add(time.Second)
	for c.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Size() != 0 {
		t.Fatalf("expected sweep to empty cache, size=%d", c.Size())
	}
	if evicted.Load() != 2 {
		t.Errorf("expected 2 evictions, got %d", evicted.Load())
	}
}

func TestTTLCache_RejectsEmptyKey(t *testing.T) {
	c, err := NewTTL[int](context.Background(), time.Minute, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Set("", 1); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewLRU[int](2)
	if err != nil {
		t.Fatal(err)
	}

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Get("a")
	_, _ = c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to survive")
	}
	if got := c.Stats().Evictions(); got != 1 {
		t.Errorf("expected 1 eviction, got %d", got)
	}
}

func TestLRUCache_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	c, err := NewLRU[int](10, WithMetrics[int](reg, "rules"))
	if err != nil {
		t.Fatal(err)
	}

	_, _ = c.Set("x", 1)
	_, _ = c.Get("x")
	_, _ = c.Get("y")

	lc := c.(*lruCache[int])
	if got := testutil.ToFloat64(lc.obs.metrics.hits); got != 1 {
		t.Errorf("hits metric = %v", got)
	}
	if got := testutil.ToFloat64(lc.obs.metrics.misses); got != 1 {
		t.Errorf("misses metric = %v", got)
	}
	if r := c.Stats().HitRatio(); r != 0.5 {
		t.Errorf("hit ratio = %v", r)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "session:1")
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("expected exclusive access, saw %d holders", maxInside.Load())
	}
	if km.Len() != 1 {
		t.Errorf("expected one lock entry, got %d", km.Len())
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); err == nil {
		t.Error("expected context error while key is held")
	}

	other, err := km.Lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	other()
}
