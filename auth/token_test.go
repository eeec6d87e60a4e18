package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTokenCache(t *testing.T, clock *fakeClock) *TokenCache {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c, err := NewTokenCache(ctx, WithTokenClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheKey_ScopesNormalized(t *testing.T) {
	a := CacheKey{BotID: "b", Provider: "google", Strategy: "oauth", Scopes: []string{"b", "a", " a "}}
	b := CacheKey{BotID: "b", Provider: "google", Strategy: "oauth", Scopes: []string{"a", "b"}}
	assert.Equal(t, a.String(), b.String())

	c := CacheKey{BotID: "b", Provider: "google", Strategy: "service_account", Scopes: []string{"a", "b"}}
	assert.NotEqual(t, a.String(), c.String())
}

func TestTokenCache_SafetyMargin(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestTokenCache(t, clock)
	key := CacheKey{BotID: "bot", Provider: "google"}

	c.Put(key, &Token{AccessToken: "fresh", ExpiresAt: clock.Now().Add(5 * time.Minute)})
	tok := c.Get(key)
	require.NotNil(t, tok)
	assert.Equal(t, "fresh", tok.AccessToken)

	clock.Advance(4*time.Minute + 30*time.Second)
	assert.Nil(t, c.Get(key), "token 30s from expiry must not be served")

	c.Put(key, &Token{AccessToken: "short", ExpiresAt: clock.Now().Add(30 * time.Second)})
	assert.Nil(t, c.Get(key))
}

func TestTokenCache_NoExpiryUsesDefaultLifetime(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestTokenCache(t, clock)
	key := CacheKey{BotID: "bot", Provider: "static"}

	c.Put(key, &Token{AccessToken: "forever"})
	clock.Advance(48 * time.Hour)
	// The underlying TTL cache still applies its default lifetime.
	assert.Nil(t, c.Get(key))

	c.Put(key, &Token{AccessToken: "forever"})
	require.NotNil(t, c.Get(key))
	c.Invalidate(key)
	assert.Nil(t, c.Get(key))
}

func TestTokenCache_GetOrRefresh_RefreshesNearExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestTokenCache(t, clock)
	key := CacheKey{BotID: "bot", Provider: "google"}

	var calls int
	refresh := func(context.Context) (*Token, error) {
		calls++
		return &Token{AccessToken: "t", ExpiresAt: clock.Now().Add(10 * time.Minute)}, nil
	}

	_, err := c.GetOrRefresh(context.Background(), key, refresh)
	require.NoError(t, err)
	_, err = c.GetOrRefresh(context.Background(), key, refresh)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clock.Advance(9*time.Minute + 30*time.Second)
	_, err = c.GetOrRefresh(context.Background(), key, refresh)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTokenCache_ConcurrentRefreshCollapses(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestTokenCache(t, clock)
	key := CacheKey{BotID: "bot", Provider: "google", Scopes: []string{"drive"}}

	var calls atomic.Int32
	refresh := func(context.Context) (*Token, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &Token{AccessToken: "shared", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.GetOrRefresh(context.Background(), key, refresh)
			assert.NoError(t, err)
			assert.Equal(t, "shared", tok.AccessToken)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenCache_RefreshErrorNotCached(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestTokenCache(t, clock)
	key := CacheKey{BotID: "bot", Provider: "google"}

	_, err := c.GetOrRefresh(context.Background(), key, func(context.Context) (*Token, error) {
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, c.Get(key))
}
