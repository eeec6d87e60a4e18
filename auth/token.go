// Package auth stamps provider credentials onto outbound HTTP requests.
//
// A Service picks a provider for the target URL (or an explicit override),
// resolves the bot's credential for it, and asks the provider for a token.
// Tokens are memoized in a TokenCache until they come within a safety margin
// of expiry.
package auth

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/pkg/cache"
)

// Token is an access token issued by a provider. A zero ExpiresAt never
// expires.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Header and Format let static credentials choose how they are sent.
	Header string `json:"header,omitempty"`
	Format string `json:"format,omitempty"`
}

// CacheKey identifies one memoized token.
type CacheKey struct {
	BotID    string
	Provider string
	Profile  string
	Strategy string
	Scopes   []string
}

// String renders the key with scopes trimmed, de-duplicated and sorted, so
// equivalent scope sets share an entry.
func (k CacheKey) String() string {
	return strings.Join([]string{k.BotID, k.Provider, k.Profile, k.Strategy, strings.Join(NormalizeScopes(k.Scopes), " ")}, "|")
}

// NormalizeScopes trims, de-duplicates and sorts scopes.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DefaultSafetyMargin is how long before expiry a token stops being served.
const DefaultSafetyMargin = 60 * time.Second

// TokenCache memoizes tokens per CacheKey.
type TokenCache struct {
	entries cache.TTLCache[*Token]
	locks   *cache.KeyedMutex
	margin  time.Duration
	now     func() time.Time
}

// TokenCacheOption configures a TokenCache.
type TokenCacheOption func(*tokenCacheOptions)

type tokenCacheOptions struct {
	margin time.Duration
	now    func() time.Time
	opts   []cache.Option[*Token]
}

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) TokenCacheOption {
	return func(o *tokenCacheOptions) {
		if d >= 0 {
			o.margin = d
		}
	}
}

// WithTokenClock sets the time source.
func WithTokenClock(now func() time.Time) TokenCacheOption {
	return func(o *tokenCacheOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTokenCacheOptions passes options to the underlying TTL cache.
func WithTokenCacheOptions(opts ...cache.Option[*Token]) TokenCacheOption {
	return func(o *tokenCacheOptions) {
		o.opts = append(o.opts, opts...)
	}
}

// NewTokenCache creates a token cache whose sweeper stops with ctx.
func NewTokenCache(ctx context.Context, opts ...TokenCacheOption) (*TokenCache, error) {
	o := &tokenCacheOptions{margin: DefaultSafetyMargin, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	cacheOpts := append([]cache.Option[*Token]{cache.WithClock[*Token](o.now)}, o.opts...)
	entries, err := cache.NewTTL[*Token](ctx, 24*time.Hour, time.Minute, cacheOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "TokenCache", "NewTokenCache", "create cache")
	}
	return &TokenCache{
		entries: entries,
		locks:   cache.NewKeyedMutex(),
		margin:  o.margin,
		now:     o.now,
	}, nil
}

// Get returns the cached token for key, or nil when there is none or it
// expires within the safety margin. Tokens inside the margin are evicted.
func (c *TokenCache) Get(key CacheKey) *Token {
	k := key.String()
	tok, ok := c.entries.Get(k)
	if !ok || tok == nil {
		return nil
	}
	if c.usable(tok) {
		return tok
	}
	_, _ = c.entries.Delete(k)
	return nil
}

func (c *TokenCache) usable(tok *Token) bool {
	if tok.ExpiresAt.IsZero() {
		return true
	}
	return tok.ExpiresAt.Sub(c.now()) > c.margin
}

// Put stores tok until its expiry.
func (c *TokenCache) Put(key CacheKey, tok *Token) {
	if tok == nil {
		return
	}
	ttl := time.Duration(0)
	if !tok.ExpiresAt.IsZero() {
		ttl = tok.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			return
		}
	}
	_, _ = c.entries.SetWithTTL(key.String(), tok, ttl)
}

// Invalidate drops the token for key.
func (c *TokenCache) Invalidate(key CacheKey) {
	_, _ = c.entries.Delete(key.String())
}

// GetOrRefresh returns a usable cached token or calls refresh once per key,
// even under concurrent callers, and caches the result.
func (c *TokenCache) GetOrRefresh(ctx context.Context, key CacheKey, refresh func(context.Context) (*Token, error)) (*Token, error) {
	if tok := c.Get(key); tok != nil {
		return tok, nil
	}

	unlock, err := c.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if tok := c.Get(key); tok != nil {
		return tok, nil
	}
	tok, err := refresh(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(key, tok)
	return tok, nil
}

// Close stops the sweeper.
func (c *TokenCache) Close() error {
	return c.entries.Close()
}
