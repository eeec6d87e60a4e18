package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/types"
)

// Deps are the Service's collaborators.
type Deps struct {
	Resolver  *Resolver
	Tokens    *TokenCache
	Decrypter Decrypter
	Metrics   *metric.Metrics
	Logger    *slog.Logger
}

// Service applies provider credentials to outbound requests.
type Service struct {
	mu        sync.RWMutex
	providers map[string]Provider

	resolver  *Resolver
	tokens    *TokenCache
	decrypter Decrypter
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NewService creates a service with the given providers registered.
func NewService(deps Deps, providers ...Provider) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dec := deps.Decrypter
	if dec == nil {
		dec = Plaintext{}
	}
	s := &Service{
		providers: make(map[string]Provider),
		resolver:  deps.Resolver,
		tokens:    deps.Tokens,
		decrypter: dec,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "auth"),
	}
	for _, p := range providers {
		s.Register(p)
	}
	return s
}

// Register adds or replaces a provider under its name.
func (s *Service) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
}

// Provider returns a registered provider.
func (s *Service) Provider(name string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	return p, ok
}

// Infer returns the provider whose host suffixes match targetURL. Providers
// are tried in name order; the longest matching suffix wins.
func (s *Service) Infer(targetURL string) (Provider, bool) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Hostname() == "" {
		return nil, false
	}
	host := u.Hostname()

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var best Provider
	bestLen := 0
	for _, name := range names {
		p := s.providers[name]
		for _, suffix := range p.Hosts() {
			if matchesHost(host, suffix) && len(suffix) > bestLen {
				best, bestLen = p, len(suffix)
			}
		}
	}
	return best, best != nil
}

// Apply stamps credentials for botID onto headers. With no override and no
// provider matching targetURL it does nothing. An override naming an
// unregistered provider fails with ErrUnknownProvider.
func (s *Service) Apply(ctx context.Context, botID string, headers http.Header, targetURL string, override *types.AuthOverride) error {
	if override == nil {
		override = &types.AuthOverride{}
	}

	var provider Provider
	if override.Provider != "" {
		p, ok := s.Provider(override.Provider)
		if !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownProvider, override.Provider), "Service", "Apply", "select provider")
		}
		provider = p
	} else {
		p, ok := s.Infer(targetURL)
		if !ok {
			return nil
		}
		provider = p
	}

	cred, err := s.resolver.Resolve(ctx, botID, provider.Name(), override.Strategy, override.CredentialID)
	if err != nil {
		if errors.IsInvalid(err) {
			return errors.WrapInvalid(err, "Service", "Apply", "resolve credential")
		}
		return errors.WrapTransient(err, "Service", "Apply", "resolve credential")
	}

	strategy := override.Strategy
	if strategy == "" {
		strategy = cred.Strategy
	}
	if strategy == "" {
		strategy = provider.DefaultStrategy()
	}
	scopes := override.Scopes
	if len(scopes) == 0 {
		scopes = cred.Scopes
	}
	scopes = NormalizeScopes(scopes)

	key := CacheKey{
		BotID:    botID,
		Provider: provider.Name(),
		Profile:  override.Profile,
		Strategy: strategy,
		Scopes:   scopes,
	}

	tok, err := s.tokens.GetOrRefresh(ctx, key, func(ctx context.Context) (*Token, error) {
		secret, err := s.decrypter.Open(cred.Payload)
		if err != nil {
			s.recordRefresh(provider.Name(), "undecodable")
			return nil, errors.WrapInvalid(err, "Service", "Apply", "decrypt credential "+cred.ID)
		}
		tok, err := provider.Ensure(ctx, EnsureRequest{
			BotID:      botID,
			Credential: cred,
			Secret:     secret,
			Strategy:   strategy,
			Profile:    override.Profile,
			Scopes:     scopes,
		})
		if err != nil {
			s.recordRefresh(provider.Name(), "error")
			return nil, err
		}
		s.recordRefresh(provider.Name(), "ok")
		s.logger.Debug("Token refreshed", "bot", botID, "provider", provider.Name(), "strategy", strategy, "expires_at", tok.ExpiresAt)
		return tok, nil
	})
	if err != nil {
		return err
	}

	provider.ApplyHeaders(headers, tok)
	return nil
}

func (s *Service) recordRefresh(provider, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.TokenRefreshes.WithLabelValues(provider, status).Inc()
}
