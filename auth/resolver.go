package auth

import (
	"context"
	"fmt"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/types"
)

// CredentialSource reads credential records. datamanager.Manager
// implements it with caching.
type CredentialSource interface {
	Credentials(ctx context.Context, botID, provider string) ([]*types.Credential, error)
	Credential(ctx context.Context, id string) (*types.Credential, error)
}

// Resolver picks the credential a bot uses for a provider.
type Resolver struct {
	source CredentialSource
}

// NewResolver creates a resolver over source.
func NewResolver(source CredentialSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns, in order: the credential with credentialID; the single
// default for (bot, provider, strategy); the sole credential for (bot,
// provider) whatever its strategy. Anything else fails with
// ErrNoCredentials. When strategy is empty every default qualifies.
func (r *Resolver) Resolve(ctx context.Context, botID, provider, strategy, credentialID string) (*types.Credential, error) {
	if credentialID != "" {
		c, err := r.source.Credential(ctx, credentialID)
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil, fmt.Errorf("credential %s: %w", credentialID, errors.ErrNoCredentials)
		}
		if err != nil {
			return nil, err
		}
		if c.BotID != botID || c.Provider != provider {
			return nil, fmt.Errorf("credential %s does not belong to bot %s provider %s: %w",
				credentialID, botID, provider, errors.ErrNoCredentials)
		}
		return c, nil
	}

	all, err := r.source.Credentials(ctx, botID, provider)
	if err != nil {
		return nil, err
	}

	var defaults []*types.Credential
	for _, c := range all {
		if c.IsDefault && (strategy == "" || c.Strategy == strategy) {
			defaults = append(defaults, c)
		}
	}

	switch {
	case len(defaults) == 1:
		return defaults[0], nil
	case len(defaults) > 1:
		return nil, fmt.Errorf("bot %s provider %s: %d defaults: %w", botID, provider, len(defaults), errors.ErrAmbiguousCredentials)
	case len(all) == 1:
		return all[0], nil
	case len(all) == 0:
		return nil, fmt.Errorf("bot %s provider %s: %w", botID, provider, errors.ErrNoCredentials)
	default:
		return nil, fmt.Errorf("bot %s provider %s: %d credentials and no default: %w: %w",
			botID, provider, len(all), errors.ErrNoCredentials, errors.ErrAmbiguousCredentials)
	}
}
