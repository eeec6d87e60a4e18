package auth

import (
	"context"
	"net/http"

	"github.com/carbonfay/DBCV-sub000/errors"
)

// OAuthConfig describes a generic refresh-token provider.
type OAuthConfig struct {
	Name     string   `json:"name" yaml:"name"`
	TokenURL string   `json:"token_url" yaml:"token_url"`
	Hosts    []string `json:"hosts" yaml:"hosts"`
}

// OAuth runs the refresh-token grant against a configured token endpoint.
// A credential's token_uri takes precedence over the configured URL.
type OAuth struct {
	cfg    OAuthConfig
	client *http.Client
}

// NewOAuth creates the provider. An empty name defaults to "oauth".
func NewOAuth(cfg OAuthConfig, client *http.Client) *OAuth {
	if cfg.Name == "" {
		cfg.Name = "oauth"
	}
	return &OAuth{cfg: cfg, client: client}
}

func (o *OAuth) Name() string { return o.cfg.Name }

func (o *OAuth) Hosts() []string { return o.cfg.Hosts }

func (o *OAuth) DefaultStrategy() string { return StrategyOAuth }

func (o *OAuth) Ensure(ctx context.Context, req EnsureRequest) (*Token, error) {
	var s refreshSecret
	if err := decodeSecret(req.Secret, &s, "OAuth"); err != nil {
		return nil, err
	}
	tokenURL := s.TokenURI
	if tokenURL == "" {
		tokenURL = o.cfg.TokenURL
	}
	if tokenURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "OAuth", "Ensure", "token url")
	}
	return refresh(ctx, o.client, s, tokenURL, req.Scopes)
}

func (o *OAuth) ApplyHeaders(h http.Header, tok *Token) { bearer(h, tok) }
