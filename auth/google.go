package auth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/carbonfay/DBCV-sub000/errors"
)

// Google strategies.
const (
	StrategyServiceAccount = "service_account"
	StrategyOAuth          = "oauth"
)

// GoogleTokenURL is Google's OAuth 2.0 token endpoint.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// Google mints tokens for Google APIs, either by exchanging a signed JWT for
// a service account or through a user refresh token.
type Google struct {
	client *http.Client
}

// NewGoogle creates the provider. client may be nil.
func NewGoogle(client *http.Client) *Google {
	return &Google{client: client}
}

func (g *Google) Name() string { return "google" }

func (g *Google) Hosts() []string { return []string{"googleapis.com"} }

func (g *Google) DefaultStrategy() string { return StrategyServiceAccount }

// serviceAccountKey is the subset of a Google service account JSON key.
type serviceAccountKey struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

func (g *Google) Ensure(ctx context.Context, req EnsureRequest) (*Token, error) {
	switch req.Strategy {
	case StrategyServiceAccount, "":
		return g.serviceAccount(ctx, req)
	case StrategyOAuth:
		var s refreshSecret
		if err := decodeSecret(req.Secret, &s, "Google"); err != nil {
			return nil, err
		}
		tokenURL := s.TokenURI
		if tokenURL == "" {
			tokenURL = GoogleTokenURL
		}
		return refresh(ctx, g.client, s, tokenURL, req.Scopes)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnsupportedStrategy, req.Strategy), "Google", "Ensure", "select strategy")
	}
}

func (g *Google) serviceAccount(ctx context.Context, req EnsureRequest) (*Token, error) {
	var key serviceAccountKey
	if err := decodeSecret(req.Secret, &key, "Google"); err != nil {
		return nil, err
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, errors.WrapInvalid(errors.ErrCredentialUndecodable, "Google", "Ensure", "service account key incomplete")
	}
	tokenURL := key.TokenURI
	if tokenURL == "" {
		tokenURL = GoogleTokenURL
	}

	cfg := &jwt.Config{
		Email:        key.ClientEmail,
		PrivateKey:   []byte(key.PrivateKey),
		PrivateKeyID: key.PrivateKeyID,
		Scopes:       req.Scopes,
		TokenURL:     tokenURL,
		// Profile names the user to impersonate under domain-wide delegation.
		Subject: req.Profile,
	}
	if g.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	}
	t, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return nil, errors.WrapTransient(err, "Google", "Ensure", "jwt exchange")
	}
	return fromOAuth2(t), nil
}

func (g *Google) ApplyHeaders(h http.Header, tok *Token) { bearer(h, tok) }
