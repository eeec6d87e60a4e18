package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/types"
)

// EnsureRequest carries everything a provider needs to mint a token.
type EnsureRequest struct {
	BotID      string
	Credential *types.Credential
	// Secret is the decrypted credential payload, usually JSON.
	Secret   []byte
	Strategy string
	Profile  string
	Scopes   []string
}

// Provider mints tokens for one identity provider and knows how to send
// them.
type Provider interface {
	Name() string
	// Hosts lists host suffixes that select this provider when a request
	// carries no explicit override.
	Hosts() []string
	// DefaultStrategy is used when neither the request nor the credential
	// names one.
	DefaultStrategy() string
	Ensure(ctx context.Context, req EnsureRequest) (*Token, error)
	ApplyHeaders(h http.Header, tok *Token)
}

// matchesHost reports whether host equals suffix or is a subdomain of it.
func matchesHost(host, suffix string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	suffix = strings.ToLower(strings.TrimPrefix(suffix, "."))
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

func bearer(h http.Header, tok *Token) {
	if tok == nil {
		return
	}
	typ := tok.TokenType
	if typ == "" || strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	h.Set("Authorization", typ+" "+tok.AccessToken)
}

func fromOAuth2(t *oauth2.Token) *Token {
	return &Token{AccessToken: t.AccessToken, TokenType: t.TokenType, ExpiresAt: t.Expiry}
}

func decodeSecret(secret []byte, into any, component string) error {
	if err := json.Unmarshal(secret, into); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrCredentialUndecodable, err), component, "Ensure", "decode secret")
	}
	return nil
}

// refreshSecret is the payload of refresh-token credentials.
type refreshSecret struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	TokenURI     string `json:"token_uri"`
}

// refresh runs the refresh-token grant against tokenURL.
func refresh(ctx context.Context, client *http.Client, s refreshSecret, tokenURL string, scopes []string) (*Token, error) {
	if s.RefreshToken == "" {
		return nil, errors.WrapInvalid(errors.ErrCredentialUndecodable, "OAuth", "Ensure", "refresh token missing")
	}
	cfg := oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       scopes,
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	t, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: s.RefreshToken, Expiry: time.Unix(1, 0)}).Token()
	if err != nil {
		return nil, errors.WrapTransient(err, "OAuth", "Ensure", "refresh token grant")
	}
	return fromOAuth2(t), nil
}
