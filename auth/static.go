package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/carbonfay/DBCV-sub000/errors"
)

// StaticConfig sets how static tokens are sent. Format may contain
// "{token}"; otherwise the token is appended after a space.
type StaticConfig struct {
	Name   string   `json:"name" yaml:"name"`
	Header string   `json:"header" yaml:"header"`
	Format string   `json:"format" yaml:"format"`
	Hosts  []string `json:"hosts" yaml:"hosts"`
}

// Static serves long-lived tokens stored in the credential itself.
type Static struct {
	cfg StaticConfig
}

// NewStatic creates the provider. Defaults: name "static", header
// Authorization, format "Bearer {token}".
func NewStatic(cfg StaticConfig) *Static {
	if cfg.Name == "" {
		cfg.Name = "static"
	}
	if cfg.Header == "" {
		cfg.Header = "Authorization"
	}
	if cfg.Format == "" {
		cfg.Format = "Bearer {token}"
	}
	return &Static{cfg: cfg}
}

func (s *Static) Name() string { return s.cfg.Name }

func (s *Static) Hosts() []string { return s.cfg.Hosts }

func (s *Static) DefaultStrategy() string { return "static" }

type staticSecret struct {
	Token  string `json:"token"`
	Header string `json:"header"`
	Format string `json:"format"`
}

// Ensure reads the token from the secret. A secret that is not JSON is used
// verbatim as the token.
func (s *Static) Ensure(_ context.Context, req EnsureRequest) (*Token, error) {
	var sec staticSecret
	raw := strings.TrimSpace(string(req.Secret))
	if strings.HasPrefix(raw, "{") {
		if err := decodeSecret(req.Secret, &sec, "Static"); err != nil {
			return nil, err
		}
	} else {
		sec.Token = raw
	}
	if sec.Token == "" {
		return nil, errors.WrapInvalid(errors.ErrCredentialUndecodable, "Static", "Ensure", "token missing")
	}
	return &Token{AccessToken: sec.Token, Header: sec.Header, Format: sec.Format}, nil
}

func (s *Static) ApplyHeaders(h http.Header, tok *Token) {
	if tok == nil {
		return
	}
	header := tok.Header
	if header == "" {
		header = s.cfg.Header
	}
	format := tok.Format
	if format == "" {
		format = s.cfg.Format
	}
	value := tok.AccessToken
	switch {
	case strings.Contains(format, "{token}"):
		value = strings.ReplaceAll(format, "{token}", tok.AccessToken)
	case format != "":
		value = format + " " + tok.AccessToken
	}
	h.Set(header, value)
}
