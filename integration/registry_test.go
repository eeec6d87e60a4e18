package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfay/DBCV-sub000/errors"
)

type stubPlugin struct {
	id, version string
	schema      string
	run         func(context.Context, Call) (any, error)
}

func (p *stubPlugin) ID() string      { return p.id }
func (p *stubPlugin) Version() string { return p.version }
func (p *stubPlugin) Schema() []byte {
	if p.schema == "" {
		return nil
	}
	return []byte(p.schema)
}
func (p *stubPlugin) Execute(ctx context.Context, call Call) (any, error) {
	if p.run != nil {
		return p.run(ctx, call)
	}
	return map[string]any{"version": p.version}, nil
}

func TestRegistry_VersionSelection(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&stubPlugin{id: "crm", version: "1.2.0"}))
	require.NoError(t, r.Register(&stubPlugin{id: "crm", version: "v1.10.0"}))
	require.NoError(t, r.Register(&stubPlugin{id: "crm", version: "1.9.3"}))

	assert.Equal(t, []string{"v1.10.0", "v1.9.3", "v1.2.0"}, r.Versions("crm"))

	p, err := r.Lookup("crm", "")
	require.NoError(t, err)
	assert.Equal(t, "v1.10.0", p.Version())

	p, err = r.Lookup("crm", "latest")
	require.NoError(t, err)
	assert.Equal(t, "v1.10.0", p.Version())

	p, err = r.Lookup("crm", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", p.Version())

	_, err = r.Lookup("crm", "2.0.0")
	assert.ErrorIs(t, err, errors.ErrUnknownIntegration)
	_, err = r.Lookup("erp", "")
	assert.ErrorIs(t, err, errors.ErrUnknownIntegration)
}

func TestRegistry_RegisterRejects(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&stubPlugin{id: "crm", version: "1.0.0"}))

	assert.Error(t, r.Register(&stubPlugin{id: "crm", version: "v1.0.0"}), "duplicate")
	assert.Error(t, r.Register(&stubPlugin{id: "crm", version: "latest"}), "not semver")
	assert.Error(t, r.Register(&stubPlugin{id: "", version: "1.0.0"}), "empty id")
	assert.Error(t, r.Register(&stubPlugin{id: "bad", version: "1.0.0", schema: `{"type": 12}`}), "bad schema")
}

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&stubPlugin{
		id: "sum", version: "1.0.0",
		schema: `{"type":"object","required":["a","b"],"properties":{"a":{"type":"number"},"b":{"type":"number"}}}`,
		run: func(_ context.Context, call Call) (any, error) {
			return call.Config["a"].(float64) + call.Config["b"].(float64), nil
		},
	}))
	require.NoError(t, r.Register(&stubPlugin{
		id: "boom", version: "1.0.0",
		run: func(context.Context, Call) (any, error) { panic("kaboom") },
	}))
	type row struct {
		Name string `json:"name"`
	}
	require.NoError(t, r.Register(&stubPlugin{
		id: "typed", version: "1.0.0",
		run: func(context.Context, Call) (any, error) { return []row{{Name: "x"}}, nil },
	}))
	ctx := context.Background()

	env := r.Invoke(ctx, "sum", "", Call{Config: map[string]any{"a": 1.0, "b": 2.0}})
	assert.Equal(t, Envelope{OK: true, Result: 3.0}, env)
	assert.Equal(t, map[string]any{"ok": true, "result": 3.0}, env.Map())

	env = r.Invoke(ctx, "sum", "", Call{Config: map[string]any{"a": "one"}})
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "b")
	assert.Equal(t, false, env.Map()["ok"])

	env = r.Invoke(ctx, "boom", "", Call{})
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "kaboom")

	env = r.Invoke(ctx, "missing", "", Call{})
	assert.False(t, env.OK)

	env = r.Invoke(ctx, "typed", "", Call{})
	require.True(t, env.OK)
	assert.Equal(t, []any{map[string]any{"name": "x"}}, env.Result)
}

func TestWebhook(t *testing.T) {
	var gotAuth, gotCustom string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Source")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted": true}`))
	}))
	defer srv.Close()

	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(NewWebhook(srv.Client())))

	authorize := func(_ context.Context, h http.Header, _ string) error {
		h.Set("Authorization", "Bearer t")
		return nil
	}

	env := r.Invoke(context.Background(), "webhook", "", Call{
		Config: map[string]any{
			"url":     srv.URL + "/hook",
			"headers": map[string]any{"X-Source": "bot"},
			"body":    map[string]any{"order": "42"},
		},
		Authorize: authorize,
	})
	require.True(t, env.OK, env.Error)
	assert.Equal(t, map[string]any{"status": 200, "body": map[string]any{"accepted": true}}, env.Result)
	assert.Equal(t, "Bearer t", gotAuth)
	assert.Equal(t, "bot", gotCustom)
	assert.Equal(t, map[string]any{"order": "42"}, gotBody)

	env = r.Invoke(context.Background(), "webhook", "", Call{Config: map[string]any{"url": srv.URL + "/fail"}})
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "502")

	env = r.Invoke(context.Background(), "webhook", "", Call{Config: map[string]any{"url": "ftp://x"}})
	assert.False(t, env.OK)

	env = r.Invoke(context.Background(), "webhook", "", Call{
		Config:    map[string]any{"url": srv.URL},
		Authorize: func(context.Context, http.Header, string) error { return errors.ErrNoCredentials },
	})
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, errors.ErrNoCredentials.Error())
}
