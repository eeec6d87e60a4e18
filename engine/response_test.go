package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/integration"
	"github.com/carbonfay/DBCV-sub000/types"
)

type memBlobs struct {
	objects map[string][]byte
}

func (b *memBlobs) Upload(_ context.Context, key string, data []byte, _ string) error {
	b.objects[key] = data
	return nil
}

func (b *memBlobs) GetBytes(_ context.Context, key string) ([]byte, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return data, nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	delete(b.objects, key)
	return nil
}

type headerAuth struct {
	mu        sync.Mutex
	calls     int
	overrides []*types.AuthOverride
	err       error
}

func (a *headerAuth) Apply(_ context.Context, botID string, headers http.Header, _ string, override *types.AuthOverride) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.overrides = append(a.overrides, override)
	if a.err != nil {
		return a.err
	}
	headers.Set("Authorization", "Bearer token-for-"+botID)
	return nil
}

func responseInput(req *types.Request, env map[string]any) Input {
	return Input{
		Bot:   &types.Bot{ID: "bot"},
		Group: &types.ConnectionGroup{ID: "g", SearchType: types.SearchResponse, Request: req},
		Env:   env,
	}
}

func TestResponseHandler_JSONRequest(t *testing.T) {
	var got struct {
		method string
		query  string
		header string
		auth   string
		body   map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.query = r.URL.RawQuery
		got.header = r.Header.Get("X-User")
		got.auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","points":5}`))
	}))
	defer srv.Close()

	auth := &headerAuth{}
	h := NewResponseHandler(srv.Client(), auth, nil, ResponseConfig{}, nil)
	env := map[string]any{"user": map[string]any{"id": "u-1", "name": "Ann"}}

	out, err := h.Handle(context.Background(), responseInput(&types.Request{
		Method:  "post",
		URL:     srv.URL + "/users/{$user.id$}",
		Params:  map[string]any{"tags": []any{"a", "b"}},
		Headers: map[string]any{"X-User": "{$user.name$}"},
		JSON:    map[string]any{"name": "{$user.name$}"},
		Auth:    &types.AuthOverride{Provider: "static"},
	}, env))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "ok", "points": float64(5)}, out)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "tags=a&tags=b", got.query)
	assert.Equal(t, "Ann", got.header)
	assert.Equal(t, "Bearer token-for-bot", got.auth)
	assert.Equal(t, map[string]any{"name": "Ann"}, got.body)
	require.Len(t, auth.overrides, 1)
	assert.Equal(t, "static", auth.overrides[0].Provider)
}

func TestResponseHandler_FormAndNonObjectBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("amount"))
		_, _ = w.Write([]byte(`[1,2]`))
	}))
	defer srv.Close()

	h := NewResponseHandler(srv.Client(), nil, nil, ResponseConfig{}, nil)
	out, err := h.Handle(context.Background(), responseInput(&types.Request{
		Method: "POST",
		URL:    srv.URL,
		Form:   map[string]any{"amount": "{$session.amount$}"},
	}, map[string]any{"session": map[string]any{"amount": float64(42)}}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": []any{float64(1), float64(2)}}, out)
}

func TestResponseHandler_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "invoice", r.FormValue("kind"))
		f, hdr, err := r.FormFile("doc")
		if assert.NoError(t, err) {
			defer f.Close()
			data, _ := io.ReadAll(f)
			assert.Equal(t, "PDFDATA", string(data))
			assert.Equal(t, "a.pdf", hdr.Filename)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	blobs := &memBlobs{objects: map[string][]byte{"files/a.pdf": []byte("PDFDATA")}}
	h := NewResponseHandler(srv.Client(), nil, blobs, ResponseConfig{}, nil)
	out, err := h.Handle(context.Background(), responseInput(&types.Request{
		Method:      "POST",
		URL:         srv.URL,
		Form:        map[string]any{"kind": "invoice"},
		Attachments: []types.AttachmentRef{{Field: "doc", Key: "{$session.file$}"}},
	}, map[string]any{"session": map[string]any{"file": "files/a.pdf"}}))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResponseHandler_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		case "/missing":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	h := NewResponseHandler(srv.Client(), nil, nil, ResponseConfig{}, nil)
	tests := []struct {
		name string
		req  *types.Request
	}{
		{"timeout", &types.Request{URL: srv.URL + "/slow", TimeoutSeconds: 0.05}},
		{"non 2xx", &types.Request{URL: srv.URL + "/missing"}},
		{"bad json", &types.Request{URL: srv.URL + "/text"}},
		{"bad scheme", &types.Request{URL: "ftp://example.com"}},
		{"attachments without store", &types.Request{URL: srv.URL, Attachments: []types.AttachmentRef{{Key: "k"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.Handle(context.Background(), responseInput(tt.req, map[string]any{}))
			assert.Error(t, err)
			assert.Equal(t, map[string]any{}, out)
		})
	}

	auth := &headerAuth{err: errors.ErrNoCredentials}
	h = NewResponseHandler(srv.Client(), auth, nil, ResponseConfig{}, nil)
	_, err := h.Handle(context.Background(), responseInput(&types.Request{URL: srv.URL}, map[string]any{}))
	assert.ErrorIs(t, err, errors.ErrNoCredentials)
}

func TestExecute_ResponseGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","points":5}`))
	}))
	defer srv.Close()

	call := func(path string, timeout float64) *types.ConnectionGroup {
		return &types.ConnectionGroup{
			ID:         path,
			SearchType: types.SearchResponse,
			Request:    &types.Request{Method: "GET", URL: srv.URL + path, TimeoutSeconds: timeout},
			Variables:  map[string]string{"user.points": "points"},
		}
	}

	t.Run("success saves variables", func(t *testing.T) {
		g := call("/score", 0)
		g.Connections = []*types.Connection{{ID: "ok", NextStepID: "B", Rules: rules(t, "status", "equal", "ok")}}
		bot := &types.Bot{ID: "bot", Snapshot: &types.Snapshot{FirstStepID: "A", Steps: map[string]*types.Step{
			"A": {ID: "A", Groups: []*types.ConnectionGroup{g}},
			"B": {ID: "B", Message: &types.Message{Text: "you have {$user.points$} points"}},
		}}}
		h := newHarness(t, []*types.Bot{bot}, func(d *Deps) {
			d.Handlers.Response = NewResponseHandler(srv.Client(), nil, nil, ResponseConfig{}, nil)
		})

		res := h.send(t, "bot", "score?")
		assert.Equal(t, "B", res.StepID)
		assert.Equal(t, []string{"you have 5 points"}, h.outbox.texts())
	})

	t.Run("timeout falls through to next group", func(t *testing.T) {
		slow := call("/slow", 0.05)
		slow.Connections = []*types.Connection{{ID: "ok", NextStepID: "B", Rules: rules(t, "status", "equal", "ok")}}
		fallback := messageGroup("fallback", 1, &types.Connection{ID: "f", NextStepID: "C"})
		bot := &types.Bot{ID: "bot", Snapshot: &types.Snapshot{FirstStepID: "A", Steps: map[string]*types.Step{
			"A": {ID: "A", Groups: []*types.ConnectionGroup{slow, fallback}},
			"B": {ID: "B"},
			"C": {ID: "C"},
		}}}
		h := newHarness(t, []*types.Bot{bot}, func(d *Deps) {
			d.Handlers.Response = NewResponseHandler(srv.Client(), nil, nil, ResponseConfig{}, nil)
		})

		res := h.send(t, "bot", "score?")
		assert.Equal(t, "C", res.StepID)

		scope, err := h.data.Scope(context.Background(), types.ScopeUser, "user")
		require.NoError(t, err)
		assert.NotContains(t, scope, "points")
	})
}

type echoPlugin struct{}

func (echoPlugin) ID() string      { return "echo" }
func (echoPlugin) Version() string { return "1.0.0" }
func (echoPlugin) Schema() []byte {
	return []byte(`{"type":"object","required":["greeting"],"properties":{"greeting":{"type":"string"}}}`)
}

func (echoPlugin) Execute(ctx context.Context, call integration.Call) (any, error) {
	headers := http.Header{}
	if call.Authorize != nil {
		if err := call.Authorize(ctx, headers, "https://api.example.com"); err != nil {
			return nil, err
		}
	}
	return map[string]any{"greeting": call.Config["greeting"], "auth": headers.Get("Authorization")}, nil
}

func TestIntegrationHandler(t *testing.T) {
	reg := integration.NewRegistry(nil, nil)
	require.NoError(t, reg.Register(echoPlugin{}))
	auth := &headerAuth{}
	h := IntegrationHandler{Registry: reg, Auth: auth}

	in := Input{
		Bot: &types.Bot{ID: "bot"},
		Group: &types.ConnectionGroup{ID: "g", SearchType: types.SearchIntegration, Integration: &types.IntegrationRef{
			ID:     "echo",
			Config: map[string]any{"greeting": "hi {$user.name$}", "auth": map[string]any{"provider": "static", "credential_id": "c1"}},
		}},
		Env: map[string]any{"user": map[string]any{"name": "Ann"}},
	}
	out, err := h.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, map[string]any{"greeting": "hi Ann", "auth": "Bearer token-for-bot"}, out["result"])
	require.Len(t, auth.overrides, 1)
	assert.Equal(t, &types.AuthOverride{Provider: "static", CredentialID: "c1"}, auth.overrides[0])

	in.Group.Integration = &types.IntegrationRef{ID: "echo", Config: map[string]any{}}
	out, err = h.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, false, out["ok"])
	assert.NotEmpty(t, out["error"])

	in.Group.Integration = nil
	out, err = h.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, false, out["ok"])
}
