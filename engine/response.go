package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/storage"
	"github.com/carbonfay/DBCV-sub000/types"
	"github.com/carbonfay/DBCV-sub000/variables"
)

// ResponseConfig tunes outbound calls of response groups.
type ResponseConfig struct {
	// Timeout applies when the request sets none.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MaxTimeout caps per-request timeouts.
	MaxTimeout time.Duration `json:"max_timeout" yaml:"max_timeout"`
	// RatePerHost and Burst bound calls per target host.
	RatePerHost float64 `json:"rate_per_host" yaml:"rate_per_host"`
	Burst       int     `json:"burst" yaml:"burst"`
	// MaxBodyBytes caps how much of a response is read.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// DefaultResponseConfig returns the defaults used when fields are zero.
func DefaultResponseConfig() ResponseConfig {
	return ResponseConfig{
		Timeout:      15 * time.Second,
		MaxTimeout:   60 * time.Second,
		RatePerHost:  20,
		Burst:        10,
		MaxBodyBytes: 8 << 20,
	}
}

func (c ResponseConfig) withDefaults() ResponseConfig {
	d := DefaultResponseConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.RatePerHost <= 0 {
		c.RatePerHost = d.RatePerHost
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// ResponseHandler performs the group's saved HTTP request and returns the
// decoded JSON body. Any failure yields an empty context.
type ResponseHandler struct {
	client *http.Client
	auth   Authenticator
	blobs  storage.BlobStore
	cfg    ResponseConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewResponseHandler creates the handler. auth and blobs may be nil; without
// blobs, requests with attachments fail.
func NewResponseHandler(client *http.Client, auth Authenticator, blobs storage.BlobStore, cfg ResponseConfig, logger *slog.Logger) *ResponseHandler {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseHandler{
		client:   client,
		auth:     auth,
		blobs:    blobs,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "response-handler"),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *ResponseHandler) limiter(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.cfg.RatePerHost), h.cfg.Burst)
		h.limiters[host] = l
	}
	return l
}

func (h *ResponseHandler) Handle(ctx context.Context, in Input) (map[string]any, error) {
	empty := map[string]any{}
	spec := in.Group.Request
	if spec == nil {
		return empty, errors.WrapInvalid(fmt.Errorf("group %s has no request", in.Group.ID), "ResponseHandler", "Handle", "load request")
	}

	timeout := h.cfg.Timeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds * float64(time.Second))
	}
	if timeout > h.cfg.MaxTimeout {
		timeout = h.cfg.MaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := h.build(ctx, in, spec)
	if err != nil {
		return empty, err
	}

	if h.auth != nil {
		if err := h.auth.Apply(ctx, in.Bot.ID, req.Header, req.URL.String(), spec.Auth); err != nil {
			return empty, err
		}
	}

	if err := h.limiter(req.URL.Host).Wait(ctx); err != nil {
		return empty, errors.WrapTransient(err, "ResponseHandler", "Handle", "wait for rate limit")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return empty, errors.WrapTransient(err, "ResponseHandler", "Handle", "send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		return empty, errors.WrapTransient(err, "ResponseHandler", "Handle", "read response")
	}
	h.logger.Debug("Response call completed", "bot", in.Bot.ID, "group", in.Group.ID,
		"url", req.URL.Redacted(), "status", resp.StatusCode, "bytes", len(body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return empty, fmt.Errorf("%s %s returned %d", req.Method, req.URL.Redacted(), resp.StatusCode)
	}
	return decodeBody(body)
}

// decodeBody returns a JSON object as is and wraps any other JSON value as
// {"data": value}. An empty body is an empty context.
func decodeBody(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return map[string]any{}, errors.WrapInvalid(err, "ResponseHandler", "Handle", "decode response")
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"data": v}, nil
}

func (h *ResponseHandler) build(ctx context.Context, in Input, spec *types.Request) (*http.Request, error) {
	env := in.Env
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(strings.TrimSpace(variables.SubstituteString(spec.URL, env)))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, errors.WrapInvalid(fmt.Errorf("bad request url %q", spec.URL), "ResponseHandler", "Handle", "build request")
	}
	if len(spec.Params) > 0 {
		q := target.Query()
		for k, v := range variables.SubstituteMap(spec.Params, env) {
			addValues(q, k, v)
		}
		target.RawQuery = q.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case len(spec.Attachments) > 0:
		body, contentType, err = h.multipartBody(ctx, spec, env)
		if err != nil {
			return nil, err
		}
	case spec.JSON != nil:
		raw, err := json.Marshal(variables.Substitute(spec.JSON, env))
		if err != nil {
			return nil, errors.WrapInvalid(err, "ResponseHandler", "Handle", "encode json body")
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	case len(spec.Form) > 0:
		form := url.Values{}
		for k, v := range variables.SubstituteMap(spec.Form, env) {
			addValues(form, k, v)
		}
		body, contentType = strings.NewReader(form.Encode()), "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ResponseHandler", "Handle", "build request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range variables.SubstituteMap(spec.Headers, env) {
		req.Header.Set(k, variables.Format(v))
	}
	return req, nil
}

// multipartBody sends form fields plus one file part per attachment.
func (h *ResponseHandler) multipartBody(ctx context.Context, spec *types.Request, env map[string]any) (io.Reader, string, error) {
	if h.blobs == nil {
		return nil, "", errors.WrapInvalid(fmt.Errorf("no attachment store configured"), "ResponseHandler", "Handle", "attach files")
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := variables.SubstituteMap(spec.Form, env)
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if err := w.WriteField(k, variables.Format(fields[k])); err != nil {
			return nil, "", errors.WrapInvalid(err, "ResponseHandler", "Handle", "write form field")
		}
	}

	for _, a := range spec.Attachments {
		key := variables.SubstituteString(a.Key, env)
		data, err := h.blobs.GetBytes(ctx, key)
		if err != nil {
			return nil, "", errors.WrapTransient(err, "ResponseHandler", "Handle", "load attachment "+key)
		}
		field := a.Field
		if field == "" {
			field = "file"
		}
		filename := variables.SubstituteString(a.Filename, env)
		if filename == "" {
			filename = path.Base(key)
		}
		part, err := w.CreateFormFile(field, filename)
		if err != nil {
			return nil, "", errors.WrapInvalid(err, "ResponseHandler", "Handle", "create file part")
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", errors.WrapInvalid(err, "ResponseHandler", "Handle", "write file part")
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.WrapInvalid(err, "ResponseHandler", "Handle", "close multipart body")
	}
	return &buf, w.FormDataContentType(), nil
}

func addValues(values url.Values, key string, v any) {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			values.Add(key, variables.Format(item))
		}
		return
	}
	values.Set(key, variables.Format(v))
}
