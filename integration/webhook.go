package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carbonfay/DBCV-sub000/errors"
)

const webhookSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "pattern": "^https?://"},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "number", "minimum": 0, "maximum": 120}
  },
  "additionalProperties": false
}`

// maxWebhookBody caps how much of a response is read.
const maxWebhookBody = 4 << 20

// Webhook sends the configured JSON body to a URL and returns the status
// code and decoded response.
type Webhook struct {
	client *http.Client
}

// NewWebhook creates the plugin. client may be nil.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{client: client}
}

func (w *Webhook) ID() string      { return "webhook" }
func (w *Webhook) Version() string { return "1.0.0" }
func (w *Webhook) Schema() []byte  { return []byte(webhookSchema) }

func (w *Webhook) Execute(ctx context.Context, call Call) (any, error) {
	url, _ := call.Config["url"].(string)
	method, _ := call.Config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	timeout := 30 * time.Second
	if secs, ok := call.Config["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if b, ok := call.Config["body"]; ok && b != nil && method != http.MethodGet {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Webhook", "Execute", "encode body")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Webhook", "Execute", "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if headers, ok := call.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if call.Authorize != nil {
		if err := call.Authorize(ctx, req.Header, url); err != nil {
			return nil, err
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Webhook", "Execute", "send request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return nil, errors.WrapTransient(err, "Webhook", "Execute", "read response")
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			decoded = string(raw)
		}
	}
	return map[string]any{"status": resp.StatusCode, "body": decoded}, nil
}
