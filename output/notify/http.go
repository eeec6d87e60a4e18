package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
)

// HTTPConfig configures HTTPSink.
type HTTPConfig struct {
	URL        string            `json:"url" yaml:"url"`
	Timeout    time.Duration     `json:"timeout" yaml:"timeout"`
	RetryCount int               `json:"retry_count" yaml:"retry_count"`
	Headers    map[string]string `json:"headers" yaml:"headers"`
}

// Validate checks the configuration.
func (c HTTPConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "HTTPConfig", "Validate", "check url")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(fmt.Errorf("retry_count %d out of range 0-10", c.RetryCount), "HTTPConfig", "Validate", "check retry count")
	}
	return nil
}

// HTTPSink posts events to a webhook.
type HTTPSink struct {
	cfg     HTTPConfig
	client  *http.Client
	metrics *metric.Metrics
	logger  *slog.Logger

	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
}

// NewHTTPSink creates a webhook sink. Timeout defaults to 5s.
func NewHTTPSink(cfg HTTPConfig, metrics *metric.Metrics, logger *slog.Logger) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		logger:  logger.With("component", "notify-http"),
	}
}

// Notify posts payload, retrying with a quadratic backoff.
func (h *HTTPSink) Notify(ctx context.Context, channelID string, payload any) error {
	data, err := Encode(channelID, payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= h.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			h.retried.Add(1)
			timer := time.NewTimer(time.Duration(attempt*attempt) * 100 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				h.failed.Add(1)
				return errors.WrapTransient(ctx.Err(), "HTTPSink", "Notify", "wait for retry")
			case <-timer.C:
			}
		}
		if lastErr = h.post(ctx, data); lastErr == nil {
			h.sent.Add(1)
			return nil
		}
		h.logger.Debug("Webhook delivery failed", "channel", channelID, "attempt", attempt+1, "error", lastErr)
	}

	h.failed.Add(1)
	h.metrics.RecordError("notify", errors.Classify(lastErr).String())
	return errors.WrapTransient(lastErr, "HTTPSink", "Notify", "post event")
}

func (h *HTTPSink) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Stats returns the sent, retried and failed counts.
func (h *HTTPSink) Stats() (sent, retried, failed int64) {
	return h.sent.Load(), h.retried.Load(), h.failed.Load()
}
