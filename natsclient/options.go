package natsclient

import (
	"log/slog"
	"time"

	"github.com/carbonfay/DBCV-sub000/metric"
)

// Option configures the Client
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics reports connection state into the core metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.core = m }
}

// WithMaxReconnects sets the reconnect limit, -1 for unlimited.
func WithMaxReconnects(n int) Option {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait sets the wait between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) { c.reconnectWait = d }
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCircuitBreaker sets the failure threshold and the first backoff.
func WithCircuitBreaker(threshold int32, backoff time.Duration) Option {
	return func(c *Client) {
		if threshold > 0 {
			c.circuitThreshold = threshold
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithToken authenticates with a token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUserInfo authenticates with username and password.
func WithUserInfo(user, password string) Option {
	return func(c *Client) { c.username, c.password = user, password }
}

// WithClientName sets the connection name shown in server monitoring.
func WithClientName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.clientName = name
		}
	}
}
