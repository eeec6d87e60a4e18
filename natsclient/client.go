// Package natsclient manages the NATS connection used for live-viewer
// notifications and the JetStream object store holding attachments.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error values returned by the client.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client wraps a NATS connection with a connect-side circuit breaker.
type Client struct {
	url    string
	status atomic.Int32
	logger *slog.Logger
	core   *metric.Metrics

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream

	failures         atomic.Int32
	circuitThreshold int32
	backoff          time.Duration
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	clientName    string
	token         string
	username      string
	password      string

	closed atomic.Bool
}

// NewClient creates a client for url. Connect must be called before use.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url")
	}

	c := &Client{
		url:              url,
		logger:           slog.Default(),
		circuitThreshold: 5,
		backoff:          time.Second,
		maxBackoff:       time.Minute,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
		clientName:       "dbcv",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "natsclient")
	return c, nil
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	c.core.SetNATSConnected(s == StatusConnected)
}

// IsHealthy reports whether the connection is established.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the consecutive connect failures.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

func (c *Client) recordFailure() {
	if c.failures.Add(1) < c.circuitThreshold {
		return
	}
	c.mu.Lock()
	wait := c.backoff
	c.backoff = min(c.backoff*2, c.maxBackoff)
	c.mu.Unlock()

	c.setStatus(StatusCircuitOpen)
	c.logger.Warn("circuit breaker opened", "failures", c.failures.Load(), "backoff", wait)
	time.AfterFunc(wait, func() {
		if c.Status() == StatusCircuitOpen {
			c.failures.Store(0)
			c.setStatus(StatusDisconnected)
		}
	})
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			c.logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			c.setStatus(StatusConnected)
			c.logger.Info("reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.setStatus(StatusDisconnected)
		}),
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	return opts
}

// Connect dials the server. Repeated failures open the circuit, after which
// Connect fails fast with ErrCircuitOpen until the backoff elapses.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.options()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.setStatus(StatusDisconnected)
			c.recordFailure()
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		js, err := jetstream.New(r.conn)
		if err != nil {
			r.conn.Close()
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "jetstream context")
		}
		c.mu.Lock()
		c.conn, c.js = r.conn, js
		c.backoff = time.Second
		c.mu.Unlock()
	case <-ctx.Done():
		c.setStatus(StatusDisconnected)
		c.recordFailure()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.failures.Store(0)
	c.setStatus(StatusConnected)
	c.logger.Info("connected", "url", c.url)
	return nil
}

// WaitForConnection blocks until the client is connected or ctx is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Publish sends data on subject over core NATS.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// ObjectStore opens bucket, creating it when it does not exist.
func (c *Client) ObjectStore(ctx context.Context, bucket string) (jetstream.ObjectStore, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return nil, ErrNotConnected
	}

	store, err := js.ObjectStore(ctx, bucket)
	if err == nil {
		return store, nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapTransient(err, "Client", "ObjectStore", "open bucket")
	}

	store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "ObjectStore", "create bucket")
	}
	return store, nil
}

// Ping checks the connection round trip, for health probes.
func (c *Client) Ping(_ context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.RTT()
	return err
}

// Close drains the connection. Safe to call more than once.
func (c *Client) Close(_ context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn, c.js = nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Client", "Close", "drain")
	}
	return nil
}
