package stream

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/carbonfay/DBCV-sub000/errors"
)

// Config describes one consumer.
type Config struct {
	Stream   string `json:"stream" yaml:"stream"`
	Group    string `json:"group" yaml:"group"`
	Consumer string `json:"consumer,omitempty" yaml:"consumer,omitempty"`

	// BatchSize is the XREADGROUP COUNT.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Block is the XREADGROUP BLOCK timeout. Negative means do not block.
	Block time.Duration `json:"block" yaml:"block"`

	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// ClaimInterval is how often pending entries are scanned.
	ClaimInterval time.Duration `json:"claim_interval" yaml:"claim_interval"`
	// MinIdle is how long an entry must sit unacknowledged before it is
	// reclaimed.
	MinIdle time.Duration `json:"min_idle" yaml:"min_idle"`
	// ClaimBatch bounds entries inspected per scan.
	ClaimBatch int64 `json:"claim_batch" yaml:"claim_batch"`

	// MaxLen caps the stream length on publish, approximately. Zero keeps
	// everything.
	MaxLen int64 `json:"max_len,omitempty" yaml:"max_len,omitempty"`
}

// DefaultConfig returns the defaults for stream and group.
func DefaultConfig(stream, group string) Config {
	return Config{
		Stream:        stream,
		Group:         group,
		BatchSize:     10,
		Block:         2 * time.Second,
		Workers:       8,
		QueueSize:     64,
		ClaimInterval: 30 * time.Second,
		MinIdle:       time.Minute,
		ClaimBatch:    100,
	}
}

// withDefaults fills zero fields and generates a consumer name.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Stream, c.Group)
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Block == 0 {
		c.Block = d.Block
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = d.ClaimInterval
	}
	if c.MinIdle <= 0 {
		c.MinIdle = d.MinIdle
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.Consumer == "" {
		c.Consumer = ConsumerName()
	}
	return c
}

// Validate checks the fields that have no default.
func (c Config) Validate() error {
	if c.Stream == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: stream name", errors.ErrMissingConfig), "Config", "Validate", "check stream")
	}
	if c.Group == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: group name", errors.ErrMissingConfig), "Config", "Validate", "check group")
	}
	return nil
}

// ConsumerName returns a name unique to this process: the hostname plus a
// random suffix.
func ConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dbcv"
	}
	return host + "-" + uuid.NewString()[:8]
}
