package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/carbonfay/DBCV-sub000/auth"
	"github.com/carbonfay/DBCV-sub000/datamanager"
	"github.com/carbonfay/DBCV-sub000/engine"
	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/output/notify"
	"github.com/carbonfay/DBCV-sub000/sandbox"
	"github.com/carbonfay/DBCV-sub000/storage/gormstore"
	"github.com/carbonfay/DBCV-sub000/storage/objectstore"
	"github.com/carbonfay/DBCV-sub000/stream"
)

// Store and cache backends.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the complete engine configuration.
type Config struct {
	Redis       RedisConfig        `json:"redis" yaml:"redis"`
	Database    DatabaseConfig     `json:"database" yaml:"database"`
	NATS        NATSConfig         `json:"nats" yaml:"nats"`
	Streams     StreamsConfig      `json:"streams" yaml:"streams"`
	Cache       CacheConfig        `json:"cache" yaml:"cache"`
	Engine      EngineConfig       `json:"engine" yaml:"engine"`
	Auth        AuthConfig         `json:"auth" yaml:"auth"`
	Metrics     MetricsConfig      `json:"metrics" yaml:"metrics"`
	Emitters    EmittersConfig     `json:"emitters" yaml:"emitters"`
	Notify      NotifyConfig       `json:"notify" yaml:"notify"`
	Attachments objectstore.Config `json:"attachments" yaml:"attachments"`
}

// RedisConfig configures the Redis client shared by streams and the cache.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
}

// DatabaseConfig selects the source of truth. The memory driver needs no
// DSN and starts empty.
type DatabaseConfig struct {
	Driver           string `json:"driver" yaml:"driver"`
	gormstore.Config `yaml:",inline"`
}

// NATSConfig configures the optional NATS connection used for viewer
// notifications and attachments. An empty URL disables both.
type NATSConfig struct {
	URL           string        `json:"url" yaml:"url"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// StreamsConfig holds the two consumers.
type StreamsConfig struct {
	User stream.Config `json:"user" yaml:"user"`
	Bot  stream.Config `json:"bot" yaml:"bot"`
}

// CacheConfig configures the data manager cache.
type CacheConfig struct {
	Backend    string           `json:"backend" yaml:"backend"`
	Prefix     string           `json:"prefix" yaml:"prefix"`
	DefaultTTL time.Duration    `json:"default_ttl" yaml:"default_ttl"`
	TTLs       datamanager.TTLs `json:"ttls" yaml:"ttls"`
}

// EngineConfig tunes graph execution.
type EngineConfig struct {
	MaxHops          int                   `json:"max_hops" yaml:"max_hops"`
	MaxTemplateDepth int                   `json:"max_template_depth" yaml:"max_template_depth"`
	Response         engine.ResponseConfig `json:"response" yaml:"response"`
	Sandbox          sandbox.Config        `json:"sandbox" yaml:"sandbox"`
}

// AuthConfig configures credential handling and the configurable providers.
type AuthConfig struct {
	// SecretKey is the base64 secretbox key for encrypted credentials.
	// Empty means credentials are stored in plain JSON.
	SecretKey     string              `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	SafetyMargin  time.Duration       `json:"safety_margin" yaml:"safety_margin"`
	Google        bool                `json:"google" yaml:"google"`
	OAuth         []auth.OAuthConfig  `json:"oauth,omitempty" yaml:"oauth,omitempty"`
	Static        []auth.StaticConfig `json:"static,omitempty" yaml:"static,omitempty"`
	ClientTimeout time.Duration       `json:"client_timeout" yaml:"client_timeout"`
}

// MetricsConfig configures the metrics and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// EmittersConfig configures the emitter scheduler.
type EmittersConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Location    string        `json:"location" yaml:"location"`
	Parallelism int           `json:"parallelism" yaml:"parallelism"`
	FireTimeout time.Duration `json:"fire_timeout" yaml:"fire_timeout"`
}

// NotifyConfig configures the live-viewer sinks. The NATS sink is used
// whenever NATS is configured; the webhook only when it has a URL.
type NotifyConfig struct {
	NATS    notify.Config     `json:"nats" yaml:"nats"`
	Webhook notify.HTTPConfig `json:"webhook" yaml:"webhook"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{
			Driver: DriverPostgres,
			Config: gormstore.Config{
				MaxIdleConns:    5,
				MaxOpenConns:    20,
				ConnMaxLifetime: 30 * time.Minute,
				SlowThreshold:   time.Second,
			},
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Streams: StreamsConfig{
			User: stream.DefaultConfig("dbcv:stream:user", "dbcv-engine"),
			Bot:  stream.DefaultConfig("dbcv:stream:bot", "dbcv-engine"),
		},
		Cache: CacheConfig{
			Backend:    BackendRedis,
			Prefix:     "dbcv:cache:",
			DefaultTTL: 10 * time.Minute,
			TTLs:       datamanager.DefaultTTLs(),
		},
		Engine: EngineConfig{
			MaxHops:          engine.DefaultMaxHops,
			MaxTemplateDepth: engine.DefaultMaxTemplateDepth,
			Response:         engine.DefaultResponseConfig(),
			Sandbox:          sandbox.Config{Timeout: sandbox.DefaultTimeout, CacheSize: 512},
		},
		Auth: AuthConfig{
			SafetyMargin:  auth.DefaultSafetyMargin,
			Google:        true,
			ClientTimeout: 15 * time.Second,
		},
		Metrics:     MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Emitters:    EmittersConfig{Enabled: true, Location: "UTC", Parallelism: 8, FireTimeout: 10 * time.Second},
		Notify:      NotifyConfig{NATS: notify.Config{SubjectPrefix: notify.DefaultSubjectPrefix}},
		Attachments: objectstore.DefaultConfig(),
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Redis.Addr == "" {
		add("redis.addr is required")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			add("database.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		add("database.driver %q is not one of postgres, memory", c.Database.Driver)
	}

	if c.NATS.URL != "" && !strings.Contains(c.NATS.URL, "://") {
		add("nats.url %q must include a scheme", c.NATS.URL)
	}

	if err := c.Streams.User.Validate(); err != nil {
		add("streams.user: %v", err)
	}
	if err := c.Streams.Bot.Validate(); err != nil {
		add("streams.bot: %v", err)
	}
	if c.Streams.User.Stream != "" && c.Streams.User.Stream == c.Streams.Bot.Stream {
		add("streams.user and streams.bot must use different streams")
	}

	switch c.Cache.Backend {
	case BackendRedis, BackendMemory:
	default:
		add("cache.backend %q is not one of redis, memory", c.Cache.Backend)
	}

	if c.Engine.MaxHops < 0 || c.Engine.MaxTemplateDepth < 0 {
		add("engine limits must not be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		add("metrics.port %d out of range", c.Metrics.Port)
	}

	if c.Emitters.Enabled {
		if _, err := time.LoadLocation(c.Emitters.Location); err != nil {
			add("emitters.location: %v", err)
		}
	}

	if c.Notify.Webhook.URL != "" {
		if err := c.Notify.Webhook.Validate(); err != nil {
			add("notify.webhook: %v", err)
		}
	}

	for i, o := range c.Auth.OAuth {
		if o.TokenURL == "" {
			add("auth.oauth[%d].token_url is required", i)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.WrapFatal(errors.Join(append([]error{errors.ErrInvalidConfig}, errs...)...), "Config", "Validate", "check configuration")
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	cp := c.Clone()
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&cp.Redis.Password)
	mask(&cp.Database.DSN)
	mask(&cp.NATS.Token)
	mask(&cp.NATS.Password)
	mask(&cp.Auth.SecretKey)
	data, _ := json.MarshalIndent(cp, "", "  ")
	return string(data)
}
