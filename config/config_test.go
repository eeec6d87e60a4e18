package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfay/DBCV-sub000/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "dbcv:stream:user", cfg.Streams.User.Stream)
	assert.Equal(t, "dbcv:stream:bot", cfg.Streams.Bot.Stream)
	assert.Equal(t, 64, cfg.Engine.MaxHops)
	assert.Equal(t, BackendRedis, cfg.Cache.Backend)
	assert.True(t, cfg.Emitters.Enabled)

	err := cfg.Validate()
	require.Error(t, err, "postgres needs a DSN")
	assert.Contains(t, err.Error(), "database.dsn")

	cfg.Database.Driver = DriverMemory
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MergesLayers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
redis:
  addr: redis:6379
database:
  driver: postgres
  dsn: postgres://dbcv@db/dbcv
streams:
  user:
    workers: 16
    block: 500ms
cache:
  ttls:
    session: 1d
engine:
  response:
    timeout: 3s
`)
	override := writeFile(t, "prod.json", `{
  "streams": {"user": {"claim_interval": "10s"}},
  "metrics": {"port": 9100},
  "emitters": {"location": "Europe/Berlin", "fire_timeout": "5s"}
}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://dbcv@db/dbcv", cfg.Database.DSN)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns, "defaults survive a partial section")
	assert.Equal(t, 16, cfg.Streams.User.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Streams.User.Block)
	assert.Equal(t, 10*time.Second, cfg.Streams.User.ClaimInterval)
	assert.Equal(t, "dbcv:stream:user", cfg.Streams.User.Stream)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTLs.Session)
	assert.Equal(t, 3*time.Second, cfg.Engine.Response.Timeout)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "Europe/Berlin", cfg.Emitters.Location)
	assert.Equal(t, 5*time.Second, cfg.Emitters.FireTimeout)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"DBCV_REDIS_ADDR":        "cache:6380",
		"DBCV_REDIS_DB":          "3",
		"DBCV_DATABASE_DRIVER":   "memory",
		"DBCV_NATS_URL":          "nats://nats:4222",
		"DBCV_AUTH_SECRET_KEY":   "c2VjcmV0",
		"DBCV_METRICS_PORT":      "9200",
		"DBCV_EMITTERS_LOCATION": "",
	})
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "c2VjcmV0", cfg.Auth.SecretKey)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.Equal(t, "UTC", cfg.Emitters.Location, "empty values do not override")

	bad := newTestLoader(map[string]string{"DBCV_METRICS_PORT": "ninety"})
	_, err = bad.Load()
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	injected := newTestLoader(map[string]string{"DBCV_REDIS_ADDR": "cache:6379\nFLUSHALL"})
	_, err = injected.Load()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoader_Errors(t *testing.T) {
	tests := map[string]string{
		"bad duration":   `{"streams": {"user": {"block": "soon"}}}`,
		"malformed json": `{"redis": `,
		"too deep":       strings.Repeat(`{"a":`, 20) + "1" + strings.Repeat("}", 20),
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := newTestLoader(nil).LoadFile(writeFile(t, "c.json", content))
			assert.Error(t, err)
		})
	}

	t.Run("too deep yaml", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 20; i++ {
			b.WriteString(strings.Repeat("  ", i) + "a:\n")
		}
		b.WriteString(strings.Repeat("  ", 20) + "b: 1\n")
		_, err := newTestLoader(nil).LoadFile(writeFile(t, "c.yaml", b.String()))
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := newTestLoader(nil).LoadFile(writeFile(t, "c.toml", "a = 1"))
		assert.Error(t, err)
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := newTestLoader(nil).LoadFile(filepath.Join(t.TempDir(), "none.json"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.DSN = "postgres://x"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis.addr"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"nats scheme", func(c *Config) { c.NATS.URL = "localhost:4222" }, "nats.url"},
		{"stream group", func(c *Config) { c.Streams.Bot.Group = "" }, "streams.bot"},
		{"same stream", func(c *Config) { c.Streams.Bot.Stream = c.Streams.User.Stream }, "different streams"},
		{"cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"location", func(c *Config) { c.Emitters.Location = "Mars/Olympus" }, "emitters.location"},
		{"webhook retries", func(c *Config) {
			c.Notify.Webhook.URL = "http://viewer"
			c.Notify.Webhook.RetryCount = 50
		}, "notify.webhook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Redis.Password = "hunter2"
	cfg.Database.DSN = "postgres://user:pw@db"
	cfg.Auth.SecretKey = "key"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "user:pw")
	assert.Contains(t, out, `"***"`)
	assert.Equal(t, "hunter2", cfg.Redis.Password, "String does not modify the receiver")
}

func TestConfig_SaveAndReload(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = DriverMemory
	cfg.Streams.User.Workers = 3

	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := newTestLoader(nil).LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}
