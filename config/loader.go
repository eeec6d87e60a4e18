package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carbonfay/DBCV-sub000/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DBCV"

// durationKeys are the keys whose string values are parsed as durations.
var durationKeys = map[string]bool{
	"timeout":           true,
	"max_timeout":       true,
	"block":             true,
	"claim_interval":    true,
	"min_idle":          true,
	"reconnect_wait":    true,
	"conn_max_lifetime": true,
	"slow_threshold":    true,
	"fire_timeout":      true,
	"safety_margin":     true,
	"client_timeout":    true,
	"default_ttl":       true,
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, lookupEnv: os.LookupEnv}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "load "+path)
		}
		if err := parseDurations(raw, false); err != nil {
			return nil, errors.WrapFatal(errors.Join(errors.ErrInvalidConfig, err), "Loader", "Load", "parse durations in "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapFatal(errors.Join(errors.ErrInvalidConfig, err), "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads one layer as a generic map. The format follows the file
// extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	format, err := layerFormat(path)
	if err != nil {
		return nil, errors.Join(errors.ErrInvalidConfig, err)
	}
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if format == "yaml" {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, errors.Join(errors.ErrParsingFailed, err)
	}
	if err := checkDepth(raw, 1, "$"); err != nil {
		return nil, errors.Join(errors.ErrInvalidConfig, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(data, &m)
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations rewrites duration strings as nanoseconds so they decode
// into time.Duration. Every value under "ttls" is a duration.
func parseDurations(data map[string]any, ttls bool) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val, k == "ttls"); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m, false); err != nil {
						return err
					}
				}
			}
		case string:
			if !ttls && !durationKeys[k] {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return
		}
		if err := checkEnvValue(key, val); err != nil {
			errs = append(errs, err)
			return
		}
		*dst = val
	}
	num := func(name string, dst *int) {
		var raw string
		str(name, &raw)
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %q is not a number", l.envPrefix, name, raw))
			return
		}
		*dst = n
	}

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("NATS_URL", &cfg.NATS.URL)
	str("NATS_TOKEN", &cfg.NATS.Token)
	str("NATS_USERNAME", &cfg.NATS.Username)
	str("NATS_PASSWORD", &cfg.NATS.Password)
	str("AUTH_SECRET_KEY", &cfg.Auth.SecretKey)
	num("METRICS_PORT", &cfg.Metrics.Port)
	str("EMITTERS_LOCATION", &cfg.Emitters.Location)

	if len(errs) > 0 {
		return errors.WrapFatal(errors.Join(append([]error{errors.ErrInvalidConfig}, errs...)...), "Loader", "applyEnvOverrides", "read environment")
	}
	return nil
}

// SaveToFile writes the configuration as JSON or YAML, by extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if m, err = toMap(c); err == nil {
			data, err = yaml.Marshal(m)
		}
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode")
	}
	return writeLayer(path, data)
}
