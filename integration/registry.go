package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/mod/semver"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
)

type entry struct {
	plugin Plugin
	schema *gojsonschema.Schema
}

// Registry holds plugins by id and version. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*entry

	metrics *metric.Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. metrics and logger may be nil.
func NewRegistry(metrics *metric.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins: make(map[string]map[string]*entry),
		metrics: metrics,
		logger:  logger.With("component", "integrations"),
	}
}

func canonical(version string) string {
	v := strings.TrimSpace(version)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Register adds p. Registering the same id and version twice fails, as does
// a version that is not semantic or a schema that does not compile.
func (r *Registry) Register(p Plugin) error {
	id := p.ID()
	if id == "" {
		return errors.WrapInvalid(fmt.Errorf("plugin id is empty"), "Registry", "Register", "validate plugin")
	}
	version := canonical(p.Version())
	if !semver.IsValid(version) {
		return errors.WrapInvalid(fmt.Errorf("plugin %s: version %q is not semantic", id, p.Version()), "Registry", "Register", "validate plugin")
	}

	e := &entry{plugin: p}
	if raw := p.Schema(); len(raw) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("plugin %s@%s: %w", id, version, err), "Registry", "Register", "compile schema")
		}
		e.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.plugins[id]
	if !ok {
		versions = make(map[string]*entry)
		r.plugins[id] = versions
	}
	if _, dup := versions[version]; dup {
		return errors.WrapInvalid(fmt.Errorf("plugin %s@%s already registered", id, version), "Registry", "Register", "add plugin")
	}
	versions[version] = e
	return nil
}

// Versions lists the registered versions of id, newest first.
func (r *Registry) Versions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins[id]))
	for v := range r.plugins[id] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return semver.Compare(out[i], out[j]) > 0 })
	return out
}

func (r *Registry) lookup(id, version string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.plugins[id]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownIntegration, id)
	}
	if version == "" || version == "latest" {
		var best string
		for v := range versions {
			if best == "" || semver.Compare(v, best) > 0 {
				best = v
			}
		}
		return versions[best], nil
	}
	e, ok := versions[canonical(version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", errors.ErrUnknownIntegration, id, version)
	}
	return e, nil
}

// Lookup returns the plugin for id at version; empty or "latest" selects
// the highest version.
func (r *Registry) Lookup(id, version string) (Plugin, error) {
	e, err := r.lookup(id, version)
	if err != nil {
		return nil, err
	}
	return e.plugin, nil
}

// Validate checks config against the plugin's schema.
func (r *Registry) Validate(id, version string, config map[string]any) error {
	e, err := r.lookup(id, version)
	if err != nil {
		return err
	}
	return e.validate(config)
}

func (e *entry) validate(config map[string]any) error {
	if e.schema == nil {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "Validate", "validate config")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")), "Registry", "Validate", "validate config")
	}
	return nil
}

// Invoke looks the plugin up, validates the config and runs it. Every
// failure is reported in the envelope; Invoke itself never fails.
func (r *Registry) Invoke(ctx context.Context, id, version string, call Call) Envelope {
	start := time.Now()
	env := r.invoke(ctx, id, version, call)
	r.metrics.RecordHandler("integration:"+id, time.Since(start), !env.OK)
	if !env.OK {
		r.logger.Warn("Integration call failed", "integration", id, "version", version, "bot", call.BotID, "error", env.Error)
	}
	return env
}

func (r *Registry) invoke(ctx context.Context, id, version string, call Call) (env Envelope) {
	e, err := r.lookup(id, version)
	if err != nil {
		return Failure(err)
	}
	if err := e.validate(call.Config); err != nil {
		return Failure(err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			env = Failure(fmt.Errorf("integration %s panicked: %v", id, rec))
		}
	}()
	result, err := e.plugin.Execute(ctx, call)
	if err != nil {
		return Failure(err)
	}
	return Success(normalize(result))
}

// normalize round-trips typed results through JSON so rules and placeholders
// see plain maps and slices.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
