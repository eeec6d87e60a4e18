package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
	"github.com/carbonfay/DBCV-sub000/types"
)

const (
	appendSuffix = "|a"
	fileMarker   = "file"
)

// ScopeWriter persists a merge-patch into one scope blob.
type ScopeWriter interface {
	PatchScope(ctx context.Context, scope types.Scope, ownerID string, patch map[string]any) (map[string]any, error)
}

// Uploader stores attachment bytes under key.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Engine saves handler output into variable scopes.
type Engine struct {
	writer   ScopeWriter
	uploader Uploader
	logger   *slog.Logger
}

// NewEngine creates a variable engine. uploader may be nil, in which case
// |file sources are skipped.
func NewEngine(writer ScopeWriter, uploader Uploader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		writer:   writer,
		uploader: uploader,
		logger:   logger.With("component", "variables"),
	}
}

// Substitute is the package-level Substitute.
func (e *Engine) Substitute(value any, ctx map[string]any) any {
	return Substitute(value, ctx)
}

// Merge builds the namespaced view {"bot": ..., "user": ..., ...} over the
// loaded scopes. Every persisted scope is present, possibly empty. The scope
// maps are deep-copied.
func Merge(scopes map[types.Scope]map[string]any) map[string]any {
	out := make(map[string]any, len(types.Scopes)+1)
	for _, scope := range types.Scopes {
		out[string(scope)] = dotpath.CloneMap(scopes[scope])
	}
	return out
}

type target struct {
	namespace string
	segments  []string
	append    bool
}

func parseTarget(raw string) (target, bool) {
	t := target{}
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, appendSuffix) {
		t.append = true
		raw = strings.TrimSuffix(raw, appendSuffix)
	}
	segs := dotpath.Split(raw)
	if len(segs) < 2 {
		return t, false
	}
	t.namespace = segs[0]
	t.segments = segs[1:]
	if t.namespace != types.NamespaceTemplate && !types.Scope(t.namespace).Valid() {
		return t, false
	}
	return t, true
}

type source struct {
	path string
	file bool
	ext  string
}

func parseSource(raw string) source {
	parts := strings.Split(strings.TrimSpace(raw), "|")
	s := source{path: strings.TrimSpace(parts[0])}
	if len(parts) >= 2 && strings.TrimSpace(parts[1]) == fileMarker {
		s.file = true
		if len(parts) >= 3 {
			s.ext = strings.TrimPrefix(strings.TrimSpace(parts[2]), ".")
		}
	}
	return s
}

// Save applies mapping (target -> source) to env. Each resolved value is
// written into working, the namespaced scope view of the current execution,
// and collected into one merge-patch per persisted scope which is then
// written through the ScopeWriter. template.* targets only touch working.
// Unresolved sources and unknown target namespaces are skipped. The returned
// map holds the patches that were written.
func (e *Engine) Save(
	ctx context.Context,
	mapping map[string]string,
	env map[string]any,
	owners types.Owners,
	working map[string]any,
) (map[types.Scope]map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	targets := make([]string, 0, len(mapping))
	for k := range mapping {
		targets = append(targets, k)
	}
	sort.Strings(targets)

	patches := make(map[types.Scope]map[string]any)
	for _, rawTarget := range targets {
		tgt, ok := parseTarget(rawTarget)
		if !ok {
			e.logger.Debug("Skipping variable with unknown target", "target", rawTarget)
			continue
		}
		src := parseSource(mapping[rawTarget])

		value, ok := Lookup(env, src.path)
		if !ok {
			continue
		}
		if src.file {
			key, err := e.upload(ctx, value, src.ext)
			if err != nil {
				e.logger.Warn("Attachment upload failed", "target", rawTarget, "error", err)
				continue
			}
			value = key
		}

		full := append([]string{tgt.namespace}, tgt.segments...)
		if tgt.append {
			prior, _ := dotpath.GetSegments(working, full)
			value = appendValue(prior, value)
		}

		if working != nil {
			dotpath.SetSegments(working, full, value)
		}
		if tgt.namespace == types.NamespaceTemplate {
			continue
		}

		scope := types.Scope(tgt.namespace)
		if patches[scope] == nil {
			patches[scope] = map[string]any{}
		}
		dotpath.SetSegments(patches[scope], tgt.segments, dotpath.Clone(value))
	}

	if e.writer == nil || len(patches) == 0 {
		return patches, nil
	}

	var errs []error
	for _, scope := range types.Scopes {
		patch, ok := patches[scope]
		if !ok {
			continue
		}
		owner := owners.Of(scope)
		if owner == "" {
			e.logger.Warn("No owner for scope, patch dropped", "scope", scope)
			delete(patches, scope)
			continue
		}
		if _, err := e.writer.PatchScope(ctx, scope, owner, patch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scope, err))
		}
	}
	if len(errs) > 0 {
		return patches, errors.WrapTransient(errors.Join(errs...), "Engine", "Save", "patch scopes")
	}
	return patches, nil
}

func (e *Engine) upload(ctx context.Context, value any, ext string) (string, error) {
	if e.uploader == nil {
		return "", errors.New("no attachment store configured")
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		data = b
		if ext == "" {
			ext = "json"
		}
	}

	key := uuid.NewString()
	contentType := "application/octet-stream"
	if ext != "" {
		key += "." + ext
		if ct := mime.TypeByExtension("." + ext); ct != "" {
			contentType = ct
		}
	}
	if err := e.uploader.Upload(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return key, nil
}

// appendValue merges value into prior as a list. Slices are concatenated.
func appendValue(prior, value any) any {
	var out []any
	switch p := prior.(type) {
	case nil:
	case []any:
		out = append(out, p...)
	default:
		out = append(out, p)
	}
	if list, ok := value.([]any); ok {
		return append(out, list...)
	}
	return append(out, value)
}
