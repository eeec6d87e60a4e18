package sandbox

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
)

// functions are the helpers snippets use to build their result. None of
// them mutate their arguments.
func functions() []expr.Option {
	return []expr.Option{
		expr.Function("merge", merge),
		expr.Function("set", set),
		expr.Function("lookup", lookup),
		expr.Function("omit", omit),
	}
}

// merge(a, b, ...) deep-merges objects left to right into a new object.
func merge(params ...any) (any, error) {
	out := map[string]any{}
	for i, p := range params {
		if p == nil {
			continue
		}
		m, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge: argument %d is %T, want object", i+1, p)
		}
		out = dotpath.Merge(out, dotpath.CloneMap(m))
	}
	return out, nil
}

// set(obj, "a.b", value) returns a copy of obj with the dotted path set.
func set(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("set: want 3 arguments, got %d", len(params))
	}
	m, ok := params[0].(map[string]any)
	if !ok && params[0] != nil {
		return nil, fmt.Errorf("set: argument 1 is %T, want object", params[0])
	}
	path, ok := params[1].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("set: path must be a non-empty string")
	}
	out := dotpath.CloneMap(m)
	if out == nil {
		out = map[string]any{}
	}
	dotpath.Set(out, path, dotpath.Clone(params[2]))
	return out, nil
}

// lookup(obj, "a.b"[, default]) reads a dotted path.
func lookup(params ...any) (any, error) {
	if len(params) < 2 || len(params) > 3 {
		return nil, fmt.Errorf("lookup: want 2 or 3 arguments, got %d", len(params))
	}
	path, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("lookup: path must be a string")
	}
	if v, found := dotpath.Get(params[0], path); found {
		return v, nil
	}
	if len(params) == 3 {
		return params[2], nil
	}
	return nil, nil
}

// omit(obj, "k1", "k2", ...) returns a copy of obj without the top-level keys.
func omit(params ...any) (any, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("omit: want at least 1 argument")
	}
	m, ok := params[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("omit: argument 1 is %T, want object", params[0])
	}
	out := dotpath.CloneMap(m)
	for _, p := range params[1:] {
		if k, ok := p.(string); ok {
			delete(out, k)
		}
	}
	return out, nil
}
