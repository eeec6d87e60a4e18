// Package dotpath reads and writes nested JSON-like values addressed by
// dot-separated paths such as "user.profile.name" or "response.items.0.id".
package dotpath

import (
	"strconv"
	"strings"
)

// Split breaks a path into its segments. Empty segments are dropped.
func Split(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Get walks root along path. Numeric segments index into slices.
func Get(root any, path string) (any, bool) {
	return GetSegments(root, Split(path))
}

// GetSegments is Get with a pre-split path.
func GetSegments(root any, segments []string) (any, bool) {
	cur := root
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path inside root, creating intermediate maps. Existing
// non-map intermediates are replaced. An empty path is a no-op.
func Set(root map[string]any, path string, value any) {
	SetSegments(root, Split(path), value)
}

// SetSegments is Set with a pre-split path.
func SetSegments(root map[string]any, segments []string, value any) {
	if len(segments) == 0 || root == nil {
		return
	}
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}

// Nest builds a fresh map holding value at path: Nest("a.b", 1) is
// {"a": {"b": 1}}.
func Nest(segments []string, value any) map[string]any {
	out := map[string]any{}
	SetSegments(out, segments, value)
	return out
}

// Merge deep-merges patch into dst, map values recursively, everything
// else by replacement. dst is modified and returned.
func Merge(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, pv := range patch {
		if pm, ok := pv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = Merge(dm, pm)
				continue
			}
			dst[k] = Merge(map[string]any{}, pm)
			continue
		}
		dst[k] = pv
	}
	return dst
}

// Clone deep-copies maps and slices. Scalars are shared.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = Clone(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = Clone(vv)
		}
		return out
	default:
		return v
	}
}

// CloneMap is Clone for maps; nil becomes an empty map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Clone(m).(map[string]any)
}
