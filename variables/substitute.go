// Package variables substitutes {$namespace.path$} placeholders and persists
// handler output into the bot, user, channel and session scopes.
package variables

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
)

var placeholder = regexp.MustCompile(`\{\$([^{}$]+)\$\}`)

// Substitute replaces placeholders inside strings, slices and maps (keys
// included). Compound values are inlined as JSON and unresolved paths become
// "". When the top-level value is a string in which at least one placeholder
// was replaced and the result parses as JSON, the parsed value is returned.
func Substitute(value any, ctx map[string]any) any {
	out, replaced := substitute(value, ctx)
	if s, ok := out.(string); ok && replaced {
		if parsed, ok := parseJSON(s); ok {
			return parsed
		}
	}
	return out
}

// SubstituteString replaces placeholders in s and always returns a string.
func SubstituteString(s string, ctx map[string]any) string {
	out, _ := substituteString(s, ctx)
	return out
}

// SubstituteMap substitutes every key and value of m. The result is a new map.
func SubstituteMap(m map[string]any, ctx map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := substitute(m, ctx)
	return out.(map[string]any)
}

// HasPlaceholder reports whether s contains at least one placeholder.
func HasPlaceholder(s string) bool {
	return placeholder.MatchString(s)
}

func substitute(value any, ctx map[string]any) (any, bool) {
	switch v := value.(type) {
	case string:
		return substituteString(v, ctx)
	case []any:
		out := make([]any, len(v))
		changed := false
		for i, item := range v {
			var r bool
			out[i], r = substitute(item, ctx)
			changed = changed || r
		}
		return out, changed
	case map[string]any:
		out := make(map[string]any, len(v))
		changed := false
		for k, item := range v {
			key, rk := substituteString(k, ctx)
			val, rv := substitute(item, ctx)
			out[key] = val
			changed = changed || rk || rv
		}
		return out, changed
	case map[string]string:
		out := make(map[string]any, len(v))
		changed := false
		for k, item := range v {
			key, rk := substituteString(k, ctx)
			val, rv := substituteString(item, ctx)
			out[key] = val
			changed = changed || rk || rv
		}
		return out, changed
	}
	return value, false
}

func substituteString(s string, ctx map[string]any) (string, bool) {
	if !strings.Contains(s, "{$") {
		return s, false
	}
	replaced := false
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		replaced = true
		path := placeholder.FindStringSubmatch(match)[1]
		v, ok := Lookup(ctx, path)
		if !ok {
			return ""
		}
		return Format(v)
	})
	return out, replaced
}

// Lookup resolves a dotted path against ctx.
func Lookup(ctx map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	return dotpath.Get(ctx, path)
}

// Format renders a value the way it is inlined into text.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case []byte:
		return string(val)
	case map[string]any, []any, map[string]string, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func parseJSON(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}
