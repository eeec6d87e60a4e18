package rule

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

func (e *Evaluator) registerDefaults() {
	e.Register(present(func(f, v any) (bool, error) { return equalValues(f, v), nil }), "equal", "eq", "==")
	e.Register(func(f any, ok bool, v any) (bool, error) { return !ok || !equalValues(f, v), nil }, "not_equal", "ne", "!=")
	e.Register(present(ordered(func(c int) bool { return c < 0 })), "less", "lt", "<")
	e.Register(present(ordered(func(c int) bool { return c <= 0 })), "less_or_equal", "lte", "<=")
	e.Register(present(ordered(func(c int) bool { return c > 0 })), "greater", "gt", ">")
	e.Register(present(ordered(func(c int) bool { return c >= 0 })), "greater_or_equal", "gte", ">=")

	e.Register(present(operatorIn), "in")
	e.Register(negate(operatorIn), "not_in")
	e.Register(present(operatorContains), "contains")
	e.Register(negate(operatorContains), "not_contains")
	e.Register(present(stringOp(strings.HasPrefix)), "begins_with", "starts_with")
	e.Register(negate(stringOp(strings.HasPrefix)), "not_begins_with")
	e.Register(present(stringOp(strings.HasSuffix)), "ends_with")
	e.Register(negate(stringOp(strings.HasSuffix)), "not_ends_with")
	e.Register(present(operatorBetween), "between")
	e.Register(negate(operatorBetween), "not_between")
	e.Register(present(e.operatorRegex), "regex", "matches")

	e.Register(func(f any, ok bool, _ any) (bool, error) { return isEmpty(f, ok), nil }, "is_empty")
	e.Register(func(f any, ok bool, _ any) (bool, error) { return !isEmpty(f, ok), nil }, "is_not_empty")
	e.Register(func(f any, ok bool, _ any) (bool, error) { return !ok || f == nil, nil }, "is_null")
	e.Register(func(f any, ok bool, _ any) (bool, error) { return ok && f != nil, nil }, "is_not_null")
}

// present makes a binary operator false when the field does not resolve.
func present(fn func(field, value any) (bool, error)) OperatorFunc {
	return func(f any, ok bool, v any) (bool, error) {
		if !ok {
			return false, nil
		}
		return fn(f, v)
	}
}

// negate inverts a binary operator; a missing field satisfies the negation.
func negate(fn func(field, value any) (bool, error)) OperatorFunc {
	return func(f any, ok bool, v any) (bool, error) {
		if !ok {
			return true, nil
		}
		r, err := fn(f, v)
		return !r, err
	}
}

func ordered(accept func(int) bool) func(field, value any) (bool, error) {
	return func(f, v any) (bool, error) {
		return accept(compareValues(f, v)), nil
	}
}

func stringOp(fn func(s, sub string) bool) func(field, value any) (bool, error) {
	return func(f, v any) (bool, error) {
		return fn(toString(f), toString(v)), nil
	}
}

func operatorIn(f, v any) (bool, error) {
	for _, candidate := range toList(v) {
		if equalValues(f, candidate) {
			return true, nil
		}
	}
	return false, nil
}

func operatorContains(f, v any) (bool, error) {
	if list, ok := f.([]any); ok {
		for _, item := range list {
			if equalValues(item, v) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(toString(f), toString(v)), nil
}

func operatorBetween(f, v any) (bool, error) {
	bounds := toList(v)
	if len(bounds) != 2 {
		return false, fmt.Errorf("between needs two bounds, got %d", len(bounds))
	}
	return compareValues(f, bounds[0]) >= 0 && compareValues(f, bounds[1]) <= 0, nil
}

func (e *Evaluator) operatorRegex(f, v any) (bool, error) {
	pattern, ok := v.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}
	re, err := e.compileRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(toString(f)), nil
}

func (e *Evaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexes.Get(pattern); ok {
		return re, nil
	}
	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	_, _ = e.regexes.Set(pattern, re)
	return re, nil
}

// validateRegexComplexity rejects patterns prone to exponential backtracking.
// The fragment list is a heuristic, not exhaustive.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}

	dangerous := []string{
		`(\w+)*\w`,
		`(\w*)+`,
		`(a+)+`,
		`([a-zA-Z]+)*`,
		`(\d+)*\d`,
		`(.*)*`,
		`(.+)+`,
		`(\s+)*\s`,
		`([^,]+)*[^,]`,
	}
	for _, fragment := range dangerous {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex pattern contains nested quantifiers that may cause exponential backtracking")
		}
	}

	if largeRepetition.MatchString(pattern) {
		return fmt.Errorf("regex pattern contains excessive repetition count (>= 1000)")
	}
	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many capture groups (max 20)")
	}

	depth, maxDepth := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			maxDepth = max(maxDepth, depth)
		case ')':
			depth--
		}
	}
	if maxDepth > 5 {
		return fmt.Errorf("regex pattern has excessive nesting depth (max 5 levels)")
	}
	return nil
}

var largeRepetition = regexp.MustCompile(`\{\d{4,}`)

func isEmpty(f any, ok bool) bool {
	if !ok || f == nil {
		return true
	}
	switch v := f.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

func equalValues(a, b any) bool {
	return compareValues(a, b) == 0
}

// compareValues compares numerically when both sides are numbers or numeric
// strings, otherwise by string form.
func compareValues(a, b any) int {
	an, aok := toFloat64(a)
	bn, bok := toFloat64(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	return strings.Compare(toString(a), toString(b))
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// toList accepts a JSON array or a comma separated string.
func toList(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case string:
		parts := strings.Split(val, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}
