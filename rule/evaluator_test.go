package rule

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(nil)
	require.NoError(t, err)
	return e
}

func TestEvaluate_EmptyTreesAreTrue(t *testing.T) {
	e := newTestEvaluator(t)
	for _, raw := range []string{"", "null", "{}", "  {}  "} {
		ok, err := e.Evaluate(json.RawMessage(raw), nil)
		require.NoError(t, err)
		assert.True(t, ok, "tree %q", raw)
	}
}

func TestEvaluate_Operators(t *testing.T) {
	ctx := map[string]any{
		"message": map[string]any{"text": "start now", "count": 3.0},
		"user":    map[string]any{"score": "42", "tags": []any{"vip", "beta"}, "blank": "  ", "none": nil},
	}

	tests := []struct {
		name     string
		field    string
		operator string
		value    any
		want     bool
	}{
		{"equal string", "message.text", "equal", "start now", true},
		{"equal miss", "message.text", "equal", "stop", false},
		{"eq numeric string", "user.score", "eq", 42.0, true},
		{"not_equal", "message.text", "not_equal", "stop", true},
		{"not_equal missing", "message.absent", "not_equal", "x", true},
		{"less", "message.count", "less", 5.0, true},
		{"less_or_equal", "message.count", "lte", 3.0, true},
		{"greater", "user.score", "greater", 41.0, true},
		{"greater_or_equal false", "message.count", "gte", 4.0, false},
		{"in list", "message.count", "in", []any{1.0, 3.0}, true},
		{"in csv", "message.text", "in", "a, start now", true},
		{"not_in", "message.text", "not_in", []any{"a", "b"}, true},
		{"begins_with", "message.text", "begins_with", "start", true},
		{"starts_with alias", "message.text", "starts_with", "now", false},
		{"not_begins_with", "message.text", "not_begins_with", "stop", true},
		{"ends_with", "message.text", "ends_with", "now", true},
		{"not_ends_with", "message.text", "not_ends_with", "now", false},
		{"contains substring", "message.text", "contains", "art", true},
		{"contains list", "user.tags", "contains", "vip", true},
		{"not_contains", "user.tags", "not_contains", "admin", true},
		{"between", "message.count", "between", []any{1.0, 3.0}, true},
		{"not_between", "message.count", "not_between", []any{4.0, 9.0}, true},
		{"regex", "message.text", "regex", `^start\s+\w+$`, true},
		{"is_empty blank", "user.blank", "is_empty", nil, true},
		{"is_not_empty", "message.text", "is_not_empty", nil, true},
		{"is_null nil", "user.none", "is_null", nil, true},
		{"is_not_null", "user.score", "is_not_null", nil, true},
		{"missing field is_null", "user.nope", "is_null", nil, true},
		{"missing field is_empty", "user.nope", "is_empty", nil, true},
		{"missing field equal", "user.nope", "equal", "", false},
		{"missing field greater", "user.nope", "greater", 0.0, false},
		{"array index", "user.tags.1", "equal", "beta", true},
	}

	e := newTestEvaluator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateNode(&Node{Field: tt.field, Operator: tt.operator, Value: tt.value}, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Groups(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := map[string]any{"message": map[string]any{"text": "start"}}

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{
			"and match",
			`{"condition":"AND","rules":[{"field":"message.text","operator":"equal","value":"start"}]}`,
			true,
		},
		{
			"and one fails",
			`{"condition":"AND","rules":[
				{"field":"message.text","operator":"equal","value":"start"},
				{"field":"message.text","operator":"equal","value":"other"}]}`,
			false,
		},
		{
			"or",
			`{"condition":"OR","rules":[
				{"field":"message.text","operator":"equal","value":"nope"},
				{"field":"message.text","operator":"begins_with","value":"st"}]}`,
			true,
		},
		{
			"nested not",
			`{"condition":"AND","rules":[
				{"condition":"OR","not":true,"rules":[{"field":"message.text","operator":"equal","value":"start"}]}]}`,
			false,
		},
		{
			"id used as field",
			`{"condition":"AND","rules":[{"id":"message.text","operator":"equal","value":"start"}]}`,
			true,
		},
		{"empty group", `{"condition":"AND","rules":[]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(json.RawMessage(tt.raw), ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.Evaluate(json.RawMessage(`{"condition":`), nil)
	assert.Error(t, err)

	_, err = e.Evaluate(json.RawMessage(`{"condition":"XOR","rules":[{"field":"a","operator":"eq","value":1}]}`), nil)
	assert.Error(t, err)

	_, err = e.EvaluateNode(&Node{Field: "a", Operator: "teleport"}, map[string]any{"a": 1})
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "teleport", evalErr.Operator)

	_, err = e.EvaluateNode(&Node{Field: "a", Operator: "regex", Value: "(a+)+"}, map[string]any{"a": "aaa"})
	assert.Error(t, err)
}

func TestEvaluate_ParsedTreeCached(t *testing.T) {
	e := newTestEvaluator(t)
	raw := json.RawMessage(`{"condition":"AND","rules":[{"field":"x","operator":"eq","value":1}]}`)

	for i := 0; i < 3; i++ {
		ok, err := e.Evaluate(raw, map[string]any{"x": 1})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, e.trees.Size())
	assert.EqualValues(t, 2, e.trees.Stats().Hits())
}

func TestValidateRegexComplexity(t *testing.T) {
	assert.NoError(t, validateRegexComplexity(`^\d{3}-\d{4}$`))
	assert.Error(t, validateRegexComplexity(`(.*)*x`))
	assert.Error(t, validateRegexComplexity(`a{1000,}`))
	assert.Error(t, validateRegexComplexity(`((((((a))))))`))
}
