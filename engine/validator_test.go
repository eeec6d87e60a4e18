package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carbonfay/DBCV-sub000/types"
)

func issueTypes(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Type)
	}
	return out
}

func TestValidateSnapshot(t *testing.T) {
	assert.Equal(t, []string{"missing_snapshot"}, issueTypes(ValidateSnapshot(nil)))

	clean := &types.Snapshot{FirstStepID: "A", Steps: map[string]*types.Step{
		"A": {ID: "A", Groups: []*types.ConnectionGroup{
			{ID: "g", Connections: []*types.Connection{{ID: "c", NextStepID: "B", Rules: json.RawMessage(`{"field":"text","operator":"equal","value":"x"}`)}}},
		}},
		"B": {ID: "B"},
	}}
	assert.Empty(t, ValidateSnapshot(clean))

	broken := &types.Snapshot{
		FirstStepID: "Z",
		Steps: map[string]*types.Step{
			"A": {ID: "A", TemplateID: "ghost", Groups: []*types.ConnectionGroup{
				{ID: "resp", SearchType: types.SearchResponse},
				{ID: "code", SearchType: types.SearchCode},
				{ID: "int", SearchType: types.SearchIntegration},
				{ID: "odd", SearchType: "telepathy"},
				{ID: "edges", Connections: []*types.Connection{
					{ID: "dangling", NextStepID: "nowhere"},
					{ID: "bad", NextStepID: "A", Rules: json.RawMessage(`{"field":`)},
				}},
			}},
		},
	}
	got := issueTypes(ValidateSnapshot(broken))
	for _, want := range []string{
		"missing_first_step", "missing_template", "missing_request", "missing_code",
		"missing_integration", "unknown_search_type", "dangling_connection", "invalid_rules",
	} {
		assert.Contains(t, got, want)
	}
}

func TestValidateSnapshot_ProxyLoop(t *testing.T) {
	loop := &types.Snapshot{FirstStepID: "P1", Steps: map[string]*types.Step{
		"P1": {ID: "P1", IsProxy: true, Groups: []*types.ConnectionGroup{{ID: "g1", Connections: []*types.Connection{{ID: "a", NextStepID: "P2"}}}}},
		"P2": {ID: "P2", IsProxy: true, Groups: []*types.ConnectionGroup{{ID: "g2", Connections: []*types.Connection{{ID: "b", NextStepID: "P1"}}}}},
	}}
	issues := ValidateSnapshot(loop)
	assert.Contains(t, issueTypes(issues), "proxy_loop")
	for _, i := range issues {
		if i.Type == "proxy_loop" {
			assert.Equal(t, SeverityWarning, i.Severity)
		}
	}

	guarded := &types.Snapshot{FirstStepID: "P1", Steps: map[string]*types.Step{
		"P1": {ID: "P1", IsProxy: true, Groups: []*types.ConnectionGroup{{ID: "g1", Connections: []*types.Connection{
			{ID: "a", NextStepID: "P2", Rules: json.RawMessage(`{"field":"text","operator":"equal","value":"go"}`)},
		}}}},
		"P2": {ID: "P2", IsProxy: true, Groups: []*types.ConnectionGroup{{ID: "g2", Connections: []*types.Connection{{ID: "b", NextStepID: "P1"}}}}},
	}}
	assert.NotContains(t, issueTypes(ValidateSnapshot(guarded)), "proxy_loop")
}

func TestValidateSnapshot_Templates(t *testing.T) {
	s := &types.Snapshot{
		FirstStepID: "A",
		Steps:       map[string]*types.Step{"A": {ID: "A", TemplateID: "t"}},
		Templates: map[string]*types.TemplateInstance{
			"t": {ID: "t", FirstStepID: "missing", Steps: map[string]*types.Step{"t1": {ID: "t1"}}},
		},
	}
	issues := ValidateSnapshot(s)
	if assert.Len(t, issues, 1) {
		assert.Equal(t, "missing_first_step", issues[0].Type)
		assert.Equal(t, "t", issues[0].TemplateID)
	}
}
