package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortGroups_StableByPriority(t *testing.T) {
	groups := []*ConnectionGroup{
		{ID: "late", Priority: 5},
		{ID: "first", Priority: 1},
		nil,
		{ID: "second", Priority: 1},
	}

	sorted := SortGroups(groups)
	require.Len(t, sorted, 3)
	assert.Equal(t, []string{"first", "second", "late"},
		[]string{sorted[0].ID, sorted[1].ID, sorted[2].ID})
}

func TestSnapshot_Decode(t *testing.T) {
	raw := `{
		"first_step_id": "A",
		"steps": {
			"A": {"id": "A", "connection_groups": [
				{"id": "g1", "search_type": "message", "connections": [
					{"id": "c1", "next_step_id": "B",
					 "rules": {"condition": "AND", "rules": [{"field": "message.text", "operator": "equal", "value": "start"}]}}
				]}
			]},
			"B": {"id": "B", "message": {"text": "done"}}
		}
	}`

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))

	a, ok := snap.Step("A")
	require.True(t, ok)
	require.Len(t, a.Groups, 1)
	assert.Equal(t, SearchMessage, a.Groups[0].SearchType)
	assert.NotEmpty(t, a.Groups[0].Connections[0].Rules)

	_, ok = snap.Step("missing")
	assert.False(t, ok)
}

func TestIncomingMessage_Context(t *testing.T) {
	m := &IncomingMessage{ID: "m1", Type: MessageTypeMessage, Text: "hi", UserID: "u1"}
	ctx := m.Context()
	assert.Equal(t, "hi", ctx["text"])
	assert.Equal(t, map[string]any{}, ctx["params"])
	assert.False(t, m.IsControl())
}

func TestOwners_Of(t *testing.T) {
	o := Owners{BotID: "b", UserID: "u", ChannelID: "c", SessionID: "s"}
	for _, scope := range Scopes {
		assert.NotEmpty(t, o.Of(scope))
		assert.True(t, scope.Valid())
	}
	assert.False(t, Scope("template").Valid())
}
