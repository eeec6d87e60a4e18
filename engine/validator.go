package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/carbonfay/DBCV-sub000/types"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one problem found in a graph snapshot.
type Issue struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	TemplateID string `json:"template_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	Message    string `json:"message"`
}

// ValidateSnapshot reports structural problems in a compiled graph: missing
// entry steps, dangling connections and templates, groups without the data
// their search type needs, malformed rules and proxy loops that never wait
// for input. The executor tolerates all of them; they are reported so
// authors can fix the graph.
func ValidateSnapshot(s *types.Snapshot) []Issue {
	if s == nil {
		return []Issue{{Type: "missing_snapshot", Severity: SeverityError, Message: "bot has no compiled graph"}}
	}
	v := &snapshotValidator{templates: s.Templates}
	v.graph("", s.FirstStepID, s.Steps, s.MasterGroups)

	ids := make([]string, 0, len(s.Templates))
	for id := range s.Templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := s.Templates[id]
		if t == nil {
			continue
		}
		v.graph(id, t.FirstStepID, t.Steps, t.MasterGroups)
	}
	return v.issues
}

type snapshotValidator struct {
	templates map[string]*types.TemplateInstance
	issues    []Issue
}

func (v *snapshotValidator) add(issue Issue) {
	v.issues = append(v.issues, issue)
}

func (v *snapshotValidator) graph(templateID, first string, steps map[string]*types.Step, master []*types.ConnectionGroup) {
	if _, ok := steps[first]; !ok {
		v.add(Issue{Type: "missing_first_step", Severity: SeverityError, TemplateID: templateID,
			StepID: first, Message: fmt.Sprintf("first step %q does not exist", first)})
	}

	for _, g := range master {
		v.group(templateID, "", g, steps)
	}

	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		step := steps[id]
		if step == nil {
			continue
		}
		if step.TemplateID != "" {
			if _, ok := v.templates[step.TemplateID]; !ok {
				v.add(Issue{Type: "missing_template", Severity: SeverityError, TemplateID: templateID, StepID: id,
					Message: fmt.Sprintf("template %q does not exist", step.TemplateID)})
			}
		}
		for _, g := range step.Groups {
			v.group(templateID, id, g, steps)
		}
	}

	v.proxyLoops(templateID, ids, steps)
}

func (v *snapshotValidator) group(templateID, stepID string, g *types.ConnectionGroup, steps map[string]*types.Step) {
	if g == nil {
		return
	}
	issue := func(typ, severity, msg string) {
		v.add(Issue{Type: typ, Severity: severity, TemplateID: templateID, StepID: stepID, GroupID: g.ID, Message: msg})
	}

	switch g.SearchType {
	case types.SearchMessage, "":
	case types.SearchResponse:
		if g.Request == nil || g.Request.URL == "" {
			issue("missing_request", SeverityError, "response group has no request url")
		}
	case types.SearchCode:
		if g.Code == "" {
			issue("missing_code", SeverityWarning, "code group has no snippet")
		}
	case types.SearchIntegration:
		if g.Integration == nil || g.Integration.ID == "" {
			issue("missing_integration", SeverityError, "integration group has no integration id")
		}
	default:
		issue("unknown_search_type", SeverityError, fmt.Sprintf("search type %q is not supported", g.SearchType))
	}

	for _, c := range g.Connections {
		if c == nil {
			continue
		}
		if _, ok := steps[c.NextStepID]; !ok {
			issue("dangling_connection", SeverityError, fmt.Sprintf("connection %s points at missing step %q", c.ID, c.NextStepID))
		}
		if len(c.Rules) > 0 && !json.Valid(c.Rules) {
			issue("invalid_rules", SeverityError, fmt.Sprintf("connection %s has malformed rules", c.ID))
		}
	}
}

// proxyLoops finds cycles of proxy steps joined by rule-less connections of
// message groups. Such a loop can only end at the hop limit.
func (v *snapshotValidator) proxyLoops(templateID string, ids []string, steps map[string]*types.Step) {
	next := func(id string) []string {
		step := steps[id]
		if step == nil || !step.IsProxy {
			return nil
		}
		var out []string
		for _, g := range step.Groups {
			if g == nil || (g.SearchType != types.SearchMessage && g.SearchType != "") {
				continue
			}
			for _, c := range g.Connections {
				if c != nil && len(c.Rules) == 0 {
					out = append(out, c.NextStepID)
				}
			}
		}
		return out
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, n := range next(id) {
			if visit(n) {
				state[id] = done
				return true
			}
		}
		state[id] = done
		return false
	}

	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			v.add(Issue{Type: "proxy_loop", Severity: SeverityWarning, TemplateID: templateID, StepID: id,
				Message: "proxy steps form a loop that never waits for input"})
		}
	}
}
