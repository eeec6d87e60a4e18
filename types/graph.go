// Package types holds the workflow data model shared by the engine, the data
// manager, the stores and the stream layer.
package types

import (
	"encoding/json"
	"sort"
)

// SearchType selects the handler a ConnectionGroup runs before its
// connections are evaluated.
type SearchType string

// Handler kinds.
const (
	SearchMessage     SearchType = "message"
	SearchResponse    SearchType = "response"
	SearchCode        SearchType = "code"
	SearchIntegration SearchType = "integration"
)

// Bot is one workflow graph. Snapshot is the compiled form the executor
// walks; it is rebuilt whenever the graph is edited.
type Bot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	FirstStepID string         `json:"first_step_id"`
	Config      map[string]any `json:"config,omitempty"`
	Snapshot    *Snapshot      `json:"cache_structure,omitempty"`
}

// Snapshot is the arena of a bot's graph, keyed by step and template ID.
type Snapshot struct {
	FirstStepID  string                       `json:"first_step_id"`
	Steps        map[string]*Step             `json:"steps"`
	MasterGroups []*ConnectionGroup           `json:"master_groups,omitempty"`
	Templates    map[string]*TemplateInstance `json:"templates,omitempty"`
}

// Step returns the step with id.
func (s *Snapshot) Step(id string) (*Step, bool) {
	if s == nil || id == "" {
		return nil, false
	}
	st, ok := s.Steps[id]
	return st, ok
}

// Template returns the template instance with id.
func (s *Snapshot) Template(id string) (*TemplateInstance, bool) {
	if s == nil || id == "" {
		return nil, false
	}
	t, ok := s.Templates[id]
	return t, ok
}

// Step is a node of the graph. Arriving at a step emits its Message and runs
// its template. Proxy steps evaluate their own groups immediately instead of
// waiting for the next message.
type Step struct {
	ID         string             `json:"id"`
	BotID      string             `json:"bot_id,omitempty"`
	Name       string             `json:"name,omitempty"`
	IsProxy    bool               `json:"is_proxy"`
	Message    *Message           `json:"message,omitempty"`
	TemplateID string             `json:"template_instance_id,omitempty"`
	Groups     []*ConnectionGroup `json:"connection_groups,omitempty"`
}

// Message is the outbound text and parameters rendered on arrival at a step.
type Message struct {
	Text   string         `json:"text"`
	Params map[string]any `json:"params,omitempty"`
}

// ConnectionGroup pairs a handler with an ordered list of candidate
// transitions. Variables maps target paths to source paths in the handler
// context.
type ConnectionGroup struct {
	ID          string            `json:"id"`
	SearchType  SearchType        `json:"search_type"`
	Priority    int               `json:"priority"`
	Request     *Request          `json:"request,omitempty"`
	Code        string            `json:"code,omitempty"`
	Integration *IntegrationRef   `json:"integration,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Connections []*Connection     `json:"connections,omitempty"`
}

// IntegrationRef points a group at a plugin. Empty Version means latest.
type IntegrationRef struct {
	ID      string         `json:"id"`
	Version string         `json:"version,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Connection is a conditional edge. Empty Rules always match.
type Connection struct {
	ID         string          `json:"id"`
	NextStepID string          `json:"next_step_id"`
	Priority   int             `json:"priority"`
	Rules      json.RawMessage `json:"rules,omitempty"`
}

// Request is the saved HTTP call of a response group. String fields may hold
// {$ns.path$} placeholders.
type Request struct {
	Method         string          `json:"method"`
	URL            string          `json:"url"`
	Headers        map[string]any  `json:"headers,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
	JSON           any             `json:"json,omitempty"`
	Form           map[string]any  `json:"data,omitempty"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
	Auth           *AuthOverride   `json:"auth,omitempty"`
	TimeoutSeconds float64         `json:"timeout,omitempty"`
}

// AttachmentRef names an object store key sent as a multipart file field.
type AttachmentRef struct {
	Field    string `json:"field"`
	Key      string `json:"key"`
	Filename string `json:"filename,omitempty"`
}

// AuthOverride pins the provider, strategy or credential used for a request.
type AuthOverride struct {
	Provider     string   `json:"provider,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	CredentialID string   `json:"credential_id,omitempty"`
	Profile      string   `json:"profile,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// TemplateInstance is a reusable subgraph with a private "template"
// namespace. Inputs and Outputs map target paths to source paths.
type TemplateInstance struct {
	ID           string             `json:"id"`
	Name         string             `json:"name,omitempty"`
	FirstStepID  string             `json:"first_step_id"`
	Steps        map[string]*Step   `json:"steps"`
	MasterGroups []*ConnectionGroup `json:"master_groups,omitempty"`
	Variables    map[string]any     `json:"variables,omitempty"`
	Inputs       map[string]string  `json:"inputs_mapping,omitempty"`
	Outputs      map[string]string  `json:"outputs_mapping,omitempty"`
}

// Graph exposes the template as a snapshot so the executor can walk it with
// the same code as a bot graph.
func (t *TemplateInstance) Graph(templates map[string]*TemplateInstance) *Snapshot {
	return &Snapshot{
		FirstStepID:  t.FirstStepID,
		Steps:        t.Steps,
		MasterGroups: t.MasterGroups,
		Templates:    templates,
	}
}

// SortGroups returns groups ordered by ascending priority, stable on
// declaration order.
func SortGroups(groups []*ConnectionGroup) []*ConnectionGroup {
	out := make([]*ConnectionGroup, 0, len(groups))
	for _, g := range groups {
		if g != nil {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// SortConnections returns connections ordered by ascending priority, stable
// on declaration order.
func SortConnections(conns []*Connection) []*Connection {
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		if c != nil {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
