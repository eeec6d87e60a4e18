package types

import "time"

// Scope is a variable namespace persisted per owner.
type Scope string

// Persisted scopes.
const (
	ScopeBot     Scope = "bot"
	ScopeUser    Scope = "user"
	ScopeChannel Scope = "channel"
	ScopeSession Scope = "session"
)

// Working namespaces that are never persisted.
const (
	NamespaceTemplate = "template"
	NamespaceMessage  = "message"
	NamespaceContext  = "context"
)

// Scopes lists the persisted scopes in load order.
var Scopes = []Scope{ScopeBot, ScopeUser, ScopeChannel, ScopeSession}

// Valid reports whether s is a persisted scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeBot, ScopeUser, ScopeChannel, ScopeSession:
		return true
	}
	return false
}

// Owners carries the owner ID of every persisted scope for one execution.
type Owners struct {
	BotID     string
	UserID    string
	ChannelID string
	SessionID string
}

// Of returns the owner ID for scope.
func (o Owners) Of(scope Scope) string {
	switch scope {
	case ScopeBot:
		return o.BotID
	case ScopeUser:
		return o.UserID
	case ScopeChannel:
		return o.ChannelID
	case ScopeSession:
		return o.SessionID
	}
	return ""
}

// Session is the cursor of one user through one bot in one channel.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	BotID     string    `json:"bot_id"`
	ChannelID string    `json:"channel_id"`
	StepID    string    `json:"step_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a human participant.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Channel is a conversation bots and users subscribe to.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Subscribers lists the participants of a channel.
type Subscribers struct {
	ChannelID string   `json:"channel_id"`
	BotIDs    []string `json:"bot_ids"`
	UserIDs   []string `json:"user_ids"`
}

// BotsExcept returns the subscriber bots other than botID, in order.
func (s *Subscribers) BotsExcept(botID string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.BotIDs))
	for _, id := range s.BotIDs {
		if id != botID {
			out = append(out, id)
		}
	}
	return out
}
