// Package integration hosts the plugins run by integration groups.
//
// Plugins are registered under an id and a semantic version. A group that
// names no version gets the highest registered one. Each plugin publishes a
// JSON schema for its configuration; configs are validated against it before
// the plugin runs, and every outcome is reported as an Envelope.
package integration

import (
	"context"
	"net/http"
)

// Plugin performs one provider-specific call.
type Plugin interface {
	ID() string
	// Version is a semantic version, with or without a leading "v".
	Version() string
	// Schema is the JSON schema of the config. Nil accepts any object.
	Schema() []byte
	Execute(ctx context.Context, call Call) (any, error)
}

// Authorizer stamps credentials onto an outbound request for targetURL.
type Authorizer func(ctx context.Context, headers http.Header, targetURL string) error

// Call is the input of one plugin execution.
type Call struct {
	BotID string
	// Config has already had placeholders substituted.
	Config map[string]any
	// Input is the handler context: the incoming message and merged scopes.
	Input map[string]any
	// Authorize may be nil when no credentials apply.
	Authorize Authorizer
}

// Envelope is the normalized outcome of an integration call.
type Envelope struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Map renders the envelope as a handler context.
func (e Envelope) Map() map[string]any {
	out := map[string]any{"ok": e.OK}
	if e.OK {
		out["result"] = e.Result
	} else {
		out["error"] = e.Error
	}
	return out
}

// Success wraps a plugin result.
func Success(result any) Envelope { return Envelope{OK: true, Result: result} }

// Failure wraps an error.
func Failure(err error) Envelope { return Envelope{OK: false, Error: err.Error()} }
