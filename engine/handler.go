package engine

import (
	"context"
	"fmt"

	"github.com/carbonfay/DBCV-sub000/types"
)

// Input is what a handler sees for one group.
type Input struct {
	Bot     *types.Bot
	Group   *types.ConnectionGroup
	Message *types.IncomingMessage
	// Env is the namespaced working view: bot, user, channel, session,
	// template and message.
	Env    map[string]any
	Owners types.Owners
}

// Handler produces the context a group's connections are evaluated
// against. On error the returned map is the fallback context the group
// continues with.
type Handler interface {
	Handle(ctx context.Context, in Input) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, in Input) (map[string]any, error) {
	return f(ctx, in)
}

// HandlerSet holds one handler per search type. Nil entries are unsupported.
type HandlerSet struct {
	Message     Handler
	Response    Handler
	Code        Handler
	Integration Handler
}

// HandlerFor selects the handler for kind. An empty kind means message.
func HandlerFor(kind types.SearchType, set HandlerSet) (Handler, error) {
	var h Handler
	switch kind {
	case types.SearchMessage, "":
		h = set.Message
	case types.SearchResponse:
		h = set.Response
	case types.SearchCode:
		h = set.Code
	case types.SearchIntegration:
		h = set.Integration
	default:
		return nil, fmt.Errorf("unknown search type %q", kind)
	}
	if h == nil {
		return nil, fmt.Errorf("no handler configured for search type %q", kind)
	}
	return h, nil
}

// MessageHandler makes no call: the context is the incoming message.
type MessageHandler struct{}

func (MessageHandler) Handle(_ context.Context, in Input) (map[string]any, error) {
	if in.Message == nil {
		return map[string]any{}, nil
	}
	return in.Message.Context(), nil
}
