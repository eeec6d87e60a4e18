package engine

import (
	"context"

	"github.com/carbonfay/DBCV-sub000/sandbox"
)

// CodeHandler runs the group's snippet with the incoming message as context
// and the working view as variables.
type CodeHandler struct {
	Sandbox *sandbox.Sandbox
}

func (h CodeHandler) Handle(ctx context.Context, in Input) (map[string]any, error) {
	input := map[string]any{}
	if in.Message != nil {
		input = in.Message.Context()
	}
	return h.Sandbox.Run(ctx, in.Group.Code, input, in.Env)
}
