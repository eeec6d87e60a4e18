package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/carbonfay/DBCV-sub000/integration"
	"github.com/carbonfay/DBCV-sub000/types"
	"github.com/carbonfay/DBCV-sub000/variables"
)

// Authenticator applies bot credentials to outbound requests. auth.Service
// implements it.
type Authenticator interface {
	Apply(ctx context.Context, botID string, headers http.Header, targetURL string, override *types.AuthOverride) error
}

// IntegrationHandler substitutes placeholders into the group's declarative
// config and invokes the referenced plugin. The context is the plugin's
// {ok, result|error} envelope. A config key "auth" is removed from the config
// and used as the credential override for the plugin's requests.
type IntegrationHandler struct {
	Registry *integration.Registry
	Auth     Authenticator
}

func (h IntegrationHandler) Handle(ctx context.Context, in Input) (map[string]any, error) {
	ref := in.Group.Integration
	if ref == nil || ref.ID == "" {
		env := integration.Failure(fmt.Errorf("group %s has no integration", in.Group.ID))
		return env.Map(), nil
	}

	config, _ := variables.Substitute(ref.Config, in.Env).(map[string]any)
	if config == nil {
		config = map[string]any{}
	}

	var override *types.AuthOverride
	if raw, ok := config["auth"]; ok {
		delete(config, "auth")
		override = decodeOverride(raw)
	}

	call := integration.Call{
		BotID:  in.Bot.ID,
		Config: config,
		Input:  in.Env,
	}
	if h.Auth != nil {
		botID := in.Bot.ID
		call.Authorize = func(ctx context.Context, headers http.Header, targetURL string) error {
			return h.Auth.Apply(ctx, botID, headers, targetURL, override)
		}
	}

	env := h.Registry.Invoke(ctx, ref.ID, ref.Version, call)
	return env.Map(), nil
}

func decodeOverride(raw any) *types.AuthOverride {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var o types.AuthOverride
	if err := json.Unmarshal(b, &o); err != nil {
		return nil
	}
	return &o
}
