package datamanager

import (
	"context"

	"github.com/carbonfay/DBCV-sub000/types"
)

// Store is the source of truth behind the cache. Lookups of absent entities
// return an error wrapping errors.ErrKeyNotFound (or the entity-specific
// sentinel such as errors.ErrBotNotFound).
type Store interface {
	GetBot(ctx context.Context, id string) (*types.Bot, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetChannel(ctx context.Context, id string) (*types.Channel, error)

	// FindSession returns the session for (user, bot, channel).
	FindSession(ctx context.Context, userID, botID, channelID string) (*types.Session, error)
	// CreateSession inserts s. When a session for the same triple already
	// exists the stored one is returned instead.
	CreateSession(ctx context.Context, s *types.Session) (*types.Session, error)
	SetSessionStep(ctx context.Context, sessionID, stepID string) error

	// LoadScope returns the scope blob for owner, empty when none is stored.
	LoadScope(ctx context.Context, scope types.Scope, ownerID string) (map[string]any, error)
	// PatchScope deep-merges patch into the stored blob and returns the result.
	PatchScope(ctx context.Context, scope types.Scope, ownerID string, patch map[string]any) (map[string]any, error)

	Subscribers(ctx context.Context, channelID string) (*types.Subscribers, error)
	// Unsubscribe removes userID from the channel and deletes the user's
	// sessions there along with their session scopes. It returns the ids of
	// the deleted sessions.
	Unsubscribe(ctx context.Context, channelID, userID string) ([]string, error)

	Credentials(ctx context.Context, botID, provider string) ([]*types.Credential, error)
	Credential(ctx context.Context, id string) (*types.Credential, error)

	Emitters(ctx context.Context) ([]*types.Emitter, error)
}
