package datamanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
	"github.com/carbonfay/DBCV-sub000/types"
)

// Cache keys.
func BotKey(id string) string { return "bot:" + id }

func UserKey(id string) string { return "user:" + id }

func ChannelKey(id string) string { return "channel:" + id }

func SessionKey(userID, botID, channelID string) string {
	return fmt.Sprintf("session:%s:%s:%s", userID, botID, channelID)
}

func ScopeKey(scope types.Scope, ownerID string) string {
	return fmt.Sprintf("scope:%s:%s", scope, ownerID)
}

func SubscribersKey(channelID string) string { return "subscribers:" + channelID }

func CredentialsKey(botID, provider string) string {
	return fmt.Sprintf("credentials:%s:%s", botID, provider)
}

func CredentialKey(id string) string { return "credential:" + id }

// Bot returns the bot with its compiled snapshot.
func (m *Manager) Bot(ctx context.Context, id string) (*types.Bot, error) {
	return GetOrLoad(ctx, m, BotKey(id), m.ttl.Bot, func(ctx context.Context) (*types.Bot, error) {
		return m.store.GetBot(ctx, id)
	})
}

func (m *Manager) User(ctx context.Context, id string) (*types.User, error) {
	return GetOrLoad(ctx, m, UserKey(id), m.ttl.User, func(ctx context.Context) (*types.User, error) {
		return m.store.GetUser(ctx, id)
	})
}

func (m *Manager) Channel(ctx context.Context, id string) (*types.Channel, error) {
	return GetOrLoad(ctx, m, ChannelKey(id), m.ttl.Channel, func(ctx context.Context) (*types.Channel, error) {
		return m.store.GetChannel(ctx, id)
	})
}

// Session returns the session for (user, bot, channel), creating it at
// firstStepID when none exists.
func (m *Manager) Session(ctx context.Context, userID, botID, channelID, firstStepID string) (*types.Session, error) {
	key := SessionKey(userID, botID, channelID)
	return GetOrLoad(ctx, m, key, m.ttl.Session, func(ctx context.Context) (*types.Session, error) {
		s, err := m.store.FindSession(ctx, userID, botID, channelID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, errors.ErrKeyNotFound) {
			return nil, err
		}
		now := time.Now().UTC()
		return m.store.CreateSession(ctx, &types.Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			BotID:     botID,
			ChannelID: channelID,
			StepID:    firstStepID,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
}

// SetSessionStep moves the session cursor and refreshes the cached copy.
func (m *Manager) SetSessionStep(ctx context.Context, s *types.Session, stepID string) (*types.Session, error) {
	key := SessionKey(s.UserID, s.BotID, s.ChannelID)
	return Update(ctx, m, key, m.ttl.Session, func(ctx context.Context) (*types.Session, error) {
		if err := m.store.SetSessionStep(ctx, s.ID, stepID); err != nil {
			return nil, err
		}
		next := *s
		next.StepID = stepID
		next.UpdatedAt = time.Now().UTC()
		return &next, nil
	})
}

// Scope returns one scope blob. The result is never nil.
func (m *Manager) Scope(ctx context.Context, scope types.Scope, ownerID string) (map[string]any, error) {
	if !scope.Valid() {
		return nil, errors.WrapInvalid(fmt.Errorf("scope %q", scope), "Manager", "Scope", "validate scope")
	}
	if ownerID == "" {
		return map[string]any{}, nil
	}
	v, err := GetOrLoad(ctx, m, ScopeKey(scope, ownerID), m.ttl.Scope, func(ctx context.Context) (map[string]any, error) {
		return m.store.LoadScope(ctx, scope, ownerID)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = map[string]any{}
	}
	return v, nil
}

// Scopes loads every persisted scope for owners.
func (m *Manager) Scopes(ctx context.Context, owners types.Owners) (map[types.Scope]map[string]any, error) {
	out := make(map[types.Scope]map[string]any, len(types.Scopes))
	for _, scope := range types.Scopes {
		blob, err := m.Scope(ctx, scope, owners.Of(scope))
		if err != nil {
			return nil, errors.Wrap(err, "Manager", "Scopes", "load "+string(scope))
		}
		out[scope] = blob
	}
	return out, nil
}

// PatchScope merges patch into the stored scope and caches the result.
func (m *Manager) PatchScope(ctx context.Context, scope types.Scope, ownerID string, patch map[string]any) (map[string]any, error) {
	if !scope.Valid() {
		return nil, errors.WrapInvalid(fmt.Errorf("scope %q", scope), "Manager", "PatchScope", "validate scope")
	}
	return Update(ctx, m, ScopeKey(scope, ownerID), m.ttl.Scope, func(ctx context.Context) (map[string]any, error) {
		merged, err := m.store.PatchScope(ctx, scope, ownerID, patch)
		if err != nil {
			return nil, err
		}
		return dotpath.CloneMap(merged), nil
	})
}

// Subscribers returns the channel's participants. A channel nobody has
// joined yields an empty list.
func (m *Manager) Subscribers(ctx context.Context, channelID string) (*types.Subscribers, error) {
	return GetOrLoad(ctx, m, SubscribersKey(channelID), m.ttl.Subscribers, func(ctx context.Context) (*types.Subscribers, error) {
		subs, err := m.store.Subscribers(ctx, channelID)
		if errors.Is(err, errors.ErrKeyNotFound) {
			return &types.Subscribers{ChannelID: channelID}, nil
		}
		return subs, err
	})
}

// Credentials lists a bot's credentials for provider.
func (m *Manager) Credentials(ctx context.Context, botID, provider string) ([]*types.Credential, error) {
	return GetOrLoad(ctx, m, CredentialsKey(botID, provider), m.ttl.Credentials, func(ctx context.Context) ([]*types.Credential, error) {
		return m.store.Credentials(ctx, botID, provider)
	})
}

func (m *Manager) Credential(ctx context.Context, id string) (*types.Credential, error) {
	return GetOrLoad(ctx, m, CredentialKey(id), m.ttl.Credentials, func(ctx context.Context) (*types.Credential, error) {
		return m.store.Credential(ctx, id)
	})
}

// Emitters reads emitter definitions straight from the store.
func (m *Manager) Emitters(ctx context.Context) ([]*types.Emitter, error) {
	return m.store.Emitters(ctx)
}

// Unsubscribe removes userID from the channel. The user's sessions there and
// their session scopes are deleted from the store and evicted from the
// cache; user and channel scopes are kept.
func (m *Manager) Unsubscribe(ctx context.Context, channelID, userID string) error {
	subs, err := m.Subscribers(ctx, channelID)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Unsubscribe", "load subscribers")
	}
	removed, err := m.store.Unsubscribe(ctx, channelID, userID)
	if err != nil {
		return errors.Wrap(err, "Manager", "Unsubscribe", "delete sessions")
	}

	keys := []string{SubscribersKey(channelID)}
	for _, botID := range subs.BotIDs {
		keys = append(keys, SessionKey(userID, botID, channelID))
	}
	for _, id := range removed {
		keys = append(keys, ScopeKey(types.ScopeSession, id))
	}
	if err := m.Invalidate(ctx, keys...); err != nil {
		return errors.WrapTransient(err, "Manager", "Unsubscribe", "invalidate")
	}
	return nil
}
