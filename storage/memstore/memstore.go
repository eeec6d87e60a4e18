// Package memstore is an in-memory source of truth for local runs and tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
	"github.com/carbonfay/DBCV-sub000/types"
)

// Store keeps every entity in maps guarded by one mutex. Returned values are
// copies.
type Store struct {
	mu          sync.RWMutex
	bots        map[string]*types.Bot
	users       map[string]*types.User
	channels    map[string]*types.Channel
	sessions    map[string]*types.Session
	scopes      map[string]map[string]any
	subscribers map[string]*types.Subscribers
	credentials map[string]*types.Credential
	emitters    map[string]*types.Emitter
}

// New creates an empty store.
func New() *Store {
	return &Store{
		bots:        make(map[string]*types.Bot),
		users:       make(map[string]*types.User),
		channels:    make(map[string]*types.Channel),
		sessions:    make(map[string]*types.Session),
		scopes:      make(map[string]map[string]any),
		subscribers: make(map[string]*types.Subscribers),
		credentials: make(map[string]*types.Credential),
		emitters:    make(map[string]*types.Emitter),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, errors.ErrKeyNotFound)
}

// copyOf deep-copies v through JSON so callers never share state with the
// store.
func copyOf[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutBot stores or replaces a bot.
func (s *Store) PutBot(b *types.Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[b.ID] = b
}

func (s *Store) PutUser(u *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) PutChannel(c *types.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.ID] = c
}

// Subscribe adds bots and users to a channel.
func (s *Store) Subscribe(channelID string, botIDs, userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subscribers[channelID]
	if !ok {
		subs = &types.Subscribers{ChannelID: channelID}
		s.subscribers[channelID] = subs
	}
	subs.BotIDs = appendUnique(subs.BotIDs, botIDs...)
	subs.UserIDs = appendUnique(subs.UserIDs, userIDs...)
}

func appendUnique(list []string, ids ...string) []string {
	for _, id := range ids {
		found := false
		for _, existing := range list {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			list = append(list, id)
		}
	}
	return list
}

func (s *Store) PutCredential(c *types.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = c
}

func (s *Store) PutEmitter(e *types.Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitters[e.ID] = e
}

func (s *Store) GetBot(_ context.Context, id string) (*types.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %q: %w", id, errors.ErrBotNotFound)
	}
	return copyOf(b)
}

func (s *Store) GetUser(_ context.Context, id string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return copyOf(u)
}

func (s *Store) GetChannel(_ context.Context, id string) (*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, notFound("channel", id)
	}
	return copyOf(c)
}

func sessionTriple(userID, botID, channelID string) string {
	return userID + "\x00" + botID + "\x00" + channelID
}

func (s *Store) FindSession(_ context.Context, userID, botID, channelID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionTriple(userID, botID, channelID)]
	if !ok {
		return nil, notFound("session", sessionTriple(userID, botID, channelID))
	}
	return copyOf(sess)
}

func (s *Store) CreateSession(_ context.Context, sess *types.Session) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionTriple(sess.UserID, sess.BotID, sess.ChannelID)
	if existing, ok := s.sessions[key]; ok {
		return copyOf(existing)
	}
	stored, err := copyOf(sess)
	if err != nil {
		return nil, err
	}
	s.sessions[key] = stored
	return copyOf(stored)
}

func (s *Store) SetSessionStep(_ context.Context, sessionID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == sessionID {
			sess.StepID = stepID
			return nil
		}
	}
	return notFound("session", sessionID)
}

// SessionStep returns the stored step of the session for the triple.
func (s *Store) SessionStep(userID, botID, channelID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionTriple(userID, botID, channelID)]
	if !ok {
		return "", false
	}
	return sess.StepID, true
}

func scopeKey(scope types.Scope, ownerID string) string {
	return string(scope) + ":" + ownerID
}

func (s *Store) LoadScope(_ context.Context, scope types.Scope, ownerID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return dotpath.CloneMap(s.scopes[scopeKey(scope, ownerID)]), nil
}

func (s *Store) PatchScope(_ context.Context, scope types.Scope, ownerID string, patch map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(scope, ownerID)
	merged := dotpath.Merge(dotpath.CloneMap(s.scopes[key]), dotpath.CloneMap(patch))
	s.scopes[key] = merged
	return dotpath.CloneMap(merged), nil
}

func (s *Store) Subscribers(_ context.Context, channelID string) (*types.Subscribers, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs, ok := s.subscribers[channelID]
	if !ok {
		return nil, notFound("subscribers", channelID)
	}
	return copyOf(subs)
}

func (s *Store) Unsubscribe(_ context.Context, channelID, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subscribers[channelID]; ok {
		kept := subs.UserIDs[:0]
		for _, id := range subs.UserIDs {
			if id != userID {
				kept = append(kept, id)
			}
		}
		subs.UserIDs = kept
	}
	var removed []string
	for key, sess := range s.sessions {
		if sess.ChannelID == channelID && sess.UserID == userID {
			removed = append(removed, sess.ID)
			delete(s.scopes, scopeKey(types.ScopeSession, sess.ID))
			delete(s.sessions, key)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (s *Store) Credentials(_ context.Context, botID, provider string) ([]*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Credential
	for _, c := range s.credentials {
		if c.BotID == botID && c.Provider == provider {
			cp, err := copyOf(c)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Credential(_ context.Context, id string) (*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, notFound("credential", id)
	}
	return copyOf(c)
}

func (s *Store) Emitters(_ context.Context) ([]*types.Emitter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Emitter, 0, len(s.emitters))
	for _, e := range s.emitters {
		cp, err := copyOf(e)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
