// Package memory holds process-local stores with the same behaviour as the
// mongo repositories. They back tests and single-instance demos.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	UserStore struct {
		mu    sync.RWMutex
		users map[string]*model.User
	}

	MessageStore struct {
		mu       sync.RWMutex
		messages map[primitive.ObjectID]*model.Message
		byPair   map[conversation.Pair][]primitive.ObjectID
	}

	TokenStore struct {
		mu     sync.Mutex
		tokens map[primitive.ObjectID]*model.Token
	}
)

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*model.User)}
}

func (s *UserStore) GetByName(_ context.Context, name string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return nil, nil
	}
	out := *u
	out.Chats = slices.Clone(u.Chats)
	return &out, nil
}

func (s *UserStore) Create(_ context.Context, user *model.User) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Name]; ok {
		return primitive.NilObjectID, model.ErrConflict
	}

	user.ID = primitive.NewObjectID()
	if user.Chats == nil {
		user.Chats = []string{}
	}
	stored := *user
	stored.Chats = slices.Clone(user.Chats)
	s.users[user.Name] = &stored
	return user.ID, nil
}

func (s *UserStore) AddChat(_ context.Context, name, other string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return model.ErrNotFound
	}
	if !slices.Contains(u.Chats, other) {
		u.Chats = append(u.Chats, other)
	}
	return nil
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[primitive.ObjectID]*model.Message),
		byPair:   make(map[conversation.Pair][]primitive.ObjectID),
	}
}

func (s *MessageStore) Append(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = primitive.NewObjectID()
	if msg.Likers == nil {
		msg.Likers = []string{}
	}
	stored := *msg
	stored.Likers = slices.Clone(msg.Likers)

	pair := conversation.Pair{A: msg.User1, B: msg.User2}
	s.messages[msg.ID] = &stored
	s.byPair[pair] = append(s.byPair[pair], msg.ID)
	return nil
}

func (s *MessageStore) List(_ context.Context, pair conversation.Pair) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, 0, len(s.byPair[pair]))
	for _, id := range s.byPair[pair] {
		m := *s.messages[id]
		m.Likers = slices.Clone(m.Likers)
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b model.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}

func (s *MessageStore) Get(_ context.Context, id primitive.ObjectID) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	out := *m
	out.Likers = slices.Clone(m.Likers)
	return &out, nil
}

func (s *MessageStore) ToggleLike(_ context.Context, id primitive.ObjectID, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, model.ErrNotFound
	}

	if i := slices.Index(m.Likers, user); i >= 0 {
		m.Likers = slices.Delete(m.Likers, i, i+1)
		return false, nil
	}
	m.Likers = append(m.Likers, user)
	return true, nil
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[primitive.ObjectID]*model.Token)}
}

func (s *TokenStore) Create(_ context.Context, tok *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok.ID = primitive.NewObjectID()
	stored := *tok
	s.tokens[tok.ID] = &stored
	return nil
}

func (s *TokenStore) Find(_ context.Context, username, access, refresh string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Username == username && t.Access == access && t.Refresh == refresh {
			out := *t
			return &out, nil
		}
	}
	return nil, nil
}

func (s *TokenStore) Rotate(_ context.Context, id primitive.ObjectID, next *model.Token, graceUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Rotated() {
		return false, nil
	}
	t.NextAccess = next.Access
	t.NextRefresh = next.Refresh
	t.RefreshExpiry = graceUntil
	return true, nil
}

func (s *TokenStore) Delete(_ context.Context, id primitive.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return false, nil
	}
	delete(s.tokens, id)
	return true, nil
}
