package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"
	"duochat/internal/service/session"
)

// ConversationList is the dashboard's set of conversations.
type ConversationList struct {
	backend  Backend
	sessions *session.Manager

	mu    sync.Mutex
	chats []string
}

func NewConversationList(backend Backend, sessions *session.Manager) *ConversationList {
	return &ConversationList{
		backend:  backend,
		sessions: sessions,
	}
}

// Fetch loads the other participant of every conversation. A missing user
// is treated as an invalid session.
func (c *ConversationList) Fetch(ctx context.Context) ([]string, error) {
	chats, err := session.Guard(ctx, c.sessions, func(ctx context.Context, sess session.Session) ([]string, error) {
		chats, err := c.backend.GetChats(ctx, sess.Username)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", model.ErrAuthInvalid, err)
		}
		return chats, err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.chats = chats
	c.mu.Unlock()
	return append([]string(nil), chats...), nil
}

// Chats returns the last fetched list.
func (c *ConversationList) Chats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chats...)
}

// Create starts a conversation with newUser and returns the normalized
// name to navigate to. Creating an existing conversation again is
// harmless.
func (c *ConversationList) Create(ctx context.Context, newUser string) (string, error) {
	newUser = conversation.NormalizeUsername(newUser)
	if !conversation.ValidUsername(newUser) {
		return "", &model.ValidationError{Field: "username", Reason: "must be 1-32 letters, digits, '_' or '-'"}
	}

	err := c.sessions.Do(ctx, func(ctx context.Context, sess session.Session) error {
		if newUser == sess.Username {
			return &model.ValidationError{Field: "username", Reason: "you cannot start a conversation with yourself"}
		}
		return c.backend.NewChat(ctx, sess.Username, newUser)
	})
	if err != nil {
		return "", err
	}
	return newUser, nil
}
