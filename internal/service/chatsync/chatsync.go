// Package chatsync keeps a client's view of its conversations consistent
// with the server. Every mutation goes to the server; local state only
// changes when a notification-triggered refetch completes.
package chatsync

import (
	"context"
	"errors"

	"duochat/internal/model"
	"duochat/internal/service/session"
)

type (
	// Backend is the subset of the HTTP API the sync components use.
	Backend interface {
		Login(ctx context.Context, username, password string) (session.Token, error)
		CreateAccount(ctx context.Context, username, password string) (session.Token, error)
		Logout(ctx context.Context, username string) error
		GetChats(ctx context.Context, username string) ([]string, error)
		NewChat(ctx context.Context, currentUser, newUser string) error
		SendMessage(ctx context.Context, sender, recipient, message string) error
		GetMessages(ctx context.Context, sender, recipient string) ([]model.Message, error)
		UpdateLike(ctx context.Context, messageID, username, username2 string) error
	}

	// Notifier is the notification channel transport.
	Notifier interface {
		Subscribe(topic, peer string, h func(model.Frame)) (func() error, error)
		Refresh() error
	}

	Deps struct {
		Backend  Backend
		Sessions *session.Manager
		Notifier Notifier
	}
)

// sessionEnded reports errors after which nothing should be retried.
func sessionEnded(err error) bool {
	return errors.Is(err, model.ErrAuthInvalid) || errors.Is(err, model.ErrNoSession)
}
