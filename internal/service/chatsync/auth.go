package chatsync

import (
	"context"
	"errors"
	"net/http"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"
	"duochat/internal/service/session"
	"duochat/internal/utils/log"

	"go.uber.org/zap"
)

const MinPasswordLength = 4

// Auth runs the unauthenticated entry flows and logout.
type Auth struct {
	backend  Backend
	sessions *session.Manager
}

func NewAuth(backend Backend, sessions *session.Manager) *Auth {
	return &Auth{
		backend:  backend,
		sessions: sessions,
	}
}

func (a *Auth) Login(ctx context.Context, username, password string) error {
	username = conversation.NormalizeUsername(username)
	if username == "" {
		return &model.ValidationError{Field: "username", Reason: "is required"}
	}

	token, err := a.backend.Login(ctx, username, password)
	if err != nil {
		return err
	}
	return a.sessions.Establish(session.Session{Username: username, Token: token})
}

// CreateAccount validates the form locally before calling the server.
func (a *Auth) CreateAccount(ctx context.Context, username, password, confirm string) error {
	username = conversation.NormalizeUsername(username)
	switch {
	case !conversation.ValidUsername(username):
		return &model.ValidationError{Field: "username", Reason: "must be 1-32 letters, digits, '_' or '-'"}
	case password != confirm:
		return &model.ValidationError{Field: "password", Reason: "passwords don't match"}
	case len(password) < MinPasswordLength:
		return &model.ValidationError{Field: "password", Reason: "must be at least 4 characters long"}
	}

	token, err := a.backend.CreateAccount(ctx, username, password)
	if err != nil {
		return err
	}
	return a.sessions.Establish(session.Session{Username: username, Token: token})
}

// Logout tells the server, then always clears the local session and
// returns to the entry view.
func (a *Auth) Logout(ctx context.Context) error {
	err := a.sessions.Do(ctx, func(ctx context.Context, sess session.Session) error {
		return a.backend.Logout(ctx, sess.Username)
	})
	if sessionEnded(err) {
		return nil
	}
	if err != nil {
		log.Warn("server logout failed, clearing local session anyway", zap.Error(err))
	}
	a.sessions.Invalidate()
	return nil
}

// ErrorMessage is the inline text shown for an entry form failure.
func ErrorMessage(err error) string {
	var (
		verr   *model.ValidationError
		remote *model.RemoteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Reason
	case errors.Is(err, model.ErrWrongPassword):
		return "Wrong password"
	case errors.Is(err, model.ErrNotFound):
		return "User not found"
	case errors.As(err, &remote) && remote.Message != "":
		return remote.Message
	case errors.As(err, &remote) && remote.Status == http.StatusBadRequest:
		return "Bad request"
	}
	return "Something went wrong, try again"
}
