// Package session owns the client's authenticated identity and guards
// every session-requiring network call.
package session

import (
	"context"
	"errors"
	"sync"

	"duochat/internal/model"
	"duochat/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Token is the opaque credential carried by the transport's cookies.
	Token struct {
		Access  string `json:"access_token"`
		Refresh string `json:"refresh_token"`
	}

	Session struct {
		Username string `json:"username"`
		Token    Token  `json:"token"`
	}

	// Navigator moves the user to the unauthenticated entry view.
	Navigator interface {
		ToEntry()
	}

	// Store persists the session between client runs.
	Store interface {
		Load() (*Session, error)
		Save(s Session) error
		Delete() error
	}

	// Manager is the only writer of the Session. Every other component
	// reads it through Current or receives it from Do.
	Manager struct {
		mu      sync.RWMutex
		current *Session
		store   Store
		nav     Navigator
	}
)

func NewManager(store Store, nav Navigator) *Manager {
	return &Manager{
		store: store,
		nav:   nav,
	}
}

// SetNavigator is used when the view layer is built after the manager.
func (m *Manager) SetNavigator(nav Navigator) {
	m.mu.Lock()
	m.nav = nav
	m.mu.Unlock()
}

// Restore loads a persisted session. It returns false when there is none.
func (m *Manager) Restore() (bool, error) {
	s, err := m.store.Load()
	if err != nil {
		return false, err
	}
	if s == nil || s.Username == "" {
		return false, nil
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return true, nil
}

// Establish records a new session after login or account creation.
func (m *Manager) Establish(s Session) error {
	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	return m.store.Save(s)
}

// Current returns a copy of the active session.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Token satisfies the API client's credential source.
func (m *Manager) Token() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Token{}
	}
	return m.current.Token
}

// UpdateToken records a rotated credential. It is a no-op without a
// session or when the server cleared the cookies.
func (m *Manager) UpdateToken(t Token) {
	if t.Access == "" && t.Refresh == "" {
		return
	}

	m.mu.Lock()
	if m.current == nil || m.current.Token == t {
		m.mu.Unlock()
		return
	}
	m.current.Token = t
	s := *m.current
	m.mu.Unlock()

	if err := m.store.Save(s); err != nil {
		log.Error("persist rotated session token failed", zap.Error(err))
	}
}

// Clear destroys the local session.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return m.store.Delete()
}

// Invalidate clears the session and sends the user to the entry view.
func (m *Manager) Invalidate() {
	if err := m.Clear(); err != nil {
		log.Error("clear session failed", zap.Error(err))
	}

	m.mu.RLock()
	nav := m.nav
	m.mu.RUnlock()
	if nav != nil {
		nav.ToEntry()
	}
}

// Do runs op with the active session. An authorization failure clears the
// session, redirects to the entry view and discards op's result. Any other
// error is returned unchanged.
func (m *Manager) Do(ctx context.Context, op func(ctx context.Context, s Session) error) error {
	s, ok := m.Current()
	if !ok {
		m.Invalidate()
		return model.ErrNoSession
	}

	err := op(ctx, s)
	if err == nil {
		return nil
	}

	if errors.Is(err, model.ErrAuthInvalid) {
		log.Info("session invalidated by server", zap.String("username", s.Username), zap.Error(err))
		m.Invalidate()
		return err
	}
	return err
}

// Guard is Do for operations that produce a value.
func Guard[T any](ctx context.Context, m *Manager, op func(ctx context.Context, s Session) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, func(ctx context.Context, s Session) error {
		v, err := op(ctx, s)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
