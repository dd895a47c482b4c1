package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthInvalid means the server no longer recognizes the session.
	// It is the only error that ends a session.
	ErrAuthInvalid = errors.New("session is no longer valid")
	// ErrNotFound means a referenced user or conversation is absent.
	ErrNotFound = errors.New("not found")
	// ErrWrongPassword is returned by login only.
	ErrWrongPassword = errors.New("wrong password")
	// ErrNoSession is returned when a session-requiring operation runs
	// without an established session.
	ErrNoSession    = errors.New("no active session")
	ErrEmptyMessage = errors.New("message body is empty")
	// ErrConflict is returned by stores when a unique key already exists.
	ErrConflict = errors.New("already exists")
)

type (
	// ValidationError is raised before any network call and shown inline.
	ValidationError struct {
		Field  string
		Reason string
	}

	// RemoteError is a non-success status the caller did not map to a
	// sentinel. Message carries the server's "error" field, if any.
	RemoteError struct {
		Op      string
		Status  int
		Message string
	}
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
