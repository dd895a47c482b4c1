// Package conversation derives the canonical identity of a two-party
// conversation from its participants' usernames.
package conversation

import (
	"errors"
	"regexp"
	"strings"
)

// Slot identifies which canonical participant authored a message.
type Slot int

const (
	SlotA Slot = 1 // lexicographically smaller username
	SlotB Slot = 2
)

var (
	ErrSelfChat        = errors.New("conversation: cannot start a conversation with yourself")
	ErrInvalidUsername = errors.New("conversation: invalid username")
	ErrNotParticipant  = errors.New("conversation: user is not a participant")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

type (
	// Pair is an unordered pair of distinct usernames stored in canonical
	// order, A < B.
	Pair struct {
		A string
		B string
	}
)

// NormalizeUsername trims surrounding whitespace. Comparison stays
// case-sensitive.
func NormalizeUsername(name string) string {
	return strings.TrimSpace(name)
}

// ValidUsername reports whether name is an acceptable, already
// normalized username.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// NewPair orders the two usernames canonically.
func NewPair(a, b string) (Pair, error) {
	if a == "" || b == "" {
		return Pair{}, ErrInvalidUsername
	}
	if a == b {
		return Pair{}, ErrSelfChat
	}
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}, nil
}

// Key is the smaller username followed by the larger one.
func (p Pair) Key() string {
	return p.A + p.B
}

// SlotOf returns the canonical slot of user within the pair.
func (p Pair) SlotOf(user string) (Slot, error) {
	switch user {
	case p.A:
		return SlotA, nil
	case p.B:
		return SlotB, nil
	}
	return 0, ErrNotParticipant
}

// Other returns the participant that is not user.
func (p Pair) Other(user string) (string, error) {
	switch user {
	case p.A:
		return p.B, nil
	case p.B:
		return p.A, nil
	}
	return "", ErrNotParticipant
}

// Has reports whether user is one of the participants.
func (p Pair) Has(user string) bool {
	return user == p.A || user == p.B
}

// DeriveKey derives the topic name shared by both participants of a
// conversation. DeriveKey(a, b) == DeriveKey(b, a).
func DeriveKey(a, b string) (string, error) {
	p, err := NewPair(a, b)
	if err != nil {
		return "", err
	}
	return p.Key(), nil
}
