package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"Zed", "adam"},
		{"user_1", "user-1"},
		{"a", "aa"},
	}

	for _, p := range pairs {
		ab, err := DeriveKey(p[0], p[1])
		require.NoError(t, err)
		ba, err := DeriveKey(p[1], p[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba, "DeriveKey(%q, %q)", p[0], p[1])
	}
}

func TestDeriveKey_Ordering(t *testing.T) {
	key, err := DeriveKey("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alicebob", key)

	// byte order, so upper case sorts first
	key, err = DeriveKey("alice", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "Bobalice", key)
}

func TestDeriveKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		err  error
	}{
		{name: "self chat", a: "alice", b: "alice", err: ErrSelfChat},
		{name: "empty first", a: "", b: "bob", err: ErrInvalidUsername},
		{name: "empty second", a: "alice", b: "", err: ErrInvalidUsername},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveKey(tt.a, tt.b)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestPair_Slots(t *testing.T) {
	p, err := NewPair("bob", "alice")
	require.NoError(t, err)

	slot, err := p.SlotOf("alice")
	require.NoError(t, err)
	assert.Equal(t, SlotA, slot)

	slot, err = p.SlotOf("bob")
	require.NoError(t, err)
	assert.Equal(t, SlotB, slot)

	_, err = p.SlotOf("carol")
	assert.ErrorIs(t, err, ErrNotParticipant)

	other, err := p.Other("alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", other)
	assert.True(t, p.Has("bob"))
	assert.False(t, p.Has("Bob"))
}

func TestValidUsername(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"alice", true},
		{"user_01-x", true},
		{"", false},
		{"has space", false},
		{"dot.name", false},
		{"abcdefghijabcdefghijabcdefghijabc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidUsername(tt.name))
		})
	}

	assert.Equal(t, "alice", NormalizeUsername("  alice\t"))
}
