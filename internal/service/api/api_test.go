package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"duochat/internal/model"
	"duochat/internal/service/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	token   session.Token
	updated []session.Token
}

func (s *staticCreds) Token() session.Token { return s.token }
func (s *staticCreds) UpdateToken(t session.Token) {
	s.updated = append(s.updated, t)
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *staticCreds) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	creds := &staticCreds{token: session.Token{Access: "acc", Refresh: "ref"}}
	c, err := NewClient(srv.URL, creds, time.Second)
	require.NoError(t, err)
	return c, creds
}

func statusHandler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error": "nope"}`))
	}
}

// sessionOps lists every operation that requires an established session.
func sessionOps(c *Client) map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		"get-messages": func(ctx context.Context) error {
			_, err := c.GetMessages(ctx, "alice", "bob")
			return err
		},
		"send-message": func(ctx context.Context) error { return c.SendMessage(ctx, "alice", "bob", "hi") },
		"update-like":  func(ctx context.Context) error { return c.UpdateLike(ctx, "m1", "alice", "bob") },
		"get-chats": func(ctx context.Context) error {
			_, err := c.GetChats(ctx, "alice")
			return err
		},
		"new-chat": func(ctx context.Context) error { return c.NewChat(ctx, "alice", "bob") },
		"logout":   func(ctx context.Context) error { return c.Logout(ctx, "alice") },
	}
}

func TestClient_SessionOpsMapAuthFailures(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c, _ := newTestClient(t, statusHandler(status))
		for name, op := range sessionOps(c) {
			t.Run(name, func(t *testing.T) {
				err := op(context.Background())
				assert.ErrorIs(t, err, model.ErrAuthInvalid)
				assert.Equal(t, "nope", RemoteMessage(err))
			})
		}
	}
}

func TestClient_SessionOpsMapNotFoundAndOther(t *testing.T) {
	c, _ := newTestClient(t, statusHandler(http.StatusNotFound))
	for name, op := range sessionOps(c) {
		t.Run(name+" 404", func(t *testing.T) {
			err := op(context.Background())
			assert.ErrorIs(t, err, model.ErrNotFound)
			assert.NotErrorIs(t, err, model.ErrAuthInvalid)
		})
	}

	c, _ = newTestClient(t, statusHandler(http.StatusInternalServerError))
	for name, op := range sessionOps(c) {
		t.Run(name+" 500", func(t *testing.T) {
			err := op(context.Background())
			var remote *model.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, http.StatusInternalServerError, remote.Status)
			assert.NotErrorIs(t, err, model.ErrAuthInvalid)
		})
	}
}

func TestClient_LoginStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, model.ErrWrongPassword},
		{http.StatusNotFound, model.ErrNotFound},
	}

	for _, tt := range tests {
		c, _ := newTestClient(t, statusHandler(tt.status))
		_, err := c.Login(context.Background(), "alice", "pw")
		assert.ErrorIs(t, err, tt.want)
		assert.NotErrorIs(t, err, model.ErrAuthInvalid, "a failed login is not a session invalidation")
	}
}

func TestClient_LoginReturnsCookieToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["username"])

		http.SetCookie(w, &http.Cookie{Name: AccessCookie, Value: "new-a"})
		http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "new-r"})
		w.WriteHeader(http.StatusOK)
	})

	tok, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, session.Token{Access: "new-a", Refresh: "new-r"}, tok)
}

func TestClient_GetMessagesSendsCookiesAndDecodes(t *testing.T) {
	c, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(AccessCookie)
		require.NoError(t, err)
		assert.Equal(t, "acc", ck.Value)

		http.SetCookie(w, &http.Cookie{Name: AccessCookie, Value: "rotated-a"})
		http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "rotated-r"})
		_, _ = w.Write([]byte(`{"value": [["hi", 1.5, [], 1, "65f0c0ffee0000000000beef"], ["yo", 2.5, ["alice"], 2, "65f0c0ffee0000000000bef0"]]}`))
	})

	msgs, err := c.GetMessages(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, []string{"alice"}, msgs[1].Likers)

	require.NotEmpty(t, creds.updated)
	assert.Equal(t, session.Token{Access: "rotated-a", Refresh: "rotated-r"}, creds.updated[len(creds.updated)-1])
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	done := make(chan struct{})

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	})
	// Registered after newTestClient so it runs before srv.Close (cleanups are LIFO).
	t.Cleanup(func() { close(done) })
	c.timeout = 20 * time.Millisecond

	_, err := c.GetMessages(context.Background(), "alice", "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, model.ErrAuthInvalid)
}
