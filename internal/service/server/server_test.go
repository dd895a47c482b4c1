package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"duochat/internal/model"
	"duochat/internal/repository/memory"
	"duochat/internal/service/api"
	"duochat/internal/service/broker"
	"duochat/internal/service/chatsync"
	"duochat/internal/service/lock"
	"duochat/internal/service/notify"
	"duochat/internal/service/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	srv    *HttpServer
	http   *httptest.Server
	tokens *memory.TokenStore
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	opts.BcryptCost = bcrypt.MinCost

	tokens := memory.NewTokenStore()
	b := broker.NewLocal()
	s := NewHttpServer(memory.NewUserStore(), memory.NewMessageStore(), tokens, b, lock.NewLocal(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = b.Run(ctx, s.relay)
	}()

	hs := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.hub.Close()
		hs.Close()
		cancel()
		<-relayDone
	})
	return &testEnv{srv: s, http: hs, tokens: tokens}
}

type nopNavigator struct{}

func (nopNavigator) ToEntry() {}

type user struct {
	name     string
	sessions *session.Manager
	client   *api.Client
}

func (e *testEnv) newUser(t *testing.T, name string) *user {
	t.Helper()
	sessions := session.NewManager(&session.MemoryStore{}, nopNavigator{})
	client, err := api.NewClient(e.http.URL, sessions, 5*time.Second)
	require.NoError(t, err)

	tok, err := client.CreateAccount(context.Background(), name, "secret")
	require.NoError(t, err)
	require.NoError(t, sessions.Establish(session.Session{Username: name, Token: tok}))
	return &user{name: name, sessions: sessions, client: client}
}

func TestAccounts(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.newUser(t, "alice")
	ctx := context.Background()

	anon, err := api.NewClient(env.http.URL, nil, time.Second)
	require.NoError(t, err)

	_, err = anon.CreateAccount(ctx, "alice", "other")
	var remote *model.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusConflict, remote.Status)
	assert.Equal(t, "Username already exists", remote.Message)

	_, err = anon.CreateAccount(ctx, "bad name", "secret")
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusBadRequest, remote.Status)

	_, err = anon.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, model.ErrWrongPassword)

	_, err = anon.Login(ctx, "nobody", "secret")
	assert.ErrorIs(t, err, model.ErrNotFound)

	tok, err := anon.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Access)
	assert.NotEmpty(t, tok.Refresh)
}

func TestSessionEndpointsRequireCookies(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.newUser(t, "alice")
	env.newUser(t, "bob")

	anon, err := api.NewClient(env.http.URL, nil, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = anon.GetChats(ctx, "alice")
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
	assert.ErrorIs(t, anon.SendMessage(ctx, "alice", "bob", "hi"), model.ErrAuthInvalid)
	assert.ErrorIs(t, anon.NewChat(ctx, "alice", "bob"), model.ErrAuthInvalid)
	_, err = anon.GetMessages(ctx, "alice", "bob")
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
}

func TestCookiesAreBoundToTheirUser(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	env.newUser(t, "bob")

	// alice's cookies cannot act as bob
	err := alice.client.SendMessage(context.Background(), "bob", "alice", "spoofed")
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
}

func (e *testEnv) getChatsWith(t *testing.T, username string, tok session.Token) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.http.URL+"/get-chats/"+username, nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: AccessCookie, Value: tok.Access})
	req.AddCookie(&http.Cookie{Name: RefreshCookie, Value: tok.Refresh})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func responseCookie(resp *http.Response, name string) string {
	for _, ck := range resp.Cookies() {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func TestTokenRotation(t *testing.T) {
	env := newTestEnv(t, Options{AccessTTL: 100 * time.Millisecond, RefreshTTL: time.Hour, RotationGrace: 150 * time.Millisecond})
	alice := env.newUser(t, "alice")
	ctx := context.Background()

	before := alice.sessions.Token()
	time.Sleep(120 * time.Millisecond)
	_, err := alice.client.GetChats(ctx, "alice")
	require.NoError(t, err)

	after := alice.sessions.Token()
	assert.NotEqual(t, before, after)

	// a request that still carries the spent pair is answered with its successor
	resp := env.getChatsWith(t, "alice", before)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, after.Access, responseCookie(resp, AccessCookie))
	assert.Equal(t, after.Refresh, responseCookie(resp, RefreshCookie))

	time.Sleep(200 * time.Millisecond)
	resp = env.getChatsWith(t, "alice", before)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "the grace window is over")

	_, err = alice.client.GetChats(ctx, "alice")
	require.NoError(t, err)
}

func TestTokenRotation_RacingRequestsShareOneSuccessor(t *testing.T) {
	env := newTestEnv(t, Options{AccessTTL: 50 * time.Millisecond, RefreshTTL: time.Hour})
	alice := env.newUser(t, "alice")
	spent := alice.sessions.Token()
	time.Sleep(60 * time.Millisecond)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/get-chats/alice", nil)
			req.AddCookie(&http.Cookie{Name: AccessCookie, Value: spent.Access})
			req.AddCookie(&http.Cookie{Name: RefreshCookie, Value: spent.Refresh})
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
				codes[i] = resp.StatusCode
			}
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestExpiredRefreshTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{AccessTTL: time.Nanosecond, RefreshTTL: time.Nanosecond})
	alice := env.newUser(t, "alice")

	_, err := alice.client.GetChats(context.Background(), "alice")
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
}

func TestLogoutForgetsToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	ctx := context.Background()
	tok := alice.sessions.Token()

	require.NoError(t, alice.client.Logout(ctx, "alice"))

	found, err := env.tokens.Find(ctx, "alice", tok.Access, tok.Refresh)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestConversationFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.client.NewChat(ctx, "alice", "bob"))
	require.NoError(t, alice.client.NewChat(ctx, "alice", "bob"))
	chats, err := alice.client.GetChats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, chats)

	msgs, err := alice.client.GetMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, alice.client.SendMessage(ctx, "alice", "bob", "hi bob"))
	require.NoError(t, bob.client.SendMessage(ctx, "bob", "alice", "hi alice"))

	chats, err = bob.client.GetChats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, chats)

	msgs, err = bob.client.GetMessages(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi bob", msgs[0].Body)
	assert.EqualValues(t, 1, msgs[0].Sender)
	assert.Equal(t, "hi alice", msgs[1].Body)
	assert.EqualValues(t, 2, msgs[1].Sender)
	assert.Empty(t, msgs[0].Likers)

	id := msgs[0].ID.Hex()
	require.NoError(t, bob.client.UpdateLike(ctx, id, "bob", "alice"))
	msgs, err = alice.client.GetMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, msgs[0].Likers)

	require.NoError(t, bob.client.UpdateLike(ctx, id, "bob", "alice"))
	msgs, err = alice.client.GetMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs[0].Likers)
}

func TestConversationFlow_BadRequests(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	env.newUser(t, "carol")
	ctx := context.Background()

	var remote *model.RemoteError
	for name, err := range map[string]error{
		"self chat":         alice.client.NewChat(ctx, "alice", "alice"),
		"unknown new user":  alice.client.NewChat(ctx, "alice", "nobody"),
		"unknown recipient": alice.client.SendMessage(ctx, "alice", "nobody", "hi"),
		"self message":      alice.client.SendMessage(ctx, "alice", "alice", "hi"),
		"blank message":     alice.client.SendMessage(ctx, "alice", "carol", "   "),
		"unknown message":   alice.client.UpdateLike(ctx, "0123456789abcdef01234567", "alice", "carol"),
		"malformed id":      alice.client.UpdateLike(ctx, "nope", "alice", "carol"),
	} {
		require.ErrorAs(t, err, &remote, name)
		assert.Equal(t, http.StatusBadRequest, remote.Status, name)
	}
}

func TestUpdateLike_RejectsForeignConversation(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")
	env.newUser(t, "carol")
	ctx := context.Background()

	require.NoError(t, alice.client.SendMessage(ctx, "alice", "carol", "private"))
	msgs, err := alice.client.GetMessages(ctx, "alice", "carol")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	err = bob.client.UpdateLike(ctx, msgs[0].ID.Hex(), "bob", "alice")
	var remote *model.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusBadRequest, remote.Status)
}

func TestUpdateLike_ConcurrentTogglesBothApply(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.client.SendMessage(ctx, "alice", "bob", "like me"))
	msgs, err := alice.client.GetMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	id := msgs[0].ID.Hex()

	var wg sync.WaitGroup
	for _, u := range []*user{alice, bob} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			other := "bob"
			if u.name == "bob" {
				other = "alice"
			}
			assert.NoError(t, u.client.UpdateLike(ctx, id, u.name, other))
		}()
	}
	wg.Wait()

	msgs, err = alice.client.GetMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, msgs[0].Likers)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func (e *testEnv) dialWS(t *testing.T, u *user) *websocket.Conn {
	t.Helper()
	base, err := url.Parse(e.http.URL)
	require.NoError(t, err)
	dial := notify.CookieDialer(notify.URL(base, u.name), u.client.Cookies)
	conn, err := dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocket_RejectsMissingCookies(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.newUser(t, "alice")

	base, err := url.Parse(env.http.URL)
	require.NoError(t, err)
	dial := notify.CookieDialer(notify.URL(base, "alice"), func() []*http.Cookie { return nil })

	_, err = dial(context.Background())
	assert.ErrorIs(t, err, model.ErrAuthInvalid)
}

func TestWebsocket_SubscribeOnlyOwnConversations(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	conn := env.dialWS(t, alice)

	require.NoError(t, conn.WriteJSON(model.Frame{Type: model.FrameSubscribe, Topic: "bobcarol", Peer: "carol"}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f model.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, model.FrameError, f.Type)
	assert.Zero(t, env.srv.hub.Subscribers("bobcarol"))

	require.NoError(t, conn.WriteJSON(model.Frame{Type: model.FrameSubscribe, Topic: "alicebob", Peer: "bob"}))
	require.Eventually(t, func() bool { return env.srv.hub.Subscribers("alicebob") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(model.Frame{Type: model.FrameUnsubscribe, Topic: "alicebob"}))
	require.Eventually(t, func() bool { return env.srv.hub.Subscribers("alicebob") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_DisconnectLeavesRooms(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	conn := env.dialWS(t, alice)

	require.NoError(t, conn.WriteJSON(model.Frame{Type: model.FrameSubscribe, Topic: "alicebob", Peer: "bob"}))
	require.Eventually(t, func() bool { return env.srv.hub.Subscribers("alicebob") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return env.srv.hub.Subscribers("alicebob") == 0 }, 2*time.Second, 10*time.Millisecond)
}

// openView opens u's conversation with other over a real notification
// channel. Every applied message list is sent on the returned channel.
func (e *testEnv) openView(t *testing.T, u *user, other string) (*chatsync.ConversationView, <-chan []model.Message) {
	t.Helper()
	base, err := url.Parse(e.http.URL)
	require.NoError(t, err)

	ch, err := notify.Open(context.Background(), notify.CookieDialer(notify.URL(base, u.name), u.client.Cookies))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	updates := make(chan []model.Message, 32)
	deps := chatsync.Deps{Backend: u.client, Sessions: u.sessions, Notifier: ch}
	v, err := chatsync.OpenConversation(context.Background(), deps, other, func(m []model.Message) {
		select {
		case updates <- m:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		v.Close()
		v.Wait()
	})
	return v, updates
}

func waitForMessages(t *testing.T, name string, ch <-chan []model.Message, n int) []model.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msgs := <-ch:
			if len(msgs) == n {
				return msgs
			}
		case <-deadline:
			t.Fatalf("%s never saw %d messages", name, n)
			return nil
		}
	}
}

func TestEndToEnd_SignalsDriveBothViews(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")

	aliceView, aliceUpdates := env.openView(t, alice, "bob")
	_, bobUpdates := env.openView(t, bob, "alice")
	require.Eventually(t, func() bool { return env.srv.hub.Subscribers("alicebob") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, aliceView.Send("hello over the wire"))

	for name, ch := range map[string]<-chan []model.Message{"alice": aliceUpdates, "bob": bobUpdates} {
		msgs := waitForMessages(t, name, ch, 1)
		assert.Equal(t, "hello over the wire", msgs[0].Body, name)
	}
}

func TestEndToEnd_SendAfterAccessExpiryKeepsSession(t *testing.T) {
	env := newTestEnv(t, Options{AccessTTL: 150 * time.Millisecond, RefreshTTL: time.Hour})
	alice := env.newUser(t, "alice")
	env.newUser(t, "bob")

	for round := 1; round <= 3; round++ {
		view, updates := env.openView(t, alice, "bob")
		require.Eventually(t, func() bool { return env.srv.hub.Subscribers("alicebob") == 1 }, 2*time.Second, 10*time.Millisecond)

		// the send rotates the pair while its own echo triggers a refetch
		time.Sleep(200 * time.Millisecond)
		require.NoError(t, view.Send("hi"))
		waitForMessages(t, "alice", updates, round)

		_, ok := alice.sessions.Current()
		require.True(t, ok, "round %d: a live refresh token must not end the session", round)

		view.Close()
		view.Wait()
		require.Eventually(t, func() bool { return env.srv.hub.Subscribers("alicebob") == 0 }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestGetMessages_RepeatedFetchesAreIdentical(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, alice.client.SendMessage(ctx, "alice", "bob", body))
	}
	require.NoError(t, bob.client.SendMessage(ctx, "bob", "alice", "four"))
	first, err := alice.client.GetMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, bob.client.UpdateLike(ctx, first[1].ID.Hex(), "bob", "alice"))

	first, err = alice.client.GetMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, first, 4)

	for i := 0; i < 3; i++ {
		again, err := bob.client.GetMessages(ctx, "bob", "alice")
		require.NoError(t, err)
		require.Len(t, again, len(first))
		for j := range first {
			assert.True(t, first[j].Equal(again[j]), "message %d differs on fetch %d", j, i)
		}
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusBadRequest, "Bad request")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&body))
	assert.Equal(t, "Bad request", body["error"])
}
