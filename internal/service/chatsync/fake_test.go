package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"
	"duochat/internal/service/session"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeServer is an in-memory Backend that keeps conversations the way the
// real server does and signals the notifier after every mutation.
type fakeServer struct {
	mu       sync.Mutex
	calls    map[string]int
	convs    map[string][]model.Message
	chats    map[string][]string
	failWith error
	notifier *fakeNotifier

	// getMessages overrides the stored conversation when set.
	getMessages func(ctx context.Context, sender, recipient string) ([]model.Message, error)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		calls:    map[string]int{},
		convs:    map[string][]model.Message{},
		chats:    map[string][]string{},
		notifier: newFakeNotifier(),
	}
}

func (f *fakeServer) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.failWith
}

func (f *fakeServer) fail(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func (f *fakeServer) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeServer) Login(_ context.Context, username, _ string) (session.Token, error) {
	if err := f.record("login"); err != nil {
		return session.Token{}, err
	}
	return session.Token{Access: "a-" + username, Refresh: "r-" + username}, nil
}

func (f *fakeServer) CreateAccount(_ context.Context, username, _ string) (session.Token, error) {
	if err := f.record("create_account"); err != nil {
		return session.Token{}, err
	}
	return session.Token{Access: "a-" + username, Refresh: "r-" + username}, nil
}

func (f *fakeServer) Logout(context.Context, string) error {
	return f.record("logout")
}

func (f *fakeServer) GetChats(_ context.Context, username string) ([]string, error) {
	if err := f.record("get_chats"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.chats[username]...), nil
}

func (f *fakeServer) NewChat(_ context.Context, currentUser, newUser string) error {
	if err := f.record("new_chat"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[currentUser] = append(f.chats[currentUser], newUser)
	return nil
}

func (f *fakeServer) SendMessage(_ context.Context, sender, recipient, message string) error {
	if err := f.record("send_message"); err != nil {
		return err
	}
	pair, err := conversation.NewPair(sender, recipient)
	if err != nil {
		return err
	}
	slot, _ := pair.SlotOf(sender)

	f.mu.Lock()
	f.convs[pair.Key()] = append(f.convs[pair.Key()], model.Message{
		ID:        primitive.NewObjectID(),
		User1:     pair.A,
		User2:     pair.B,
		Body:      message,
		Timestamp: time.Now().UTC(),
		Sender:    slot,
	})
	f.mu.Unlock()

	f.notifier.publish(pair.Key(), model.EventNewMessage)
	return nil
}

func (f *fakeServer) GetMessages(ctx context.Context, sender, recipient string) ([]model.Message, error) {
	if err := f.record("get_messages"); err != nil {
		return nil, err
	}
	if f.getMessages != nil {
		return f.getMessages(ctx, sender, recipient)
	}
	key, err := conversation.DeriveKey(sender, recipient)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, len(f.convs[key]))
	for i, m := range f.convs[key] {
		m.Likers = append([]string{}, m.Likers...)
		out[i] = m
	}
	return out, nil
}

func (f *fakeServer) UpdateLike(_ context.Context, messageID, username, username2 string) error {
	if err := f.record("update_like"); err != nil {
		return err
	}
	key, err := conversation.DeriveKey(username, username2)
	if err != nil {
		return err
	}

	f.mu.Lock()
	for i := range f.convs[key] {
		m := &f.convs[key][i]
		if m.ID.Hex() != messageID {
			continue
		}
		if m.LikedBy(username) {
			kept := m.Likers[:0]
			for _, l := range m.Likers {
				if l != username {
					kept = append(kept, l)
				}
			}
			m.Likers = kept
		} else {
			m.Likers = append(m.Likers, username)
		}
	}
	f.mu.Unlock()

	f.notifier.publish(key, model.EventLikeUpdate)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func(model.Frame)
	peers    map[string]string
	refresh  int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		handlers: map[string]map[int]func(model.Frame){},
		peers:    map[string]string{},
	}
}

func (n *fakeNotifier) Subscribe(topic, peer string, h func(model.Frame)) (func() error, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	if n.handlers[topic] == nil {
		n.handlers[topic] = map[int]func(model.Frame){}
	}
	n.handlers[topic][id] = h
	n.peers[topic] = peer

	return func() error {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers[topic], id)
		return nil
	}, nil
}

func (n *fakeNotifier) Refresh() error {
	n.mu.Lock()
	n.refresh++
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) handlerCount(topic string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handlers[topic])
}

func (n *fakeNotifier) publish(topic, event string) {
	n.mu.Lock()
	hs := make([]func(model.Frame), 0, len(n.handlers[topic]))
	for _, h := range n.handlers[topic] {
		hs = append(hs, h)
	}
	n.mu.Unlock()

	for _, h := range hs {
		h(model.Frame{Type: model.FrameSignal, Topic: topic, Event: event})
	}
}

type countingNavigator struct {
	calls atomic.Int32
}

func (n *countingNavigator) ToEntry() { n.calls.Add(1) }

func newSession(t *testing.T, username string) (*session.Manager, *countingNavigator) {
	t.Helper()
	nav := &countingNavigator{}
	m := session.NewManager(&session.MemoryStore{}, nav)
	require.NoError(t, m.Establish(session.Session{
		Username: username,
		Token:    session.Token{Access: "a-" + username, Refresh: "r-" + username},
	}))
	return m, nav
}
