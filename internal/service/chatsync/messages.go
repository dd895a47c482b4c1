package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"
	"duochat/internal/service/session"
	"duochat/internal/utils/log"

	"go.uber.org/zap"
)

// Side is where a message is drawn relative to the viewer.
type Side int

const (
	SideLeft  Side = iota // the other participant
	SideRight             // the viewer
)

// MessageSync owns the cached message list of one conversation view.
type MessageSync struct {
	backend  Backend
	sessions *session.Manager
	self     string
	other    string
	pair     conversation.Pair
	onChange func([]model.Message)

	// applyMu keeps apply and onChange in sequence order.
	applyMu sync.Mutex

	mu       sync.Mutex
	messages []model.Message
	issued   uint64
	applied  uint64
	closed   bool
}

func NewMessageSync(backend Backend, sessions *session.Manager, self, other string, onChange func([]model.Message)) (*MessageSync, error) {
	pair, err := conversation.NewPair(self, other)
	if err != nil {
		return nil, err
	}
	return &MessageSync{
		backend:  backend,
		sessions: sessions,
		self:     self,
		other:    other,
		pair:     pair,
		onChange: onChange,
	}, nil
}

// Pair returns the canonical participants.
func (s *MessageSync) Pair() conversation.Pair {
	return s.pair
}

// Messages returns a copy of the last applied list.
func (s *MessageSync) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// Fetch replaces the cached list with the server's. A response is applied
// only if no fetch issued after it has been applied already; other
// failures keep the cached list.
func (s *MessageSync) Fetch(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	msgs, err := session.Guard(ctx, s.sessions, func(ctx context.Context, sess session.Session) ([]model.Message, error) {
		return s.backend.GetMessages(ctx, sess.Username, s.other)
	})
	if err != nil {
		if !sessionEnded(err) && !errors.Is(err, context.Canceled) {
			log.Warn("fetch messages failed, keeping cached list",
				zap.String("conversation", s.pair.Key()), zap.Uint64("seq", seq), zap.Error(err))
		}
		return err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.closed || seq <= s.applied {
		s.mu.Unlock()
		log.Debug("discarding stale messages response",
			zap.String("conversation", s.pair.Key()), zap.Uint64("seq", seq))
		return nil
	}
	s.applied = seq
	s.messages = msgs
	snapshot := append([]model.Message(nil), msgs...)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(snapshot)
	}
	return nil
}

// Send submits body. It does not touch the cached list; the sender sees
// its own message after the server's signal triggers a refetch. An empty
// body never reaches the network.
func (s *MessageSync) Send(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return model.ErrEmptyMessage
	}

	return s.sessions.Do(ctx, func(ctx context.Context, sess session.Session) error {
		return s.backend.SendMessage(ctx, sess.Username, s.other, body)
	})
}

// SideOf places m left or right for the viewer.
func (s *MessageSync) SideOf(m model.Message) Side {
	mine, err := s.pair.SlotOf(s.self)
	if err == nil && m.Sender == mine {
		return SideRight
	}
	return SideLeft
}

func (s *MessageSync) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
