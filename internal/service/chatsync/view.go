package chatsync

import (
	"context"
	"errors"
	"sync"

	"duochat/internal/model"
	"duochat/internal/utils/log"

	"go.uber.org/zap"
)

// ConversationView is one open conversation: its message cache, like
// toggle and notification subscription. Close must be called when the
// user leaves the view.
type ConversationView struct {
	Messages *MessageSync
	Likes    *LikeToggle

	key         string
	ctx         context.Context
	cancel      context.CancelFunc
	trigger     chan struct{}
	unsubscribe func() error
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// OpenConversation subscribes to the conversation's channel, nudges the
// server with a refresh event and starts the initial fetch. onChange runs
// on the view's own goroutine after every applied fetch.
func OpenConversation(ctx context.Context, deps Deps, other string, onChange func([]model.Message)) (*ConversationView, error) {
	sess, ok := deps.Sessions.Current()
	if !ok {
		deps.Sessions.Invalidate()
		return nil, model.ErrNoSession
	}

	msgs, err := NewMessageSync(deps.Backend, deps.Sessions, sess.Username, other, onChange)
	if err != nil {
		return nil, err
	}

	vctx, cancel := context.WithCancel(ctx)
	v := &ConversationView{
		Messages: msgs,
		Likes:    NewLikeToggle(deps.Backend, deps.Sessions, other),
		key:      msgs.Pair().Key(),
		ctx:      vctx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
	}

	v.unsubscribe, err = deps.Notifier.Subscribe(v.key, other, v.onSignal)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := deps.Notifier.Refresh(); err != nil {
		log.Warn("refresh nudge failed", zap.String("conversation", v.key), zap.Error(err))
	}

	v.wg.Add(1)
	go v.loop()
	v.Reload()
	return v, nil
}

// Key is the conversation's channel topic.
func (v *ConversationView) Key() string {
	return v.key
}

// Reload schedules a refetch. Requests made while one is pending collapse
// into it.
func (v *ConversationView) Reload() {
	select {
	case v.trigger <- struct{}{}:
	default:
	}
}

// Send submits a message through the view's context.
func (v *ConversationView) Send(body string) error {
	return v.Messages.Send(v.ctx, body)
}

// ToggleLike submits a like toggle through the view's context.
func (v *ConversationView) ToggleLike(messageID string) error {
	return v.Likes.Toggle(v.ctx, messageID)
}

// Close cancels in-flight work and unsubscribes. Late responses and
// signals become no-ops. It is safe to call from any goroutine,
// including onChange.
func (v *ConversationView) Close() {
	v.closeOnce.Do(func() {
		v.cancel()
		v.Messages.close()
		if err := v.unsubscribe(); err != nil {
			log.Warn("unsubscribe failed", zap.String("conversation", v.key), zap.Error(err))
		}
	})
}

// Wait blocks until the refetch loop exits after Close.
func (v *ConversationView) Wait() {
	v.wg.Wait()
}

func (v *ConversationView) onSignal(f model.Frame) {
	if v.ctx.Err() != nil {
		return
	}
	log.Debug("conversation signal", zap.String("conversation", v.key), zap.String("event", f.Event))
	v.Reload()
}

func (v *ConversationView) loop() {
	defer v.wg.Done()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-v.trigger:
		}

		err := v.Messages.Fetch(v.ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		if sessionEnded(err) {
			v.Close()
			return
		}
		// transient: the next signal or user action retries
	}
}
