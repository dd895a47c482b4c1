// Package notify is the client end of the notification websocket. It
// multiplexes per-topic handlers over one connection and resubscribes
// after reconnecting.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"duochat/internal/model"
	"duochat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

var ErrClosed = errors.New("notify: channel closed")

type (
	Handler func(f model.Frame)

	// Dialer opens a websocket. The default uses gorilla's DefaultDialer.
	Dialer func(ctx context.Context) (*websocket.Conn, error)

	subscription struct {
		peer     string
		handlers map[uint64]Handler
	}

	Channel struct {
		dial Dialer

		// subMu orders topic changes with their subscribe and unsubscribe
		// frames, so the server sees them in map order.
		subMu sync.Mutex

		writeMu sync.Mutex
		conn    *websocket.Conn

		mu     sync.Mutex
		topics map[string]*subscription
		nextID uint64
		err    error

		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// URL derives the websocket endpoint from the HTTP server address.
func URL(server *url.URL, username string) *url.URL {
	u := *server
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = *u.JoinPath("/ws")
	u.RawQuery = url.Values{"username": []string{username}}.Encode()
	return &u
}

// CookieDialer dials endpoint presenting cookies fetched on every attempt,
// so reconnects pick up rotated credentials.
func CookieDialer(endpoint *url.URL, cookies func() []*http.Cookie) Dialer {
	return func(ctx context.Context) (*websocket.Conn, error) {
		header := http.Header{}
		for _, ck := range cookies() {
			if ck.Value != "" {
				header.Add("Cookie", ck.String())
			}
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("%w: websocket status %d", model.ErrAuthInvalid, resp.StatusCode)
			}
			return nil, err
		}
		return conn, nil
	}
}

// Open dials once and starts the read loop. Later disconnects are retried
// with backoff until Close.
func Open(ctx context.Context, dial Dialer) (*Channel, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		dial:   dial,
		conn:   conn,
		topics: make(map[string]*subscription),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Subscribe registers h for topic. The subscribe frame is only sent for
// the first handler of a topic. The returned func removes h and sends the
// unsubscribe frame once the topic has no handlers left.
func (c *Channel) Subscribe(topic, peer string, h func(model.Frame)) (func() error, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	sub, ok := c.topics[topic]
	first := !ok
	if first {
		sub = &subscription{peer: peer, handlers: make(map[uint64]Handler)}
		c.topics[topic] = sub
	}
	c.nextID++
	id := c.nextID
	sub.handlers[id] = h
	c.mu.Unlock()

	if first {
		if err := c.write(model.Frame{Type: model.FrameSubscribe, Topic: topic, Peer: peer}); err != nil {
			c.remove(topic, id)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if c.remove(topic, id) {
				err = c.write(model.Frame{Type: model.FrameUnsubscribe, Topic: topic})
				if errors.Is(err, ErrClosed) {
					err = nil
				}
			}
		})
		return err
	}, nil
}

// Refresh emits the liveness nudge. It carries no required response.
func (c *Channel) Refresh() error {
	return c.write(model.Frame{Type: model.FrameRefresh, Event: "refresh"})
}

// Handlers returns how many handlers are registered for topic.
func (c *Channel) Handlers(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.topics[topic]; ok {
		return len(sub.handlers)
	}
	return 0
}

// Done is closed once the channel stops for good.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel stopped: ErrClosed after Close, or the
// dial error that ended it, wrapping model.ErrAuthInvalid when the server
// refused the credentials. It is nil while the channel runs.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) stop(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Channel) Close() error {
	c.stop(ErrClosed)

	c.writeMu.Lock()
	conn := c.conn
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = conn.Close()
	}
	c.writeMu.Unlock()

	<-c.done
	return err
}

// remove drops handler id and reports whether the topic became empty.
func (c *Channel) remove(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.topics[topic]
	if !ok {
		return false
	}
	delete(sub.handlers, id)
	if len(sub.handlers) == 0 {
		delete(c.topics, topic)
		return true
	}
	return false
}

func (c *Channel) write(f model.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if c.conn == nil {
		// reconnecting; the frame is replayed from c.topics on reconnect
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

func (c *Channel) run() {
	defer close(c.done)

	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()

		c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}

		if !c.reconnect() {
			return
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var f model.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if c.ctx.Err() == nil {
				log.Warn("notification channel read failed", zap.Error(err))
			}
			c.writeMu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.writeMu.Unlock()
			_ = conn.Close()
			return
		}

		switch f.Type {
		case model.FrameSignal:
			c.dispatch(f)
		case model.FrameError:
			log.Warn("notification channel error", zap.String("topic", f.Topic), zap.String("event", f.Event))
		}
	}
}

func (c *Channel) dispatch(f model.Frame) {
	c.mu.Lock()
	sub, ok := c.topics[f.Topic]
	var handlers []Handler
	if ok {
		handlers = make([]Handler, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(f)
	}
}

// reconnect redials with exponential backoff, replays subscriptions and
// delivers a synthetic signal per topic, since signals may have been
// missed while disconnected.
func (c *Channel) reconnect() bool {
	backoff := minBackoff
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := c.dial(c.ctx)
		if errors.Is(err, model.ErrAuthInvalid) {
			log.Warn("notification channel rejected credentials", zap.Error(err))
			c.stop(err)
			return false
		}
		if err != nil {
			log.Warn("notification channel reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.subMu.Lock()
		c.writeMu.Lock()
		if c.ctx.Err() != nil {
			c.writeMu.Unlock()
			c.subMu.Unlock()
			_ = conn.Close()
			return false
		}
		c.conn = conn
		c.writeMu.Unlock()

		c.mu.Lock()
		topics := make([]model.Frame, 0, len(c.topics))
		for topic, sub := range c.topics {
			topics = append(topics, model.Frame{Type: model.FrameSubscribe, Topic: topic, Peer: sub.peer})
		}
		c.mu.Unlock()

		for _, f := range topics {
			if err := c.write(f); err != nil {
				log.Warn("resubscribe failed", zap.String("topic", f.Topic), zap.Error(err))
			}
		}
		c.subMu.Unlock()
		log.Info("notification channel reconnected", zap.Int("topics", len(topics)))

		for _, f := range topics {
			c.dispatch(model.Frame{Type: model.FrameSignal, Topic: f.Topic, Event: "reconnect"})
		}
		return true
	}
}
