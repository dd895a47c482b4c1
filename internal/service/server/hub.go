package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"
	"duochat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 4 << 10
	sendBufferSize = 64
)

var errConnClosed = errors.New("connection closed")

type (
	// Hub tracks websocket connections and the conversation topics each
	// one follows.
	Hub struct {
		mu    sync.RWMutex
		conns map[string]*wsConn
		rooms map[string]map[string]*wsConn
	}

	wsConn struct {
		id       string
		username string
		ws       *websocket.Conn
		send     chan []byte
		done     chan struct{}
		once     sync.Once
		topics   map[string]struct{}
	}
)

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*wsConn),
		rooms: make(map[string]map[string]*wsConn),
	}
}

func (h *Hub) attach(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) detach(c *wsConn) {
	h.mu.Lock()
	for topic := range c.topics {
		h.leaveLocked(topic, c)
	}
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) join(topic string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	room := h.rooms[topic]
	if room == nil {
		room = make(map[string]*wsConn)
		h.rooms[topic] = room
	}
	room[c.id] = c
	c.topics[topic] = struct{}{}
}

func (h *Hub) leave(topic string, c *wsConn) {
	h.mu.Lock()
	h.leaveLocked(topic, c)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(topic string, c *wsConn) {
	delete(c.topics, topic)
	room := h.rooms[topic]
	delete(room, c.id)
	if len(room) == 0 {
		delete(h.rooms, topic)
	}
}

// Broadcast sends a signal frame to every subscriber of topic and returns
// how many connections accepted it.
func (h *Hub) Broadcast(topic, event string) int {
	payload, err := json.Marshal(model.Frame{Type: model.FrameSignal, Topic: topic, Event: event})
	if err != nil {
		log.Error("encode signal failed", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.rooms[topic]))
	for _, c := range h.rooms[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.enqueue(payload); err != nil {
			log.Warn("drop slow websocket", zap.String("username", c.username), zap.Error(err))
			go h.detach(c)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers reports how many connections follow topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*wsConn)
	h.rooms = make(map[string]map[string]*wsConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func newWSConn(username string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:       uuid.NewString(),
		username: username,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
	}
}

func (c *wsConn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *wsConn) reply(f model.Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = c.enqueue(payload)
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug("websocket write failed", zap.String("username", c.username), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop handles subscription frames until the peer goes away. A
// subscription is accepted only for the reader's own conversations.
func (h *Hub) readLoop(c *wsConn) {
	defer h.detach(c)

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f model.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket closed", zap.String("username", c.username), zap.Error(err))
			}
			return
		}

		switch f.Type {
		case model.FrameSubscribe:
			key, err := conversation.DeriveKey(c.username, f.Peer)
			if err != nil || key != f.Topic {
				c.reply(model.Frame{Type: model.FrameError, Topic: f.Topic, Event: "subscription refused"})
				continue
			}
			h.join(f.Topic, c)
		case model.FrameUnsubscribe:
			h.leave(f.Topic, c)
		case model.FrameRefresh:
			log.Debug("refresh requested", zap.String("username", c.username))
		default:
			c.reply(model.Frame{Type: model.FrameError, Event: "unknown frame type"})
		}
	}
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		username := r.URL.Query().Get("username")
		if username == "" {
			writeError(w, http.StatusBadRequest, "username is required")
			return
		}

		ok, err := s.verify(r.Context(), r, username)
		if err != nil {
			log.Error("HandleWS: verify failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newWSConn(username, ws)
		s.hub.attach(c)
		go c.writeLoop()
		go s.hub.readLoop(c)
	}
}
