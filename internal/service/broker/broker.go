// Package broker fans conversation signals out to every server instance.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"duochat/internal/service/redis"
	"duochat/internal/utils/log"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultChannel = "duochat.signals"

var ErrClosed = errors.New("broker closed")

type (
	// Signal tells subscribers of Topic that its conversation changed.
	Signal struct {
		Topic string `json:"topic"`
		Event string `json:"event"`
	}

	Handler func(s Signal)

	// Broker publishes signals and relays every published signal, from
	// any instance, to the handler passed to Run.
	Broker interface {
		Publish(ctx context.Context, s Signal) error
		// Run blocks until ctx is done or the broker fails.
		Run(ctx context.Context, h Handler) error
		Close() error
	}

	Local struct {
		mu       sync.RWMutex
		handlers map[uint64]Handler
		nextID   uint64
		closed   bool
	}

	Redis struct {
		svc     *redis.RedisService
		channel string
	}

	NATS struct {
		nc      *nats.Conn
		subject string
	}
)

func NewLocal() *Local {
	return &Local{handlers: make(map[uint64]Handler)}
}

func (b *Local) Publish(_ context.Context, s Signal) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, h := range b.handlers {
		h(s)
	}
	return nil
}

func (b *Local) Run(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func NewRedis(svc *redis.RedisService, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{svc: svc, channel: channel}
}

func (b *Redis) Publish(ctx context.Context, s Signal) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.svc.Publish(ctx, b.channel, data)
}

func (b *Redis) Run(ctx context.Context, h Handler) error {
	ps, err := b.svc.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			dispatch([]byte(msg.Payload), h)
		}
	}
}

func (b *Redis) Close() error {
	return b.svc.Close()
}

func NewNATS(nc *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultChannel
	}
	return &NATS{nc: nc, subject: subject}
}

func (b *NATS) Publish(_ context.Context, s Signal) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, data)
}

func (b *NATS) Run(ctx context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		dispatch(m.Data, h)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn("nats unsubscribe failed", zap.Error(err))
		}
	}()

	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}

	<-ctx.Done()
	return nil
}

func (b *NATS) Close() error {
	return b.nc.Drain()
}

func dispatch(data []byte, h Handler) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		log.Warn("drop malformed signal", zap.Error(err))
		return
	}
	if s.Topic == "" {
		return
	}
	h(s)
}
