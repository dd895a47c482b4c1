// Package lock serializes work on a key, either inside one process or
// across server instances through redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duochat/internal/service/redis"
	"duochat/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const retryInterval = 25 * time.Millisecond

type (
	// Locker acquires an exclusive lock on key. The returned func releases
	// it and must be called exactly once.
	Locker interface {
		Lock(ctx context.Context, key string) (func(), error)
	}

	// Local is a keyed mutex. Entries are dropped when no one holds or
	// waits for them.
	Local struct {
		mu   sync.Mutex
		keys map[string]*entry
	}

	entry struct {
		ch   chan struct{}
		refs int
	}

	Redis struct {
		svc    *redis.RedisService
		ttl    time.Duration
		prefix string
	}
)

func NewLocal() *Local {
	return &Local{keys: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(key, e)
		})
	}, nil
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

// NewRedis returns a lock whose entries expire after ttl, so a crashed
// holder cannot block a key forever.
func NewRedis(svc *redis.RedisService, ttl time.Duration) *Redis {
	return &Redis{
		svc:    svc,
		ttl:    ttl,
		prefix: "duochat:lock:",
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.svc.SetNX(ctx, k, token, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := r.svc.Release(ctx, k, token); err != nil {
				log.Warn("release lock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
