// Package keylock serializes refresh cycles per (instrument, timeframe).
package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"CandleCache/pkg/cache"
	applogger "CandleCache/pkg/logger"
)

// Local is an in-process lock map. Entries are dropped once nobody holds or
// waits on them.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are currently tracked.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Distributed locks through a shared cache (Redis in production) so several
// replicas never refresh the same series at once. The local map still guards
// goroutines of this process, which keeps contention off the network.
type Distributed struct {
	c     cache.Service
	local *Local
	ttl   time.Duration
	poll  time.Duration
	l     *applogger.Logger
}

func NewDistributed(c cache.Service, ttl, poll time.Duration, l *applogger.Logger) *Distributed {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &Distributed{c: c, local: NewLocal(), ttl: ttl, poll: poll, l: l}
}

func (d *Distributed) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := d.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	lockKey := cache.GenerateKey("lock", key)
	token := uuid.NewString()
	wait := d.poll
	for {
		ok, err := d.c.TryLock(ctx, lockKey, token, d.ttl)
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the cycle context may already be gone; release anyway
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := d.c.Unlock(ctx, lockKey, token); err != nil {
				d.l.Warn("failed to release lock",
					applogger.String("key", key),
					applogger.Error(err),
				)
			}
			unlockLocal()
		})
	}, nil
}
