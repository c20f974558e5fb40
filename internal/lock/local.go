// Package lock provides per-key guards that serialize get-or-fetch sequences
// for the same cache key.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when a key could not be acquired before the wait expired.
var ErrTimeout = errors.New("lock: acquire timed out")

// DefaultWait bounds how long Do waits for a busy key.
const DefaultWait = 30 * time.Second

// Guard runs fn while holding the lock for key.
type Guard interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries are dropped once unused.
type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
	wait time.Duration
}

// NewLocal creates a Local guard. A non-positive wait uses DefaultWait.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Local{keys: make(map[string]*entry), wait: wait}
}

func (l *Local) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := l.ref(key)
	defer l.unref(key, e)

	acquireCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	select {
	case e.sem <- struct{}{}:
	case <-acquireCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrTimeout, key)
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

func (l *Local) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.keys[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}

// size reports the number of tracked keys.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
