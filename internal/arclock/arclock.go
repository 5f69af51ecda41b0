// Package arclock serializes work per arc: at most one critical section
// runs for a given key at a time, in arrival order. Distinct keys do not
// contend.
package arclock

import (
	"context"
	"sync"
)

// Lock provides per-key FIFO mutual exclusion.
type Lock struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	active  bool
	waiters []chan struct{}
}

// New returns an empty lock set.
func New() *Lock {
	return &Lock{keys: make(map[string]*keyState)}
}

// Do runs fn after every earlier Do call for the same key has finished.
// An error from fn is returned to its caller only; the key stays usable.
// If ctx is cancelled while waiting for the key, fn never runs and the
// context error is returned.
func (l *Lock) Do(ctx context.Context, key string, fn func() error) error {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)
	return fn()
}

func (l *Lock) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
	}
	if !st.active {
		st.active = true
		l.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	st.waiters = append(st.waiters, w)
	l.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		l.abandon(key, w)
		return ctx.Err()
	}
}

func (l *Lock) release(key string) {
	l.mu.Lock()
	st := l.keys[key]
	if st == nil {
		l.mu.Unlock()
		return
	}
	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		l.mu.Unlock()
		close(w)
		return
	}
	delete(l.keys, key)
	l.mu.Unlock()
}

// abandon removes a cancelled waiter, or passes ownership on if the
// waiter was woken concurrently with cancellation.
func (l *Lock) abandon(key string, w chan struct{}) {
	l.mu.Lock()
	st := l.keys[key]
	if st != nil {
		for i, cand := range st.waiters {
			if cand == w {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				l.mu.Unlock()
				return
			}
		}
	}
	l.mu.Unlock()
	// Not found: the release handed us the key just as we cancelled.
	select {
	case <-w:
		l.release(key)
	default:
	}
}
