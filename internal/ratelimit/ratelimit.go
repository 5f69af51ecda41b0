// Package ratelimit implements a sliding-window event limiter: at most
// limit events are admitted within any contiguous window of the period.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits at most limit events per rolling period. Timestamps of
// admitted events are kept and pruned as the window slides, so the bound
// holds over any contiguous window, not just aligned ones.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	events []time.Time
	now    func() time.Time
}

// NewLimiter creates a limiter admitting limit events per period.
func NewLimiter(limit int, period time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		period: period,
		now:    time.Now,
	}
}

// Allow reports whether an event fits in the current window and records
// it when it does. A rejected call records nothing.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// Remaining reports how many events currently fit in the window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	if n := l.limit - len(l.events); n > 0 {
		return n
	}
	return 0
}

// Reset forgets all recorded events.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for ; i < len(l.events); i++ {
		if l.events[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

// KeyedLimiter maintains one Limiter per key, created on first use.
// Stale keys are pruned once their window has fully elapsed.
type KeyedLimiter struct {
	mu       sync.Mutex
	limit    int
	period   time.Duration
	limiters map[string]*keyedEntry
}

type keyedEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a per-key limiter factory with shared settings.
func NewKeyedLimiter(limit int, period time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limit:    limit,
		period:   period,
		limiters: make(map[string]*keyedEntry),
	}
}

// Allow checks the limiter for key, creating it on first use.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: NewLimiter(k.limit, k.period)}
		k.limiters[key] = e
	}
	e.lastSeen = time.Now()
	k.prune()
	k.mu.Unlock()

	return e.limiter.Allow()
}

// Reset drops all per-key state.
func (k *KeyedLimiter) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.limiters = make(map[string]*keyedEntry)
}

// prune removes entries idle longer than two periods. Caller holds k.mu.
func (k *KeyedLimiter) prune() {
	cutoff := time.Now().Add(-2 * k.period)
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
		}
	}
}
