package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests drive the limiter's view of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, period time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(limit, period)
	l.now = clock.now
	return l, clock
}

func TestLimiter_AdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Allow() call %d = false, want true", i+1)
		}
	}
	if l.Allow() {
		t.Error("Allow() after limit = true, want false")
	}
}

func TestLimiter_RejectionRecordsNothing(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	if !l.Allow() {
		t.Fatal("first Allow() = false")
	}
	// Rejected calls must not extend the window.
	for i := 0; i < 5; i++ {
		if l.Allow() {
			t.Fatal("Allow() over limit = true")
		}
	}
	clock.advance(time.Minute + time.Second)
	if !l.Allow() {
		t.Error("Allow() after window elapsed = false, want true")
	}
}

func TestLimiter_SlidingWindowInvariant(t *testing.T) {
	// At most `limit` admissions within ANY contiguous window of the
	// period, including windows straddling the pruning boundary.
	l, clock := newTestLimiter(2, 10*time.Second)

	if !l.Allow() { // t=0
		t.Fatal("admit 1 failed")
	}
	clock.advance(6 * time.Second)
	if !l.Allow() { // t=6
		t.Fatal("admit 2 failed")
	}
	clock.advance(2 * time.Second) // t=8, both still inside the window
	if l.Allow() {
		t.Error("admit at t=8 succeeded; window [0,10] would hold 3 events")
	}
	clock.advance(3 * time.Second) // t=11, event at t=0 expired
	if !l.Allow() {
		t.Error("admit at t=11 failed; only the t=6 event remains in window")
	}
	// Window (1, 11] now holds events at t=6 and t=11: full again.
	if l.Allow() {
		t.Error("admit directly after refill succeeded; window holds 2 events")
	}
}

func TestLimiter_Remaining(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	if got := l.Remaining(); got != 2 {
		t.Errorf("Remaining() = %d, want 2", got)
	}
	l.Allow()
	if got := l.Remaining(); got != 1 {
		t.Errorf("Remaining() = %d, want 1", got)
	}
	l.Allow()
	if got := l.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
	clock.advance(2 * time.Minute)
	if got := l.Remaining(); got != 2 {
		t.Errorf("Remaining() after expiry = %d, want 2", got)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Hour)
	l.Allow()
	if l.Allow() {
		t.Fatal("limiter should be exhausted")
	}
	l.Reset()
	if !l.Allow() {
		t.Error("Allow() after Reset = false, want true")
	}
}

func TestKeyedLimiter_IsolatesKeys(t *testing.T) {
	k := NewKeyedLimiter(1, time.Hour)
	if !k.Allow("libera#go") {
		t.Fatal("first key admit failed")
	}
	if k.Allow("libera#go") {
		t.Error("same key admitted over limit")
	}
	if !k.Allow("libera#rust") {
		t.Error("distinct key was rejected")
	}
}
