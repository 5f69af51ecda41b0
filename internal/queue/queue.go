// Package queue provides an unbounded FIFO with blocking take and
// sentinel drain, used to decouple transport readers from the dispatch
// loop.
package queue

import "sync"

// Queue is an unbounded FIFO. Push never blocks; Take blocks until an
// item arrives. Drain discards everything queued and wakes every blocked
// Take with the sentinel.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	waiters []chan T
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends an item. If a taker is blocked, the item is handed to the
// oldest one directly.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w <- item
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Take removes and returns the oldest item, blocking until one exists.
func (q *Queue[T]) Take() T {
	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item
	}
	w := make(chan T, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return <-w
}

// TryTake removes and returns the oldest item without blocking.
func (q *Queue[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Drain discards all queued items and resolves every outstanding Take
// with sentinel. Returns the number of discarded items.
func (q *Queue[T]) Drain(sentinel T) int {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w <- sentinel
	}
	return dropped
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
