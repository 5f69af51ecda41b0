package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/providers"
)

// Queued item kinds.
const (
	KindCommand = "command"
	KindPassive = "passive"
)

// ErrSessionAborted marks queued work failed because its session died.
// Callers may safely re-deliver the triggering message.
var ErrSessionAborted = errors.New("steering session aborted")

// SendFunc delivers one reply line to the message's room.
type SendFunc func(ctx context.Context, text string) error

// QueuedItem is one inbound message waiting on a steering session. The
// enqueuer blocks on Wait until a runner finishes, drains, or fails it.
type QueuedItem struct {
	Kind             string
	Msg              *bus.RoomMessage
	TriggerMessageID int64
	Send             SendFunc

	mu      sync.Mutex
	settled bool
	err     error
	done    chan struct{}
}

func newQueuedItem(kind string, msg *bus.RoomMessage, triggerID int64, send SendFunc) *QueuedItem {
	return &QueuedItem{
		Kind:             kind,
		Msg:              msg,
		TriggerMessageID: triggerID,
		Send:             send,
		done:             make(chan struct{}),
	}
}

// Wait blocks until the item settles and returns its outcome.
func (it *QueuedItem) Wait(ctx context.Context) error {
	select {
	case <-it.done:
		return it.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the settled outcome; nil while pending or on success.
func (it *QueuedItem) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

func (it *QueuedItem) settle(err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.settled {
		return
	}
	it.settled = true
	it.err = err
	close(it.done)
}

type steeringSession struct {
	queue []*QueuedItem
}

// SteeringQueue owns per-session-key FIFO queues of inbound messages.
// A session exists while a runner is processing work for its key; items
// enqueued meanwhile are drained into the running agent as steering
// context, promoted to continuation runs, or compacted away.
type SteeringQueue struct {
	mu       sync.Mutex
	sessions map[bus.SessionKey]*steeringSession
	waiters  map[bus.SessionKey][]chan struct{}
}

func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{
		sessions: make(map[bus.SessionKey]*steeringSession),
		waiters:  make(map[bus.SessionKey][]chan struct{}),
	}
}

// SteeringContextMessage formats a queued message as the user turn the
// agent sees when the item is drained mid-run.
func SteeringContextMessage(m *bus.RoomMessage) providers.Message {
	return providers.Message{Role: "user", Content: fmt.Sprintf("<%s> %s", m.Nick, m.Content)}
}

// EnqueueCommandOrStartRunner registers a command against its session
// key. The first caller for an idle key becomes the runner (isRunner
// true) and must process its own item plus whatever queues up behind
// it; later callers get their item enqueued and should Wait on it.
func (q *SteeringQueue) EnqueueCommandOrStartRunner(msg *bus.RoomMessage, triggerID int64, send SendFunc) (isRunner bool, key bus.SessionKey, item *QueuedItem) {
	key = bus.KeyFor(msg)
	item = newQueuedItem(KindCommand, msg, triggerID, send)

	q.mu.Lock()
	defer q.mu.Unlock()
	if s := q.sessions[key]; s != nil {
		s.queue = append(s.queue, item)
		q.wake(key)
		return false, key, item
	}
	q.sessions[key] = &steeringSession{}
	return true, key, item
}

// EnqueuePassive adds a passive message to an existing session
// (queued=true). With startProactive set and no session present, it
// opens a session owned by the proactive runner instead
// (isProactiveRunner=true) so commands arriving mid-interjection queue
// behind it. Otherwise the message is not enqueued at all.
func (q *SteeringQueue) EnqueuePassive(msg *bus.RoomMessage, send SendFunc, startProactive bool) (queued bool, isProactiveRunner bool, key bus.SessionKey, item *QueuedItem) {
	key = bus.KeyFor(msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	if s := q.sessions[key]; s != nil {
		item = newQueuedItem(KindPassive, msg, 0, send)
		s.queue = append(s.queue, item)
		q.wake(key)
		return true, false, key, item
	}
	if startProactive {
		q.sessions[key] = &steeringSession{}
		return false, true, key, nil
	}
	return false, false, key, nil
}

// DrainSteeringContextMessages pops every queued item for the key,
// finishes them, and returns their messages as "<nick> text" user
// turns in enqueue order. The executor calls this while building each
// LLM call's context, so drained items always reach the model.
func (q *SteeringQueue) DrainSteeringContextMessages(key bus.SessionKey) []providers.Message {
	q.mu.Lock()
	s := q.sessions[key]
	if s == nil || len(s.queue) == 0 {
		q.mu.Unlock()
		return nil
	}
	drained := s.queue
	s.queue = nil
	q.mu.Unlock()

	msgs := make([]providers.Message, 0, len(drained))
	for _, it := range drained {
		it.settle(nil)
		msgs = append(msgs, SteeringContextMessage(it.Msg))
	}
	return msgs
}

// TakeNextWorkCompacted picks the runner's next unit of work after a
// run completes. Commands are never dropped: the earliest queued
// command wins and the passives before it are compacted away. With no
// command queued, only the newest deliverable passive survives. An
// empty queue closes the session. Dropped items are returned unsettled
// so the caller can finish them.
func (q *SteeringQueue) TakeNextWorkCompacted(key bus.SessionKey) (dropped []*QueuedItem, next *QueuedItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.sessions[key]
	if s == nil {
		return nil, nil
	}
	if len(s.queue) == 0 {
		delete(q.sessions, key)
		return nil, nil
	}

	for i, it := range s.queue {
		if it.Kind == KindCommand {
			dropped = s.queue[:i]
			next = it
			s.queue = append([]*QueuedItem(nil), s.queue[i+1:]...)
			return dropped, next
		}
	}

	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].Send != nil {
			dropped = append(dropped, s.queue[:i]...)
			dropped = append(dropped, s.queue[i+1:]...)
			next = s.queue[i]
			s.queue = nil
			return dropped, next
		}
	}

	dropped = s.queue
	s.queue = nil
	delete(q.sessions, key)
	return dropped, nil
}

// WaitResult is the outcome of WaitForNewItem; a timeout is a normal
// return, not an error.
type WaitResult int

const (
	WaitWoken WaitResult = iota
	WaitTimeout
)

// WaitForNewItem returns WaitWoken as soon as the key has a queued
// item (immediately if one is already waiting), or WaitTimeout after
// the timeout or context cancellation.
func (q *SteeringQueue) WaitForNewItem(ctx context.Context, key bus.SessionKey, timeout time.Duration) WaitResult {
	q.mu.Lock()
	if s := q.sessions[key]; s != nil && len(s.queue) > 0 {
		q.mu.Unlock()
		return WaitWoken
	}
	ch := make(chan struct{})
	q.waiters[key] = append(q.waiters[key], ch)
	q.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return WaitWoken
	case <-t.C:
		return WaitTimeout
	case <-ctx.Done():
		return WaitTimeout
	}
}

// wake signals all WaitForNewItem callers for key. Caller holds q.mu.
func (q *SteeringQueue) wake(key bus.SessionKey) {
	for _, ch := range q.waiters[key] {
		close(ch)
	}
	delete(q.waiters, key)
}

// HasQueuedCommands reports whether any command item waits on the key.
func (q *SteeringQueue) HasQueuedCommands(key bus.SessionKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.sessions[key]
	if s == nil {
		return false
	}
	for _, it := range s.queue {
		if it.Kind == KindCommand {
			return true
		}
	}
	return false
}

// HasSessionInArc reports whether any session key under the arc has a
// live runner. The proactive debounce loop backs off on this.
func (q *SteeringQueue) HasSessionInArc(arcKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key := range q.sessions {
		if key.ArcKey == arcKey {
			return true
		}
	}
	return false
}

// FinishItem settles an item successfully. Repeat calls are no-ops.
func (q *SteeringQueue) FinishItem(it *QueuedItem) {
	if it != nil {
		it.settle(nil)
	}
}

// FailItem settles an item with an error unless already settled.
func (q *SteeringQueue) FailItem(it *QueuedItem, err error) {
	if it != nil {
		it.settle(err)
	}
}

// AbortSession removes the session and fails everything still queued
// with a retryable ErrSessionAborted wrapping the cause.
func (q *SteeringQueue) AbortSession(key bus.SessionKey, cause error) []*QueuedItem {
	q.mu.Lock()
	s := q.sessions[key]
	delete(q.sessions, key)
	q.mu.Unlock()
	if s == nil {
		return nil
	}

	err := ErrSessionAborted
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrSessionAborted, cause)
	}
	for _, it := range s.queue {
		it.settle(err)
	}
	return s.queue
}

// ReleaseSession removes the session, finishing queued passives and
// failing queued commands retryably. Used on shutdown.
func (q *SteeringQueue) ReleaseSession(key bus.SessionKey) {
	q.mu.Lock()
	s := q.sessions[key]
	delete(q.sessions, key)
	q.mu.Unlock()
	if s == nil {
		return
	}
	for _, it := range s.queue {
		if it.Kind == KindCommand {
			it.settle(ErrSessionAborted)
		} else {
			it.settle(nil)
		}
	}
}

// ReleaseAll releases every live session.
func (q *SteeringQueue) ReleaseAll() {
	q.mu.Lock()
	keys := make([]bus.SessionKey, 0, len(q.sessions))
	for key := range q.sessions {
		keys = append(keys, key)
	}
	q.mu.Unlock()
	for _, key := range keys {
		q.ReleaseSession(key)
	}
}
