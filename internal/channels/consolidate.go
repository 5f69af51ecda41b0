package channels

import (
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/bus"
)

// Consolidator merges rapid consecutive messages from the same speaker
// into one RoomMessage before they reach the core. IRC clients split
// pastes into many PRIVMSGs; without merging, each line would race the
// coordinator on its own. A message extends the window of a pending
// merge, so a paste flushes once the sender pauses.
type Consolidator struct {
	publish func(bus.RoomMessage)
	window  func(arc bus.Arc) time.Duration

	mu      sync.Mutex
	pending map[consolidateKey]*pendingMerge

	// afterFunc is a test seam around time.AfterFunc.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

type consolidateKey struct {
	arcKey   string
	nick     string
	threadID string
}

type pendingMerge struct {
	msg   bus.RoomMessage
	timer *time.Timer
}

// NewConsolidator wires the merge stage in front of publish. window
// returns the per-room merge window; zero or negative disables merging
// for that room and messages pass straight through.
func NewConsolidator(publish func(bus.RoomMessage), window func(arc bus.Arc) time.Duration) *Consolidator {
	return &Consolidator{
		publish:   publish,
		window:    window,
		pending:   make(map[consolidateKey]*pendingMerge),
		afterFunc: time.AfterFunc,
	}
}

// Publish queues or merges the message. Messages from rooms with no
// merge window are forwarded immediately.
func (c *Consolidator) Publish(msg bus.RoomMessage) {
	window := c.window(msg.Arc)
	if window <= 0 {
		c.publish(msg)
		return
	}

	key := consolidateKey{arcKey: msg.Arc.Key(), nick: msg.Nick, threadID: msg.ThreadID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[key]; ok {
		p.msg.Content += "\n" + msg.Content
		p.msg.Direct = p.msg.Direct || msg.Direct
		p.timer.Reset(window)
		return
	}

	p := &pendingMerge{msg: msg}
	p.timer = c.afterFunc(window, func() { c.flush(key) })
	c.pending[key] = p
}

func (c *Consolidator) flush(key consolidateKey) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok {
		c.publish(p.msg)
	}
}

// Flush forwards everything still pending. Called on shutdown so a
// trailing paste is not lost.
func (c *Consolidator) Flush() {
	c.mu.Lock()
	keys := make([]consolidateKey, 0, len(c.pending))
	for key, p := range c.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.flush(key)
	}
}
