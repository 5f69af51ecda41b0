package bus

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/internal/queue"
)

// MessageBus is the in-process router between transports and the
// coordinator: transports push inbound, the coordinator consumes;
// replies flow the opposite way through the channel manager.
type MessageBus struct {
	inbound  *queue.Queue[RoomMessage]
	outbound *queue.Queue[OutboundMessage]

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates an empty bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  queue.New[RoomMessage](),
		outbound: queue.New[OutboundMessage](),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message from a transport.
func (b *MessageBus) PublishInbound(msg RoomMessage) {
	b.inbound.Push(msg)
}

// ConsumeInbound blocks until a message or context cancellation.
// The bool is false when the context ended first.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (RoomMessage, bool) {
	return consume(ctx, b.inbound)
}

// PublishOutbound enqueues a reply for the channel manager.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound.Push(msg)
}

// ConsumeOutbound blocks until a reply or context cancellation.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return consume(ctx, b.outbound)
}

func consume[T any](ctx context.Context, q *queue.Queue[T]) (T, bool) {
	got := make(chan T, 1)
	go func() { got <- q.Take() }()
	select {
	case v := <-got:
		return v, true
	case <-ctx.Done():
		// Put a late arrival back so it is not lost on shutdown races.
		go func() { q.Push(<-got) }()
		var zero T
		return zero, false
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. Handlers run
// synchronously; slow consumers should hand off internally.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	hs := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(event)
	}
}
