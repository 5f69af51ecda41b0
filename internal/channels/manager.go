package channels

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/sendretry"
)

// Manager owns the channel lifecycle and the outbound dispatch loop.
// The loop is the single writer towards every transport, which keeps
// sends serialized per destination without per-channel locking.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager with no channels registered.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}
}

// Register adds a channel under its routing name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll starts the outbound dispatcher and every registered channel.
// A channel that fails to start is logged and left stopped; the rest of
// the bot keeps running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx)

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	m.mu.Unlock()

	if len(names) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for _, name := range names {
		m.mu.RLock()
		ch := m.channels[name]
		m.mu.RUnlock()

		slog.Info("starting channel", "name", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "name", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	done := m.done
	m.mu.Unlock()

	if done != nil {
		<-done
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		slog.Info("stopping channel", "name", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "name", name, "error", err)
		}
	}
	return nil
}

// Status reports which channels are currently running.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		running := false
		if r, ok := ch.(interface{ IsRunning() bool }); ok {
			running = r.IsRunning()
		}
		status[name] = running
	}
	return status
}

// dispatchOutbound consumes replies from the bus and routes each to its
// channel, wrapped in send-retry.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.done)
	slog.Debug("outbound dispatcher started")

	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Debug("outbound dispatcher stopped")
			return
		}

		ch, ok := m.route(msg.Arc.Server)
		if !ok {
			slog.Warn("no channel for outbound message", "server", msg.Arc.Server)
			continue
		}

		if err := m.deliver(ctx, ch, msg); err != nil {
			slog.Error("send failed",
				"channel", ch.Name(),
				"arc", msg.Arc.Key(),
				"error", err,
			)
		}
	}
}

// route finds the channel owning a server tag: an exact match first
// (IRC networks register under their tag), then the platform prefix
// ("discord:<guild>" routes to the channel named "discord").
func (m *Manager) route(serverTag string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ch, ok := m.channels[serverTag]; ok {
		return ch, true
	}
	if i := strings.Index(serverTag, ":"); i > 0 {
		ch, ok := m.channels[serverTag[:i]]
		return ch, ok
	}
	return nil, false
}

func (m *Manager) deliver(ctx context.Context, ch Channel, msg bus.OutboundMessage) error {
	return sendretry.Send(ctx, func(ctx context.Context) error {
		return ch.Send(ctx, msg)
	}, sendretry.Options{
		Platform:    ch.Name(),
		Destination: msg.Arc.Key(),
		OnEvent:     m.publishRetryEvent,
	})
}

func (m *Manager) publishRetryEvent(ev sendretry.Event) {
	name := bus.EventSendRetry
	if ev.Type == sendretry.EventGiveup {
		name = bus.EventSendGiveup
	}

	payload := map[string]any{
		"platform":    ev.Platform,
		"destination": ev.Destination,
		"attempt":     ev.Attempt,
		"maxAttempts": ev.MaxAttempts,
	}
	if ev.RetryAfter > 0 {
		payload["retryAfterMs"] = ev.RetryAfter.Milliseconds()
	}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
	}
	m.bus.Broadcast(bus.Event{Name: name, Payload: payload})
}
