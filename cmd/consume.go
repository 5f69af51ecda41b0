package cmd

import (
	"context"
	"log/slog"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/rooms"
)

// consumeMessages drains the inbound side of the bus into the
// coordinator. Each message is handled on its own goroutine: a queued
// command blocks until the steering runner takes or drains it, and one
// busy room must not stall the others.
func consumeMessages(ctx context.Context, msgBus *bus.MessageBus, coord *rooms.Coordinator) {
	slog.Info("inbound message consumer started")
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}
		go func(m bus.RoomMessage) {
			send := func(ctx context.Context, text string) error {
				msgBus.PublishOutbound(bus.OutboundMessage{
					Arc:      m.Arc,
					Content:  text,
					ThreadID: m.ThreadID,
				})
				return nil
			}
			if err := coord.HandleIncomingMessage(ctx, &m, send); err != nil {
				slog.Error("message handling failed",
					"arc", m.Arc.Key(), "nick", m.Nick, "error", err)
			}
		}(msg)
	}
}
