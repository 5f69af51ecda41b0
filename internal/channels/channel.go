// Package channels connects chat platforms to the coordinator. Each
// transport normalizes its platform events into bus.RoomMessage at the
// boundary and publishes them; replies come back through the Manager's
// outbound dispatch loop, wrapped in send-retry.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/parleyhq/parley/internal/bus"
)

// Channel is one platform connection.
type Channel interface {
	// Name identifies the channel for routing: the platform prefix
	// ("discord", "slack", "telegram") or, for IRC, the server tag.
	Name() string

	// Start begins receiving events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the connection down.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// BaseChannel carries the shared plumbing every transport embeds: the
// bus handle, the bot's display nick and the running flag.
type BaseChannel struct {
	name    string
	nick    string
	bus     *bus.MessageBus
	running atomic.Bool
}

// NewBaseChannel creates the embedded base. nick may be empty when the
// platform only reveals the bot identity after connecting; SetNick then
// fills it in during Start.
func NewBaseChannel(name, nick string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{name: name, nick: nick, bus: msgBus}
}

// Name returns the routing name.
func (c *BaseChannel) Name() string { return c.name }

// Nick returns the bot's display name on this platform.
func (c *BaseChannel) Nick() string { return c.nick }

// SetNick records the bot identity learned at connect time.
func (c *BaseChannel) SetNick(nick string) { c.nick = nick }

// IsRunning reports whether the channel is accepting traffic.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning flips the running flag.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Publish normalizes and hands one inbound message to the core. An
// empty MyNick is filled from the channel nick so transports only set
// it when the platform distinguishes per-room identities.
func (c *BaseChannel) Publish(msg bus.RoomMessage) {
	if msg.MyNick == "" {
		msg.MyNick = c.nick
	}
	c.bus.PublishInbound(msg)
}

// IsDirect reports whether message text addresses the bot: a leading
// command token (the "!" convention the resolver's triggers use) or the
// bot's nick followed by an address separator. Transports OR this with
// their platform notions of addressing (DMs, @mentions).
func IsDirect(content, mynick string) bool {
	t := strings.TrimSpace(content)
	if strings.HasPrefix(t, "!") {
		return true
	}
	if mynick == "" {
		return false
	}
	lower := strings.ToLower(t)
	nick := strings.ToLower(mynick)
	return strings.HasPrefix(lower, nick+":") || strings.HasPrefix(lower, nick+",")
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// SplitChunks splits content into platform-sized messages, preferring a
// newline break past the midpoint of each chunk so paragraphs stay
// intact. Multi-byte runes never straddle a boundary.
func SplitChunks(content string, maxLen int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	for len(content) > maxLen {
		cutAt := maxLen
		for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
			cutAt--
		}
		if cutAt == 0 {
			cutAt = maxLen
		}
		if idx := strings.LastIndexByte(content[:cutAt], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
