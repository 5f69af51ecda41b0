package bus

import (
	"context"
	"fmt"
	"strings"
)

// Arc identifies one conversation stream: a channel on a network, or a
// platform DM. The server tag carries the platform prefix for non-IRC
// transports ("discord:<guild>", "slack:<team>", "telegram:<chat>").
type Arc struct {
	Server  string `json:"server"`
	Channel string `json:"channel"`
}

// Key returns the canonical "<server>#<channel>" form used for config
// lookups, history scoping and chronicle arcs.
func (a Arc) Key() string {
	return a.Server + "#" + strings.TrimPrefix(a.Channel, "#")
}

func (a Arc) String() string { return a.Key() }

// RoomMessage is an inbound chat message normalized at the transport
// boundary. It is created at ingress and never mutated afterwards.
type RoomMessage struct {
	Arc        Arc    `json:"arc"`
	Nick       string `json:"nick"`
	MyNick     string `json:"my_nick"`
	Content    string `json:"content"`
	ThreadID   string `json:"thread_id,omitempty"`
	ThreadRoot string `json:"thread_root,omitempty"` // platform id of the thread starter
	PlatformID string `json:"platform_id,omitempty"` // platform-native message id, for edits
	Direct     bool   `json:"direct"`                // addressed the bot (trigger, mention, DM)

	// Secrets carries values that must never reach prompts or logs.
	// Transports leave it empty; only the CLI test entry populates it.
	Secrets map[string]string `json:"-"`
}

// FromMe reports whether the bot itself authored the message.
func (m *RoomMessage) FromMe() bool {
	return strings.EqualFold(m.Nick, m.MyNick)
}

// OutboundMessage is a reply headed for a transport.
type OutboundMessage struct {
	Arc      Arc    `json:"arc"`
	Content  string `json:"content"`
	ThreadID string `json:"thread_id,omitempty"`
	// ReplyTo is the platform id of the message being answered, for
	// transports that support explicit reply threading.
	ReplyTo string `json:"reply_to,omitempty"`
}

// Event is a broadcastable observability event (run lifecycle, send
// retries). Consumed by the status server's event feed.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Event names emitted by the core.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventSendRetry    = "send.retry"
	EventSendGiveup   = "send.giveup"
	EventProactive    = "proactive.interject"
)

// EventHandler receives broadcast events.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast and subscription so producers
// need not know about the status server.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter moves messages between transports and the coordinator.
type MessageRouter interface {
	PublishInbound(msg RoomMessage)
	ConsumeInbound(ctx context.Context) (RoomMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}

// SessionKey partitions the bot's attention: at most one agent run per
// key. Threaded messages use the wildcard nick so every participant in
// the thread steers the same session.
type SessionKey struct {
	ArcKey   string
	Nick     string // lowercased, or "*" for threads
	ThreadID string // empty outside threads
}

// WildcardNick marks a thread-scoped session shared by all participants.
const WildcardNick = "*"

// KeyFor derives the session key for a message.
func KeyFor(m *RoomMessage) SessionKey {
	if m.ThreadID != "" {
		return SessionKey{ArcKey: m.Arc.Key(), Nick: WildcardNick, ThreadID: m.ThreadID}
	}
	return SessionKey{ArcKey: m.Arc.Key(), Nick: strings.ToLower(m.Nick)}
}

func (k SessionKey) String() string {
	if k.ThreadID != "" {
		return fmt.Sprintf("%s/%s@thread:%s", k.ArcKey, k.Nick, k.ThreadID)
	}
	return fmt.Sprintf("%s/%s", k.ArcKey, k.Nick)
}
