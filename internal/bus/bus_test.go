package bus

import (
	"context"
	"testing"
	"time"
)

func TestArc_Key(t *testing.T) {
	tests := []struct {
		name string
		arc  Arc
		want string
	}{
		{"irc channel", Arc{Server: "libera", Channel: "#go-nuts"}, "libera#go-nuts"},
		{"bare channel name", Arc{Server: "libera", Channel: "go-nuts"}, "libera#go-nuts"},
		{"discord guild", Arc{Server: "discord:123", Channel: "general"}, "discord:123#general"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.arc.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyFor(t *testing.T) {
	arc := Arc{Server: "libera", Channel: "#go"}

	plain := KeyFor(&RoomMessage{Arc: arc, Nick: "Alice"})
	if plain.Nick != "alice" || plain.ThreadID != "" {
		t.Errorf("plain key = %+v, want lowercased nick, no thread", plain)
	}

	threaded := KeyFor(&RoomMessage{Arc: arc, Nick: "Alice", ThreadID: "t1"})
	if threaded.Nick != WildcardNick || threaded.ThreadID != "t1" {
		t.Errorf("threaded key = %+v, want wildcard nick", threaded)
	}

	// Two users in the same thread share one key.
	other := KeyFor(&RoomMessage{Arc: arc, Nick: "Bob", ThreadID: "t1"})
	if threaded != other {
		t.Errorf("thread keys differ: %+v vs %+v", threaded, other)
	}
}

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := NewMessageBus()
	msg := RoomMessage{Arc: Arc{Server: "libera", Channel: "#go"}, Nick: "alice", Content: "hi"}
	b.PublishInbound(msg)

	got, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("ConsumeInbound returned !ok with item queued")
	}
	if got.Content != "hi" || got.Nick != "alice" {
		t.Errorf("got %+v, want published message", got)
	}
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Error("ConsumeInbound returned ok on empty bus with expired context")
	}
}

func TestMessageBus_Broadcast(t *testing.T) {
	b := NewMessageBus()
	var got []string
	b.Subscribe("a", func(ev Event) { got = append(got, "a:"+ev.Name) })
	b.Subscribe("b", func(ev Event) { got = append(got, "b:"+ev.Name) })
	b.Unsubscribe("b")

	b.Broadcast(Event{Name: EventRunStarted})

	if len(got) != 1 || got[0] != "a:"+EventRunStarted {
		t.Errorf("handlers saw %v, want only subscriber a", got)
	}
}
