package channels

import (
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/bus"
)

// newTestConsolidator returns a consolidator whose timers never fire on
// their own; the test triggers flushes through the returned schedule.
func newTestConsolidator(window time.Duration) (*Consolidator, *[]bus.RoomMessage, *[]func()) {
	var published []bus.RoomMessage
	var scheduled []func()

	c := NewConsolidator(
		func(msg bus.RoomMessage) { published = append(published, msg) },
		func(bus.Arc) time.Duration { return window },
	)
	c.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		scheduled = append(scheduled, f)
		return time.NewTimer(time.Hour)
	}
	return c, &published, &scheduled
}

func TestConsolidatorPassthroughWhenDisabled(t *testing.T) {
	c, published, scheduled := newTestConsolidator(0)

	c.Publish(bus.RoomMessage{Nick: "alice", Content: "line"})

	if len(*published) != 1 || len(*scheduled) != 0 {
		t.Fatalf("published %d scheduled %d, want direct passthrough", len(*published), len(*scheduled))
	}
}

func TestConsolidatorMergesBurst(t *testing.T) {
	c, published, scheduled := newTestConsolidator(200 * time.Millisecond)
	arc := bus.Arc{Server: "libera", Channel: "#go"}

	c.Publish(bus.RoomMessage{Arc: arc, Nick: "alice", Content: "func main() {"})
	c.Publish(bus.RoomMessage{Arc: arc, Nick: "alice", Content: "}", Direct: true})

	if len(*published) != 0 {
		t.Fatalf("published before window elapsed: %v", *published)
	}
	if len(*scheduled) != 1 {
		t.Fatalf("scheduled %d timers, want 1", len(*scheduled))
	}

	(*scheduled)[0]()

	if len(*published) != 1 {
		t.Fatalf("published %d messages, want 1 merged", len(*published))
	}
	got := (*published)[0]
	if got.Content != "func main() {\n}" {
		t.Errorf("merged content = %q", got.Content)
	}
	if !got.Direct {
		t.Error("merged message should keep Direct from any part")
	}

	// A stale timer callback after the flush must not double-publish.
	(*scheduled)[0]()
	if len(*published) != 1 {
		t.Errorf("stale flush duplicated the message: %d published", len(*published))
	}
}

func TestConsolidatorKeepsSpeakersApart(t *testing.T) {
	c, published, scheduled := newTestConsolidator(200 * time.Millisecond)
	arc := bus.Arc{Server: "libera", Channel: "#go"}

	c.Publish(bus.RoomMessage{Arc: arc, Nick: "alice", Content: "mine"})
	c.Publish(bus.RoomMessage{Arc: arc, Nick: "bob", Content: "also mine"})

	if len(*scheduled) != 2 {
		t.Fatalf("scheduled %d timers, want one per speaker", len(*scheduled))
	}
	(*scheduled)[0]()
	(*scheduled)[1]()

	if len(*published) != 2 {
		t.Fatalf("published %d, want 2 separate messages", len(*published))
	}
	if (*published)[0].Content != "mine" || (*published)[1].Content != "also mine" {
		t.Errorf("speakers merged: %q / %q", (*published)[0].Content, (*published)[1].Content)
	}
}

func TestConsolidatorThreadsAreSeparateKeys(t *testing.T) {
	c, _, scheduled := newTestConsolidator(200 * time.Millisecond)
	arc := bus.Arc{Server: "discord:g", Channel: "c"}

	c.Publish(bus.RoomMessage{Arc: arc, Nick: "alice", Content: "root"})
	c.Publish(bus.RoomMessage{Arc: arc, Nick: "alice", ThreadID: "t1", Content: "thread"})

	if len(*scheduled) != 2 {
		t.Fatalf("scheduled %d timers, want thread scoped separately", len(*scheduled))
	}
}

func TestConsolidatorFlushDrainsPending(t *testing.T) {
	c, published, _ := newTestConsolidator(200 * time.Millisecond)

	c.Publish(bus.RoomMessage{Arc: bus.Arc{Server: "libera", Channel: "#a"}, Nick: "alice", Content: "one"})
	c.Publish(bus.RoomMessage{Arc: bus.Arc{Server: "libera", Channel: "#b"}, Nick: "bob", Content: "two"})

	c.Flush()
	if len(*published) != 2 {
		t.Fatalf("Flush published %d, want 2", len(*published))
	}

	c.Flush()
	if len(*published) != 2 {
		t.Errorf("second Flush duplicated messages: %d", len(*published))
	}
}
