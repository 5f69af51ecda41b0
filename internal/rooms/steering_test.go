package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/bus"
)

func queueMsg(nick, content string) *bus.RoomMessage {
	return &bus.RoomMessage{
		Arc:     bus.Arc{Server: "libera", Channel: "#lab"},
		Nick:    nick,
		MyNick:  "parley",
		Content: content,
		Direct:  true,
	}
}

func threadMsg(nick, content, threadID string) *bus.RoomMessage {
	m := queueMsg(nick, content)
	m.ThreadID = threadID
	return m
}

func noopSend(context.Context, string) error { return nil }

func TestEnqueueCommandOrStartRunner(t *testing.T) {
	q := NewSteeringQueue()

	isRunner, key, first := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s one"), 1, noopSend)
	if !isRunner {
		t.Fatal("first command for an idle key should claim the runner")
	}
	if first == nil || first.Kind != KindCommand {
		t.Fatalf("runner item = %+v, want command item", first)
	}

	isRunner2, key2, second := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s two"), 2, noopSend)
	if isRunner2 {
		t.Fatal("second command should queue behind the runner")
	}
	if key2 != key {
		t.Fatalf("keys diverged: %v vs %v", key2, key)
	}
	if second.TriggerMessageID != 2 {
		t.Fatalf("TriggerMessageID = %d, want 2", second.TriggerMessageID)
	}
	if !q.HasQueuedCommands(key) {
		t.Error("HasQueuedCommands = false with a command waiting")
	}
	if !q.HasSessionInArc("libera#lab") {
		t.Error("HasSessionInArc = false with a live session")
	}
	if q.HasSessionInArc("libera#other") {
		t.Error("HasSessionInArc leaked across arcs")
	}
}

func TestSessionKeysIsolatePerNickAndShareThreads(t *testing.T) {
	q := NewSteeringQueue()

	if isRunner, _, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s hi"), 1, noopSend); !isRunner {
		t.Fatal("dale should get his own runner")
	}
	if isRunner, _, _ := q.EnqueueCommandOrStartRunner(queueMsg("erin", "!s hi"), 2, noopSend); !isRunner {
		t.Fatal("erin's session must not collide with dale's")
	}

	// Threads collapse nicks into one shared session.
	if isRunner, _, _ := q.EnqueueCommandOrStartRunner(threadMsg("dale", "!s hi", "T1"), 3, noopSend); !isRunner {
		t.Fatal("first threaded command should claim the runner")
	}
	isRunner, key, _ := q.EnqueueCommandOrStartRunner(threadMsg("erin", "!s me too", "T1"), 4, noopSend)
	if isRunner {
		t.Fatal("different nick in the same thread should share the session")
	}
	if key.Nick != bus.WildcardNick {
		t.Fatalf("threaded key nick = %q, want wildcard", key.Nick)
	}
}

func TestDrainSteeringContextMessages(t *testing.T) {
	q := NewSteeringQueue()
	_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)

	_, _, _, itA := q.EnqueuePassive(queueMsg("dale", "also check the docs"), nil, false)
	_, _, _, itB := q.EnqueuePassive(queueMsg("erin", "and the changelog"), nil, false)

	got := q.DrainSteeringContextMessages(key)
	want := []string{"<dale> also check the docs", "<erin> and the changelog"}
	if len(got) != len(want) {
		t.Fatalf("drained %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Role != "user" || m.Content != want[i] {
			t.Errorf("drained[%d] = %q/%q, want user/%q", i, m.Role, m.Content, want[i])
		}
	}

	// Drained items settle successfully right away.
	for _, it := range []*QueuedItem{itA, itB} {
		if err := it.Wait(context.Background()); err != nil {
			t.Errorf("drained item Wait = %v, want nil", err)
		}
	}

	if again := q.DrainSteeringContextMessages(key); again != nil {
		t.Fatalf("second drain = %v, want nil", again)
	}
}

func TestTakeNextWorkCompacted(t *testing.T) {
	t.Run("command wins and earlier passives drop", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)
		_, _, _, p1 := q.EnqueuePassive(queueMsg("dale", "chatter one"), noopSend, false)
		_, _, _, p2 := q.EnqueuePassive(queueMsg("erin", "chatter two"), noopSend, false)
		_, _, cmd := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s followup"), 4, noopSend)
		_, _, _, p3 := q.EnqueuePassive(queueMsg("dale", "trailing chatter"), noopSend, false)

		dropped, next := q.TakeNextWorkCompacted(key)
		if next != cmd {
			t.Fatalf("next = %+v, want the queued command", next)
		}
		if len(dropped) != 2 || dropped[0] != p1 || dropped[1] != p2 {
			t.Fatalf("dropped = %d items, want the two passives before the command", len(dropped))
		}

		// The trailing passive stays queued for the next round.
		dropped, next = q.TakeNextWorkCompacted(key)
		if next != p3 {
			t.Fatalf("second take = %+v, want the trailing passive", next)
		}
		if len(dropped) != 0 {
			t.Fatalf("second take dropped %d items, want 0", len(dropped))
		}
	})

	t.Run("newest deliverable passive survives", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)
		_, _, _, p1 := q.EnqueuePassive(queueMsg("dale", "old"), noopSend, false)
		_, _, _, p2 := q.EnqueuePassive(queueMsg("dale", "newer"), noopSend, false)
		_, _, _, p3 := q.EnqueuePassive(queueMsg("dale", "undeliverable"), nil, false)

		dropped, next := q.TakeNextWorkCompacted(key)
		if next != p2 {
			t.Fatalf("next = %+v, want the newest passive with a send path", next)
		}
		if len(dropped) != 2 || dropped[0] != p1 || dropped[1] != p3 {
			t.Fatalf("dropped = %d items, want the stale and undeliverable passives", len(dropped))
		}
	})

	t.Run("empty queue closes the session", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)

		dropped, next := q.TakeNextWorkCompacted(key)
		if dropped != nil || next != nil {
			t.Fatalf("take on empty queue = (%v, %v), want (nil, nil)", dropped, next)
		}
		if isRunner, _, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s again"), 2, noopSend); !isRunner {
			t.Fatal("session should be gone after an empty take")
		}
	})

	t.Run("all undeliverable passives close the session", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)
		q.EnqueuePassive(queueMsg("dale", "one"), nil, false)
		q.EnqueuePassive(queueMsg("dale", "two"), nil, false)

		dropped, next := q.TakeNextWorkCompacted(key)
		if next != nil {
			t.Fatalf("next = %+v, want nil", next)
		}
		if len(dropped) != 2 {
			t.Fatalf("dropped %d items, want 2", len(dropped))
		}
		if q.HasSessionInArc("libera#lab") {
			t.Error("session survived a fully-compacted queue")
		}
	})
}

func TestEnqueuePassive(t *testing.T) {
	t.Run("no session and no proactive start is a no-op", func(t *testing.T) {
		q := NewSteeringQueue()
		queued, isRunner, _, item := q.EnqueuePassive(queueMsg("dale", "idle chatter"), nil, false)
		if queued || isRunner || item != nil {
			t.Fatalf("EnqueuePassive = (%v, %v, %v), want all zero", queued, isRunner, item)
		}
	})

	t.Run("proactive start claims the session", func(t *testing.T) {
		q := NewSteeringQueue()
		queued, isRunner, key, _ := q.EnqueuePassive(queueMsg("dale", "interesting topic"), nil, true)
		if queued || !isRunner {
			t.Fatalf("EnqueuePassive = (queued=%v, isRunner=%v), want proactive runner claim", queued, isRunner)
		}
		// Commands arriving mid-interjection queue behind it.
		if cmdRunner, _, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s question"), 2, noopSend); cmdRunner {
			t.Fatal("command should queue behind the proactive session")
		}
		if !q.HasQueuedCommands(key) {
			t.Error("queued command not visible on the proactive session")
		}
	})
}

func TestItemSettlementIsIdempotent(t *testing.T) {
	q := NewSteeringQueue()
	_, _, item := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s go"), 1, noopSend)

	q.FinishItem(item)
	q.FailItem(item, errors.New("too late"))
	if err := item.Err(); err != nil {
		t.Fatalf("Err after finish-then-fail = %v, want nil", err)
	}

	_, _, other := q.EnqueueCommandOrStartRunner(queueMsg("erin", "!s go"), 2, noopSend)
	first := errors.New("first")
	q.FailItem(other, first)
	q.FailItem(other, errors.New("second"))
	q.FinishItem(other)
	if err := other.Err(); !errors.Is(err, first) {
		t.Fatalf("Err = %v, want the first failure to stick", err)
	}

	q.FinishItem(nil)
	q.FailItem(nil, first)
}

func TestAbortSessionFailsQueuedWorkRetryably(t *testing.T) {
	q := NewSteeringQueue()
	_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)
	_, _, queued := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s followup"), 2, noopSend)

	cause := errors.New("provider exploded")
	q.AbortSession(key, cause)

	err := queued.Wait(context.Background())
	if !errors.Is(err, ErrSessionAborted) {
		t.Fatalf("queued command error = %v, want ErrSessionAborted", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("queued command error = %v, want wrapped cause", err)
	}
	if q.HasSessionInArc("libera#lab") {
		t.Error("session survived abort")
	}

	// Aborting with no cause still yields the sentinel.
	_, key2, _ := q.EnqueueCommandOrStartRunner(queueMsg("erin", "!s x"), 3, noopSend)
	_, _, q2 := q.EnqueueCommandOrStartRunner(queueMsg("erin", "!s y"), 4, noopSend)
	q.AbortSession(key2, nil)
	if err := q2.Err(); !errors.Is(err, ErrSessionAborted) {
		t.Fatalf("bare abort error = %v, want ErrSessionAborted", err)
	}
}

func TestReleaseSession(t *testing.T) {
	q := NewSteeringQueue()
	_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)
	_, _, cmd := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s pending"), 2, noopSend)
	_, _, _, passive := q.EnqueuePassive(queueMsg("erin", "chatter"), noopSend, false)

	q.ReleaseSession(key)

	if err := cmd.Err(); !errors.Is(err, ErrSessionAborted) {
		t.Errorf("released command error = %v, want ErrSessionAborted", err)
	}
	if err := passive.Err(); err != nil {
		t.Errorf("released passive error = %v, want nil", err)
	}
}

func TestReleaseAll(t *testing.T) {
	q := NewSteeringQueue()
	q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s a"), 1, noopSend)
	q.EnqueueCommandOrStartRunner(queueMsg("erin", "!s b"), 2, noopSend)
	_, _, pending := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s c"), 3, noopSend)

	q.ReleaseAll()

	if q.HasSessionInArc("libera#lab") {
		t.Error("sessions survived ReleaseAll")
	}
	if err := pending.Err(); !errors.Is(err, ErrSessionAborted) {
		t.Errorf("pending command error = %v, want ErrSessionAborted", err)
	}
}

func TestWaitForNewItem(t *testing.T) {
	t.Run("already queued returns immediately", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)
		q.EnqueuePassive(queueMsg("dale", "more"), nil, false)

		if got := q.WaitForNewItem(context.Background(), key, time.Millisecond); got != WaitWoken {
			t.Fatalf("WaitForNewItem = %v, want WaitWoken", got)
		}
	})

	t.Run("woken by a late enqueue", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)

		go func() {
			time.Sleep(10 * time.Millisecond)
			q.EnqueuePassive(queueMsg("erin", "ping"), nil, false)
		}()
		if got := q.WaitForNewItem(context.Background(), key, 5*time.Second); got != WaitWoken {
			t.Fatalf("WaitForNewItem = %v, want WaitWoken", got)
		}
	})

	t.Run("times out quietly", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)

		if got := q.WaitForNewItem(context.Background(), key, 5*time.Millisecond); got != WaitTimeout {
			t.Fatalf("WaitForNewItem = %v, want WaitTimeout", got)
		}
	})

	t.Run("context cancellation counts as timeout", func(t *testing.T) {
		q := NewSteeringQueue()
		_, key, _ := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s start"), 1, noopSend)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if got := q.WaitForNewItem(ctx, key, 5*time.Second); got != WaitTimeout {
			t.Fatalf("WaitForNewItem = %v, want WaitTimeout", got)
		}
	})
}

func TestQueuedItemWaitHonorsContext(t *testing.T) {
	q := NewSteeringQueue()
	_, _, item := q.EnqueueCommandOrStartRunner(queueMsg("dale", "!s never settled"), 1, noopSend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := item.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}
