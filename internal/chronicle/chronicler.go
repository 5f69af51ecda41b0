package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/arclock"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/providers"
)

const summarizeSystemPrompt = "You are the channel chronicler. Summarize the following chat excerpt " +
	"as one tight paragraph for the channel's running chronicle. Capture decisions made, questions " +
	"answered and notable events. Past tense, third person, no preamble."

// observeTimeout bounds one chronicling pass, LLM call included.
const observeTimeout = 2 * time.Minute

// fetchCap bounds how many rows one pass will read; a long-dormant
// watermark summarizes the newest window rather than the whole backlog.
const fetchCap = 500

// historyReader is the slice of the history contract the chronicler
// reads from.
type historyReader interface {
	GetFullHistory(ctx context.Context, arc bus.Arc, threadID string, limit int) ([]history.Row, error)
}

// Chronicler watches passive traffic and appends a chronicle paragraph
// every chunk of new rows. Observe never blocks the message path: work
// runs on a goroutine serialized per arc through the arc lock.
type Chronicler struct {
	store    *Store
	history  historyReader
	registry *providers.Registry
	locks    *arclock.Lock
	model    string
	chunk    int
	enabled  bool

	mu      sync.Mutex
	pending map[string]bool
	wg      sync.WaitGroup
}

func New(cfg config.ChroniclerConfig, store *Store, hist historyReader, registry *providers.Registry) *Chronicler {
	c := &Chronicler{
		store:    store,
		history:  hist,
		registry: registry,
		locks:    arclock.New(),
		model:    cfg.Model,
		chunk:    cfg.ChunkMessages,
		enabled:  cfg.Enabled && cfg.Model != "" && cfg.ChunkMessages > 0,
		pending:  make(map[string]bool),
	}
	if cfg.Enabled && !c.enabled {
		slog.Warn("chronicler enabled but not runnable", "model", cfg.Model, "chunkMessages", cfg.ChunkMessages)
	}
	return c
}

// Observe notes fresh traffic on the arc. At most one pass per arc is
// queued at a time; a pass already in flight picks up rows that arrive
// while it runs on the next Observe.
func (c *Chronicler) Observe(arc bus.Arc) {
	if c == nil || !c.enabled {
		return
	}
	key := arc.Key()
	c.mu.Lock()
	if c.pending[key] {
		c.mu.Unlock()
		return
	}
	c.pending[key] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		defer cancel()
		err := c.locks.Do(ctx, key, func() error {
			return c.chronicle(ctx, arc)
		})
		if err != nil {
			slog.Warn("chronicle pass failed", "arc", key, "error", err)
		}
	}()
}

// Flush waits for in-flight passes, bounded by ctx. Called at shutdown.
func (c *Chronicler) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chronicler) chronicle(ctx context.Context, arc bus.Arc) error {
	key := arc.Key()
	watermark, err := c.store.Watermark(ctx, key)
	if err != nil {
		return err
	}

	rows, err := c.history.GetFullHistory(ctx, arc, "", fetchCap)
	if err != nil {
		return err
	}
	fresh := rows[:0:0]
	for _, r := range rows {
		if r.ID > watermark {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) < c.chunk {
		return nil
	}

	summary, err := c.summarize(ctx, fresh)
	if err != nil {
		// Watermark stays put so the span is retried next time.
		return fmt.Errorf("summarize %d rows: %w", len(fresh), err)
	}
	if summary == "" {
		return nil
	}
	if err := c.store.AppendParagraph(ctx, key, summary); err != nil {
		return err
	}
	if err := c.store.SetWatermark(ctx, key, fresh[len(fresh)-1].ID); err != nil {
		return err
	}
	slog.Debug("chronicle paragraph appended", "arc", key, "rows", len(fresh))
	return nil
}

func (c *Chronicler) summarize(ctx context.Context, rows []history.Row) (string, error) {
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "<%s> %s\n", r.Nick, r.Content)
	}
	resp, err := c.registry.CompleteSimple(ctx, c.model, summarizeSystemPrompt,
		[]providers.Message{{Role: "user", Content: b.String()}},
		providers.CallOptions{MaxTokens: 500},
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
