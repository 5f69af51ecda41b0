package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/parleyhq/parley/internal/providers"
)

const closeSystemPrompt = "Write a 2-3 sentence closing summary of this chronicle chapter. " +
	"It will head the archived chapter, so cover the arc of events, not a list."

// Rollover closes open chapters on the configured cron schedule,
// stamping each with an LLM-written closing summary.
type Rollover struct {
	store    *Store
	registry *providers.Registry
	model    string
	cron     string

	// seams for tests
	due func(expr string, at time.Time) (bool, error)
	now func() time.Time
}

// NewRollover returns nil when no schedule is configured, which
// callers treat as "never roll over".
func NewRollover(store *Store, registry *providers.Registry, model, cron string) (*Rollover, error) {
	if cron == "" {
		return nil, nil
	}
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid rolloverCron %q", cron)
	}
	return &Rollover{
		store:    store,
		registry: registry,
		model:    model,
		cron:     cron,
		due: func(expr string, at time.Time) (bool, error) {
			return gronx.New().IsDue(expr, at)
		},
		now: time.Now,
	}, nil
}

// Run ticks once a minute until ctx is cancelled, closing chapters
// whenever the schedule fires.
func (r *Rollover) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire, err := r.due(r.cron, r.now())
			if err != nil {
				slog.Warn("rollover schedule check failed", "cron", r.cron, "error", err)
				continue
			}
			if fire {
				r.CloseOpenChapters(ctx)
			}
		}
	}
}

// CloseOpenChapters summarizes and closes every open chapter that has
// content. Empty chapters stay open; a failed summary leaves the
// chapter open for the next fire.
func (r *Rollover) CloseOpenChapters(ctx context.Context) {
	arcs, err := r.store.ArcsWithOpenChapters(ctx)
	if err != nil {
		slog.Warn("rollover: list arcs failed", "error", err)
		return
	}
	for _, arcKey := range arcs {
		if err := r.closeArc(ctx, arcKey); err != nil {
			slog.Warn("rollover: close chapter failed", "arc", arcKey, "error", err)
		}
	}
}

func (r *Rollover) closeArc(ctx context.Context, arcKey string) error {
	chapters, err := r.store.Chapters(ctx, arcKey)
	if err != nil {
		return err
	}
	var open *Chapter
	for i := range chapters {
		if chapters[i].ClosedAt == nil {
			open = &chapters[i]
		}
	}
	if open == nil {
		return nil
	}
	paragraphs, err := r.store.Paragraphs(ctx, open.ID)
	if err != nil {
		return err
	}
	if len(paragraphs) == 0 {
		return nil
	}

	var b strings.Builder
	for _, p := range paragraphs {
		b.WriteString(p.Content)
		b.WriteString("\n\n")
	}
	resp, err := r.registry.CompleteSimple(ctx, r.model, closeSystemPrompt,
		[]providers.Message{{Role: "user", Content: strings.TrimSpace(b.String())}},
		providers.CallOptions{MaxTokens: 300},
	)
	if err != nil {
		return fmt.Errorf("closing summary: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)

	closed, err := r.store.CloseChapter(ctx, arcKey, summary)
	if err != nil {
		return err
	}
	if closed {
		slog.Info("chronicle chapter closed", "arc", arcKey, "paragraphs", len(paragraphs))
	}
	return nil
}
