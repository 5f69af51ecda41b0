package rooms

import (
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/config"
)

const defaultFollowupThresholdUSD = 0.20

// CostTracker accumulates LLM spend per arc for the current UTC day and
// decides when spend becomes worth mentioning in the room: a per-run
// cost line above the followup threshold, and a milestone notice each
// time the day total crosses a whole dollar.
type CostTracker struct {
	mu         sync.Mutex
	threshold  float64
	milestones bool
	day        string
	totals     map[string]float64 // arcKey → USD spent today
	now        func() time.Time
}

func NewCostTracker(cfg config.CostsConfig) *CostTracker {
	threshold := cfg.FollowupThresholdUSD
	if threshold == 0 {
		threshold = defaultFollowupThresholdUSD
	}
	return &CostTracker{
		threshold:  threshold,
		milestones: cfg.Milestones,
		totals:     make(map[string]float64),
		now:        time.Now,
	}
}

// NeedsFollowup reports whether a single run's cost warrants the inline
// cost line on its reply.
func (t *CostTracker) NeedsFollowup(cost float64) bool {
	return cost > t.threshold
}

// Add accumulates one run's cost into the arc's day total and returns
// the whole-dollar line crossed by this addition, or 0. Totals reset at
// the UTC day boundary; with milestones disabled Add only accumulates.
func (t *CostTracker) Add(arcKey string, cost float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.now().UTC().Format("2006-01-02")
	if day != t.day {
		t.day = day
		t.totals = make(map[string]float64)
	}

	before := t.totals[arcKey]
	after := before + cost
	t.totals[arcKey] = after

	if !t.milestones {
		return 0
	}
	if int(after) > int(before) {
		return int(after)
	}
	return 0
}

// DayTotal reports the arc's spend so far today.
func (t *CostTracker) DayTotal(arcKey string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.now().UTC().Format("2006-01-02") != t.day {
		return 0
	}
	return t.totals[arcKey]
}
