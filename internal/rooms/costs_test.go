package rooms

import (
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/config"
)

func TestNeedsFollowup(t *testing.T) {
	tr := NewCostTracker(config.CostsConfig{})
	if tr.NeedsFollowup(0.19) {
		t.Error("0.19 is under the default threshold")
	}
	if tr.NeedsFollowup(0.20) {
		t.Error("threshold itself should not trigger the followup")
	}
	if !tr.NeedsFollowup(0.25) {
		t.Error("0.25 should trigger the followup")
	}

	tr = NewCostTracker(config.CostsConfig{FollowupThresholdUSD: 0.05})
	if !tr.NeedsFollowup(0.0625) {
		t.Error("custom threshold not applied")
	}
}

func TestAddMilestones(t *testing.T) {
	tr := NewCostTracker(config.CostsConfig{Milestones: true})
	tr.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	steps := []struct {
		arc  string
		cost float64
		want int
	}{
		{"libera#lab", 0.5, 0},  // 0.5, still under a dollar
		{"libera#lab", 0.75, 1}, // 1.25 crosses $1
		{"libera#lab", 0.25, 0}, // 1.5, same dollar
		{"libera#lab", 2.0, 3},  // 3.5 crosses $3
		{"libera#ops", 0.5, 0},  // other arcs accumulate separately
	}
	for i, s := range steps {
		if got := tr.Add(s.arc, s.cost); got != s.want {
			t.Errorf("step %d: Add(%s, %v) = %d, want %d", i, s.arc, s.cost, got, s.want)
		}
	}
	if total := tr.DayTotal("libera#lab"); total != 3.5 {
		t.Errorf("DayTotal = %v, want 3.5", total)
	}
}

func TestAddWithoutMilestones(t *testing.T) {
	tr := NewCostTracker(config.CostsConfig{})
	tr.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	if got := tr.Add("libera#lab", 2.5); got != 0 {
		t.Errorf("Add with milestones off = %d, want 0", got)
	}
	if total := tr.DayTotal("libera#lab"); total != 2.5 {
		t.Errorf("DayTotal = %v, want spend still accumulated", total)
	}
}

func TestDayRolloverResetsTotals(t *testing.T) {
	tr := NewCostTracker(config.CostsConfig{Milestones: true})
	day1 := time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)
	tr.now = func() time.Time { return day1 }

	if got := tr.Add("libera#lab", 1.5); got != 1 {
		t.Fatalf("first add = %d, want milestone 1", got)
	}

	day2 := time.Date(2025, 6, 2, 0, 10, 0, 0, time.UTC)
	tr.now = func() time.Time { return day2 }

	if total := tr.DayTotal("libera#lab"); total != 0 {
		t.Errorf("DayTotal after rollover = %v, want 0", total)
	}
	if got := tr.Add("libera#lab", 0.25); got != 0 {
		t.Errorf("add after rollover = %d, want no milestone", got)
	}
	if total := tr.DayTotal("libera#lab"); total != 0.25 {
		t.Errorf("DayTotal = %v, want only today's spend", total)
	}
}
