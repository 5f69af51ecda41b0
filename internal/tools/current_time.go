package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTime reports the current date and time. Models have no clock,
// and chat questions about "now" come up constantly.
type CurrentTime struct {
	now func() time.Time
}

var _ Tool = (*CurrentTime)(nil)

func NewCurrentTime() *CurrentTime {
	return &CurrentTime{now: time.Now}
}

func (t *CurrentTime) Name() string { return "current_time" }

func (t *CurrentTime) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *CurrentTime) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name such as 'Europe/Berlin'. Default: UTC.",
			},
		},
	}
}

func (t *CurrentTime) Execute(ctx context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	return t.now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST"), nil
}
