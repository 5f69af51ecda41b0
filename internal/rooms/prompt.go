package rooms

import (
	"sort"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/config"
)

// BuildSystemPrompt renders a mode's system prompt: `{mynick}` and
// `{current_time}` expand in place, `{<modeKey>_model}` expands to the
// short model id of that mode, and the room's promptVars are appended
// after the prompt body in key order.
func BuildSystemPrompt(room *config.RoomConfig, prompt, mynick string, now time.Time) string {
	s := strings.ReplaceAll(prompt, "{mynick}", mynick)
	s = strings.ReplaceAll(s, "{current_time}", now.Format(time.RFC1123))
	for modeKey, mode := range room.Command.Modes {
		placeholder := "{" + modeKey + "_model}"
		if strings.Contains(s, placeholder) {
			s = strings.ReplaceAll(s, placeholder, modelShortName(mode.PrimaryModel()))
		}
	}

	if len(room.PromptVars) == 0 {
		return s
	}
	keys := make([]string, 0, len(room.PromptVars))
	for k := range room.PromptVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(room.PromptVars[k]); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return s
	}
	return s + "\n\n" + strings.Join(parts, "\n")
}
