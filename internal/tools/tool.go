package tools

import (
	"context"

	"github.com/parleyhq/parley/internal/providers"
)

// Tool is one capability the agent can invoke during a run.
type Tool interface {
	// Name returns the tool identifier sent to the LLM.
	Name() string

	// Description tells the LLM what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() map[string]any

	// Execute runs the tool. The returned string is fed back to the
	// LLM as the tool result.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Definitions converts a tool set into provider tool definitions.
func Definitions(ts []Tool) []providers.ToolDefinition {
	if len(ts) == 0 {
		return nil
	}
	defs := make([]providers.ToolDefinition, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}
