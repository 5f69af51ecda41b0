package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/parleyhq/parley/internal/tools"
)

// callTimeout bounds a single remote tool invocation.
const callTimeout = 60 * time.Second

// bridgeTool adapts one tool discovered on an MCP server to the local
// tool interface. The registered name is mcp_<server>_<tool>, which is
// also the prefix the registry's "mcp:<server>" selector expands.
type bridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	connected *atomic.Bool
}

var _ tools.Tool = (*bridgeTool)(nil)

func newBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, connected *atomic.Bool) *bridgeTool {
	return &bridgeTool{
		server:    server,
		tool:      tool,
		client:    client,
		connected: connected,
	}
}

func (b *bridgeTool) Name() string {
	return "mcp_" + b.server + "_" + b.tool.Name
}

func (b *bridgeTool) Description() string {
	desc := b.tool.Description
	if desc == "" {
		desc = b.tool.Name
	}
	return fmt.Sprintf("[%s] %s", b.server, desc)
}

func (b *bridgeTool) Schema() map[string]any {
	schema := map[string]any{"type": "object"}
	if b.tool.InputSchema.Type != "" {
		schema["type"] = b.tool.InputSchema.Type
	}
	if len(b.tool.InputSchema.Properties) > 0 {
		schema["properties"] = b.tool.InputSchema.Properties
	}
	if len(b.tool.InputSchema.Required) > 0 {
		schema["required"] = b.tool.InputSchema.Required
	}
	return schema
}

func (b *bridgeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if !b.connected.Load() {
		return "", fmt.Errorf("mcp server %q is not connected", b.server)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", b.tool.Name, b.server, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool call failed"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// flattenContent joins the text parts of a tool result. Non-text parts
// are noted by type so the model knows something was elided.
func flattenContent(parts []mcpgo.Content) string {
	var sb strings.Builder
	for _, part := range parts {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		switch c := part.(type) {
		case mcpgo.TextContent:
			sb.WriteString(c.Text)
		case mcpgo.ImageContent:
			sb.WriteString(fmt.Sprintf("[image content, %s]", c.MIMEType))
		default:
			sb.WriteString(fmt.Sprintf("[unsupported content type %T]", part))
		}
	}
	return sb.String()
}
