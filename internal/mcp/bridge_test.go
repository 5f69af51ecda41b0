package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func TestBridgeToolName(t *testing.T) {
	var connected atomic.Bool
	bt := newBridgeTool("github", mcpgo.Tool{Name: "search_issues"}, nil, &connected)

	if got := bt.Name(); got != "mcp_github_search_issues" {
		t.Fatalf("Name() = %q, want mcp_github_search_issues", got)
	}
}

func TestBridgeToolDescription(t *testing.T) {
	var connected atomic.Bool

	bt := newBridgeTool("jira", mcpgo.Tool{Name: "create_ticket", Description: "Create a ticket"}, nil, &connected)
	if got := bt.Description(); got != "[jira] Create a ticket" {
		t.Fatalf("Description() = %q", got)
	}

	// Falls back to the tool name when the server gives no description.
	bt = newBridgeTool("jira", mcpgo.Tool{Name: "create_ticket"}, nil, &connected)
	if got := bt.Description(); got != "[jira] create_ticket" {
		t.Fatalf("Description() fallback = %q", got)
	}
}

func TestBridgeToolSchema(t *testing.T) {
	var connected atomic.Bool
	bt := newBridgeTool("github", mcpgo.Tool{
		Name: "search_issues",
		InputSchema: mcpgo.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "number"},
			},
			Required: []string{"query"},
		},
	}, nil, &connected)

	schema := bt.Schema()
	if schema["type"] != "object" {
		t.Fatalf("schema type = %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema properties missing: %#v", schema)
	}
	if _, ok := props["query"]; !ok {
		t.Fatal("schema lost the query property")
	}
	required, ok := schema["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "query" {
		t.Fatalf("schema required = %#v", schema["required"])
	}
}

func TestBridgeToolSchemaEmpty(t *testing.T) {
	var connected atomic.Bool
	bt := newBridgeTool("s", mcpgo.Tool{Name: "t"}, nil, &connected)

	schema := bt.Schema()
	if schema["type"] != "object" {
		t.Fatalf("empty schema should default to object, got %v", schema["type"])
	}
	if _, ok := schema["properties"]; ok {
		t.Fatal("empty schema should not carry a properties key")
	}
}

func TestBridgeToolExecuteDisconnected(t *testing.T) {
	var connected atomic.Bool // zero value: disconnected
	bt := newBridgeTool("github", mcpgo.Tool{Name: "search_issues"}, nil, &connected)

	_, err := bt.Execute(context.Background(), map[string]any{"query": "crash"})
	if err == nil {
		t.Fatal("expected error when server is disconnected")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("error = %v, want mention of not connected", err)
	}
}

func TestFlattenContent(t *testing.T) {
	parts := []mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "first"},
		mcpgo.TextContent{Type: "text", Text: "second"},
		mcpgo.ImageContent{Type: "image", MIMEType: "image/png"},
	}

	got := flattenContent(parts)
	want := "first\nsecond\n[image content, image/png]"
	if got != want {
		t.Fatalf("flattenContent = %q, want %q", got, want)
	}

	if flattenContent(nil) != "" {
		t.Fatal("flattenContent(nil) should be empty")
	}
}
