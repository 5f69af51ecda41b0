package tools

import (
	"context"
	"testing"
)

type staticTool struct {
	name string
}

func (t *staticTool) Name() string            { return t.name }
func (t *staticTool) Description() string     { return "static" }
func (t *staticTool) Schema() map[string]any  { return map[string]any{"type": "object"} }
func (t *staticTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.name, nil
}

func TestRegistrySelect(t *testing.T) {
	r := NewRegistry()
	r.Register(&staticTool{name: "web_search"})
	r.Register(&staticTool{name: "mcp_github_list_issues"})
	r.Register(&staticTool{name: "mcp_github_get_issue"})
	r.Register(&staticTool{name: "mcp_jira_search"})

	t.Run("direct names", func(t *testing.T) {
		got, err := r.Select([]string{"web_search"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if len(got) != 1 || got[0].Name() != "web_search" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("mcp expansion", func(t *testing.T) {
		got, err := r.Select([]string{"mcp:github"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expanded to %d tools, want 2", len(got))
		}
		for _, tool := range got {
			if tool.Name() == "mcp_jira_search" {
				t.Error("expansion leaked another server's tool")
			}
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		if _, err := r.Select([]string{"nope"}); err == nil {
			t.Error("unknown name should error")
		}
	})

	t.Run("unknown mcp server", func(t *testing.T) {
		if _, err := r.Select([]string{"mcp:gitlab"}); err == nil {
			t.Error("unknown server should error")
		}
	})
}

func TestRegistryReRegisterKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&staticTool{name: "a"})
	r.Register(&staticTool{name: "b"})
	r.Register(&staticTool{name: "a"})

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %v", names)
	}

	r.Unregister("a")
	if names := r.Names(); len(names) != 1 || names[0] != "b" {
		t.Errorf("after unregister, names = %v", names)
	}
}
