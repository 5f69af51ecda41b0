package tools

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds every registered tool by name. Mode configs select
// subsets of it per run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the old tool
// but keeps its position.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every registered tool in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// Select materializes a tool set from names. Names prefixed "mcp:" are
// expanded to every registered tool of that MCP server (registered as
// "mcp_<server>_<tool>"). Unknown names are an error so a bad mode
// config fails loudly at run start instead of silently dropping tools.
func (r *Registry) Select(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, name := range names {
		if server, ok := strings.CutPrefix(name, "mcp:"); ok {
			prefix := "mcp_" + server + "_"
			found := false
			for _, n := range r.order {
				if strings.HasPrefix(n, prefix) {
					out = append(out, r.tools[n])
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("no tools registered for MCP server %q", server)
			}
			continue
		}
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}
