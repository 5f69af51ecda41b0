package providers

import (
	"context"
	"fmt"
	"strings"
)

// Registry routes "provider:modelId" specs to registered providers.
// The split happens at the first colon only, so model IDs may carry
// colons of their own (OpenRouter ":free" variants and the like).
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name, if any.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Resolve splits a model spec into its provider and model ID. A spec
// without a colon selects the provider of that name with its default
// model.
func (r *Registry) Resolve(spec string) (Provider, string, error) {
	name, model, found := strings.Cut(spec, ":")
	if !found {
		model = ""
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q in model spec %q", name, spec)
	}
	if model == "" {
		model = p.DefaultModel()
	}
	return p, model, nil
}

// Chat resolves the spec and runs a single chat call. Cost is filled
// in from the static price table when the provider did not report it.
func (r *Registry) Chat(ctx context.Context, spec string, req ChatRequest) (*ChatResponse, error) {
	p, model, err := r.Resolve(spec)
	if err != nil {
		return nil, err
	}
	req.Model = model
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Usage != nil && resp.Usage.Cost == 0 {
		resp.Usage.Cost = EstimateCost(model, *resp.Usage)
	}
	return resp, nil
}

// CompleteSimple is the one-shot path used by classification, scoring
// and summarization calls: a system prompt, a flat message list, no
// tools.
func (r *Registry) CompleteSimple(ctx context.Context, spec, systemPrompt string, messages []Message, opts CallOptions) (*ChatResponse, error) {
	req := ChatRequest{Options: opts}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: systemPrompt})
	}
	req.Messages = append(req.Messages, messages...)
	return r.Chat(ctx, spec, req)
}
