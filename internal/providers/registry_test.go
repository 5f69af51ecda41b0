package providers

import (
	"context"
	"math"
	"testing"
)

// fakeProvider records the last request and returns a canned response.
type fakeProvider struct {
	name     string
	defModel string
	lastReq  ChatRequest
	resp     *ChatResponse
	err      error
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return f.defModel }

func (f *fakeProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, _ func(StreamChunk)) (*ChatResponse, error) {
	return f.Chat(ctx, req)
}

// TestRegistryResolve verifies model spec parsing: first-colon split,
// default model fallback, unknown provider error.
func TestRegistryResolve(t *testing.T) {
	anth := &fakeProvider{name: "anthropic", defModel: "claude-sonnet-4-5"}
	or := &fakeProvider{name: "openrouter", defModel: "anthropic/claude-sonnet-4.5"}
	reg := NewRegistry(anth, or)

	tests := []struct {
		spec      string
		wantName  string
		wantModel string
		wantErr   bool
	}{
		{spec: "anthropic:claude-haiku-4-5", wantName: "anthropic", wantModel: "claude-haiku-4-5"},
		{spec: "openrouter:meta-llama/llama-3.3-70b:free", wantName: "openrouter", wantModel: "meta-llama/llama-3.3-70b:free"},
		{spec: "anthropic", wantName: "anthropic", wantModel: "claude-sonnet-4-5"},
		{spec: "openrouter:", wantName: "openrouter", wantModel: "anthropic/claude-sonnet-4.5"},
		{spec: "mystery:gpt-42", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			p, model, err := reg.Resolve(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%q): expected error, got provider %v", tt.spec, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.spec, err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("provider = %q, want %q", p.Name(), tt.wantName)
			}
			if model != tt.wantModel {
				t.Errorf("model = %q, want %q", model, tt.wantModel)
			}
		})
	}
}

// TestRegistryChatFillsCost verifies that Chat estimates cost from the
// price table when the provider reported none.
func TestRegistryChatFillsCost(t *testing.T) {
	anth := &fakeProvider{
		name:     "anthropic",
		defModel: "claude-sonnet-4-5",
		resp: &ChatResponse{
			Content: "hi",
			Usage:   &Usage{InputTokens: 1000, OutputTokens: 1000},
		},
	}
	reg := NewRegistry(anth)

	resp, err := reg.Chat(context.Background(), "anthropic:claude-sonnet-4-5", ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	want := 1000*3e-6 + 1000*15e-6
	if math.Abs(resp.Usage.Cost-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", resp.Usage.Cost, want)
	}
}

// TestRegistryChatKeepsReportedCost verifies that a provider-reported
// cost is never overwritten by the estimate.
func TestRegistryChatKeepsReportedCost(t *testing.T) {
	or := &fakeProvider{
		name:     "openrouter",
		defModel: "anthropic/claude-sonnet-4.5",
		resp: &ChatResponse{
			Content: "hi",
			Usage:   &Usage{InputTokens: 10, OutputTokens: 10, Cost: 0.0042},
		},
	}
	reg := NewRegistry(or)

	resp, err := reg.Chat(context.Background(), "openrouter:anthropic/claude-sonnet-4.5", ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Usage.Cost != 0.0042 {
		t.Errorf("cost = %v, want 0.0042", resp.Usage.Cost)
	}
}

// TestCompleteSimple verifies the system prompt lands as the leading
// system message and the resolved model is set on the request.
func TestCompleteSimple(t *testing.T) {
	anth := &fakeProvider{
		name:     "anthropic",
		defModel: "claude-sonnet-4-5",
		resp:     &ChatResponse{Content: "serious"},
	}
	reg := NewRegistry(anth)

	msgs := []Message{{Role: "user", Content: "classify this"}}
	resp, err := reg.CompleteSimple(context.Background(), "anthropic:claude-haiku-4-5", "You are a classifier.", msgs, CallOptions{MaxTokens: 16})
	if err != nil {
		t.Fatalf("CompleteSimple: %v", err)
	}
	if resp.Content != "serious" {
		t.Errorf("content = %q", resp.Content)
	}

	got := anth.lastReq
	if got.Model != "claude-haiku-4-5" {
		t.Errorf("model = %q, want claude-haiku-4-5", got.Model)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "You are a classifier." {
		t.Errorf("first message = %+v, want system prompt", got.Messages[0])
	}
	if got.Options.MaxTokens != 16 {
		t.Errorf("max tokens = %d, want 16", got.Options.MaxTokens)
	}
}

// TestEstimateCost verifies prefix matching and cache token rates.
func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{
			name:  "sonnet input and output",
			model: "claude-sonnet-4-5",
			usage: Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:  18.0,
		},
		{
			name:  "dated snapshot shares base price",
			model: "claude-sonnet-4-5-20250929",
			usage: Usage{InputTokens: 1_000_000},
			want:  3.0,
		},
		{
			name:  "cache read tenth of input",
			model: "claude-sonnet-4-5",
			usage: Usage{CacheReadTokens: 1_000_000},
			want:  0.3,
		},
		{
			name:  "cache write 1.25x input",
			model: "claude-sonnet-4-5",
			usage: Usage{CacheWriteTokens: 1_000_000},
			want:  3.75,
		},
		{
			name:  "unknown model is free",
			model: "gpt-5",
			usage: Usage{InputTokens: 1_000_000},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateCost(tt.model, tt.usage)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EstimateCost(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

// TestSumAssistantUsage verifies per-run usage totals only count
// assistant turns that carry usage.
func TestSumAssistantUsage(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello", Usage: &Usage{InputTokens: 100, OutputTokens: 20, Cost: 0.001}},
		{Role: "tool", Content: "result", ToolCallID: "t1"},
		{Role: "assistant", Content: "done", Usage: &Usage{InputTokens: 150, OutputTokens: 30, Cost: 0.002}},
		{Role: "assistant", Content: "no usage recorded"},
	}

	got := SumAssistantUsage(msgs)
	if got.InputTokens != 250 {
		t.Errorf("input tokens = %d, want 250", got.InputTokens)
	}
	if got.OutputTokens != 50 {
		t.Errorf("output tokens = %d, want 50", got.OutputTokens)
	}
	if math.Abs(got.Cost-0.003) > 1e-12 {
		t.Errorf("cost = %v, want 0.003", got.Cost)
	}
}
