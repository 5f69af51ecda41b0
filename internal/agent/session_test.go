package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/parleyhq/parley/internal/providers"
	"github.com/parleyhq/parley/internal/tools"
)

// scriptedProvider replays canned responses in call order and records
// every request it saw.
type scriptedProvider struct {
	name string

	mu        sync.Mutex
	calls     []providers.ChatRequest
	responses []*providers.ChatResponse
	errs      []error
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	if n < len(p.responses) {
		return p.responses[n], nil
	}
	return &providers.ChatResponse{Content: "out of script", FinishReason: "stop"}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-default" }

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

type fakeTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (string, error)
}

func (t *fakeTool) Name() string           { return t.name }
func (t *fakeTool) Description() string    { return "test tool" }
func (t *fakeTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (t *fakeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}

func textResponse(text string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: text, FinishReason: "stop"}
}

func toolCallResponse(id, name string, args map[string]any) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

func hasUserMessageContaining(msgs []providers.Message, substr string) bool {
	for _, m := range msgs {
		if m.Role == "user" && strings.Contains(m.Content, substr) {
			return true
		}
	}
	return false
}

func TestSessionPromptToolLoop(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse("t1", "echo", map[string]any{"text": "hello"}),
		textResponse("the tool said: hello"),
	}}
	s := NewSession(SessionConfig{
		SystemPrompt: "you are a test bot",
		Model:        "scripted:m1",
		Registry:     providers.NewRegistry(p),
		Tools: []tools.Tool{&fakeTool{name: "echo", fn: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		}}},
	})

	got, err := s.Prompt(context.Background(), "run the echo tool")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if got != "the tool said: hello" {
		t.Errorf("Prompt = %q, want final text", got)
	}
	if p.callCount() != 2 {
		t.Fatalf("LLM calls = %d, want 2", p.callCount())
	}

	// Second call must carry the tool result back to the model.
	second := p.call(1)
	foundResult := false
	for _, m := range second.Messages {
		if m.Role == "tool" && m.Content == "hello" && m.ToolCallID == "t1" {
			foundResult = true
		}
	}
	if !foundResult {
		t.Errorf("second call missing tool result message: %+v", second.Messages)
	}

	// History: user, assistant(tool call), tool, assistant(final).
	msgs := s.Messages()
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("history[%d].Role = %q, want %q", i, msgs[i].Role, role)
		}
	}
}

func TestSessionSteerInjectedAtTurnBoundary(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse("t1", "web_search", map[string]any{"query": "weather today"}),
		textResponse("Sunny, 28C. Bring sunscreen with SPF 50."),
	}}

	var s *Session
	search := &fakeTool{name: "web_search", fn: func(ctx context.Context, args map[string]any) (string, error) {
		// A follow-up lands while the tool is still running.
		s.Steer("<dale> also recommend sunscreen please")
		return "forecast: sunny, 28C", nil
	}}
	s = NewSession(SessionConfig{
		Model:    "scripted:m1",
		Registry: providers.NewRegistry(p),
		Tools:    []tools.Tool{search},
	})

	got, err := s.Prompt(context.Background(), "<dale> what's the weather today?")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if !strings.Contains(got, "sunscreen") {
		t.Errorf("final text %q does not address the steered follow-up", got)
	}
	if p.callCount() != 2 {
		t.Fatalf("LLM calls = %d, want 2", p.callCount())
	}
	if !hasUserMessageContaining(p.call(1).Messages, "sunscreen") {
		t.Errorf("second generation context missing steered user turn")
	}
	// Steered follow-ups are real user messages: they persist.
	if !hasUserMessageContaining(s.Messages(), "sunscreen") {
		t.Errorf("steered message not persisted to session history")
	}
}

func TestSessionTransformContextIsEphemeral(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("ok")}}
	s := NewSession(SessionConfig{
		Model:    "scripted:m1",
		Registry: providers.NewRegistry(p),
		TransformContext: func(ctx context.Context, msgs []providers.Message) []providers.Message {
			return append(msgs, providers.Message{Role: "user", Content: "<meta>stay on topic</meta>"})
		},
	})

	if _, err := s.Prompt(context.Background(), "hi"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if !hasUserMessageContaining(p.call(0).Messages, "<meta>") {
		t.Errorf("outbound context missing transform-hook message")
	}
	if hasUserMessageContaining(s.Messages(), "<meta>") {
		t.Errorf("transform-hook message leaked into session history")
	}
}

func TestSessionParallelToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "a", Name: "echo", Arguments: map[string]any{"text": "first"}},
				{ID: "b", Name: "echo", Arguments: map[string]any{"text": "second"}},
			},
			FinishReason: "tool_calls",
		},
		textResponse("done"),
	}}
	s := NewSession(SessionConfig{
		Model:    "scripted:m1",
		Registry: providers.NewRegistry(p),
		Tools: []tools.Tool{&fakeTool{name: "echo", fn: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		}}},
	})

	if _, err := s.Prompt(context.Background(), "go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	// Results come back in call order regardless of completion order.
	var results []providers.Message
	for _, m := range s.Messages() {
		if m.Role == "tool" {
			results = append(results, m)
		}
	}
	if len(results) != 2 {
		t.Fatalf("tool result count = %d, want 2", len(results))
	}
	if results[0].ToolCallID != "a" || results[1].ToolCallID != "b" {
		t.Errorf("tool results out of order: %q then %q", results[0].ToolCallID, results[1].ToolCallID)
	}
	if results[0].Content != "first" || results[1].Content != "second" {
		t.Errorf("tool result contents = %q, %q", results[0].Content, results[1].Content)
	}
}

func TestSessionUnknownToolReportedToModel(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse("t1", "no_such_tool", nil),
		textResponse("recovered"),
	}}
	s := NewSession(SessionConfig{
		Model:    "scripted:m1",
		Registry: providers.NewRegistry(p),
	})

	var toolErrs int
	s.Subscribe(func(ev Event) {
		if ev.Type == EventToolEnd && ev.IsError {
			toolErrs++
		}
	})

	got, err := s.Prompt(context.Background(), "go")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if got != "recovered" {
		t.Errorf("final text = %q", got)
	}
	if toolErrs != 1 {
		t.Errorf("tool error events = %d, want 1", toolErrs)
	}
	if !strings.Contains(p.call(1).Messages[len(p.call(1).Messages)-1].Content, "unknown tool") {
		t.Errorf("model never saw the unknown-tool result")
	}
}

func TestSessionEventOrder(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse("t1", "echo", map[string]any{"text": "x"}),
		textResponse("done"),
	}}
	s := NewSession(SessionConfig{
		Model:    "scripted:m1",
		Registry: providers.NewRegistry(p),
		Tools: []tools.Tool{&fakeTool{name: "echo", fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "x", nil
		}}},
	})

	var seen []string
	unsub := s.Subscribe(func(ev Event) { seen = append(seen, ev.Type) })

	if _, err := s.Prompt(context.Background(), "go"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	unsub()

	want := []string{
		EventRunStart,
		EventTurnStart, EventTurnEnd,
		EventToolStart, EventToolEnd,
		EventTurnStart, EventTurnEnd,
		EventRunEnd,
	}
	if len(seen) != len(want) {
		t.Fatalf("event sequence = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestSessionSetModelSwitchesCalls(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		textResponse("one"),
		textResponse("two"),
	}}
	s := NewSession(SessionConfig{
		Model:    "scripted:first-model",
		Registry: providers.NewRegistry(p),
	})

	if _, err := s.Prompt(context.Background(), "a"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	s.SetModel("scripted:second-model")
	if _, err := s.Prompt(context.Background(), "b"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if got := p.call(0).Model; got != "first-model" {
		t.Errorf("first call model = %q", got)
	}
	if got := p.call(1).Model; got != "second-model" {
		t.Errorf("second call model = %q", got)
	}
}

func TestSessionDisposeDropsSteer(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		textResponse("one"), textResponse("two"),
	}}
	s := NewSession(SessionConfig{Model: "scripted:m1", Registry: providers.NewRegistry(p)})

	if _, err := s.Prompt(context.Background(), "a"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	s.Dispose()
	s.Steer("<dale> too late")
	if hasUserMessageContaining(s.Messages(), "too late") {
		t.Errorf("steer after dispose reached the history")
	}
}
