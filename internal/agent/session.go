package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parleyhq/parley/internal/providers"
	"github.com/parleyhq/parley/internal/tools"
)

var tracer = otel.Tracer("parley/agent")

// TransformContextFunc rewrites the outbound LLM context right before
// each call. The returned slice is sent to the provider but never
// written back to the session history, so appended messages stay
// ephemeral.
type TransformContextFunc func(ctx context.Context, msgs []providers.Message) []providers.Message

// SessionConfig assembles a new agent session.
type SessionConfig struct {
	SystemPrompt     string
	Model            string // "provider:modelId" spec
	Registry         *providers.Registry
	Tools            []tools.Tool
	TransformContext TransformContextFunc
	// History seeds the session with prior conversation turns. The
	// slice is copied; later prompts append after it.
	History         []providers.Message
	MaxIterations   int // LLM round-trips per prompt, default 20
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string
}

// Session is one agent conversation: a message history, a tool set and
// a model that together drive multi-turn prompt invocations. Incoming
// user follow-ups are injected between turns via Steer; ephemeral
// context comes in through the transform hook and is never persisted.
type Session struct {
	registry      *providers.Registry
	system        string
	tools         []tools.Tool
	transform     TransformContextFunc
	maxIterations int
	opts          providers.CallOptions

	mu       sync.Mutex
	model    string
	messages []providers.Message
	steered  []string
	lastStop string
	disposed bool

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	return &Session{
		registry:      cfg.Registry,
		system:        cfg.SystemPrompt,
		tools:         cfg.Tools,
		transform:     cfg.TransformContext,
		maxIterations: cfg.MaxIterations,
		model:         cfg.Model,
		messages:      append([]providers.Message(nil), cfg.History...),
		opts: providers.CallOptions{
			MaxTokens:       cfg.MaxTokens,
			Temperature:     cfg.Temperature,
			ReasoningEffort: cfg.ReasoningEffort,
		},
		subs: make(map[int]func(Event)),
	}
}

// Subscribe registers a listener for session events and returns its
// unsubscribe function. Listeners run synchronously on the run
// goroutine and must not block.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) emit(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Steer queues a user message for injection at the next turn boundary.
// Steered messages become part of the persisted history, unlike
// transform-hook context.
func (s *Session) Steer(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.steered = append(s.steered, text)
}

// SetModel switches the model spec for subsequent LLM calls.
func (s *Session) SetModel(spec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = spec
}

// Model returns the current model spec.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Messages returns a copy of the persisted session history.
func (s *Session) Messages() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]providers.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastStopReason reports the finish reason of the most recent LLM call.
func (s *Session) LastStopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStop
}

// Dispose releases the session. Further Steer calls are dropped and all
// subscribers are detached.
func (s *Session) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
	s.subMu.Lock()
	s.subs = make(map[int]func(Event))
	s.subMu.Unlock()
}

// Prompt appends text as a user message and drives the agent loop until
// the model stops calling tools. It returns the final assistant text.
func (s *Session) Prompt(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	s.messages = append(s.messages, providers.Message{Role: "user", Content: text})
	s.mu.Unlock()
	return s.run(ctx, "")
}

// PromptEphemeral drives the agent loop with nudge appended to the
// outbound context of every turn. The nudge is never written to the
// session history.
func (s *Session) PromptEphemeral(ctx context.Context, nudge string) (string, error) {
	return s.run(ctx, nudge)
}

func (s *Session) run(ctx context.Context, ephemeral string) (string, error) {
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(attribute.String("model", s.Model()))

	s.emit(Event{Type: EventRunStart})
	defer s.emit(Event{Type: EventRunEnd})

	var lastText string
	for iter := 1; iter <= s.maxIterations; iter++ {
		outbound := s.buildContext(ctx, ephemeral)
		slog.Debug("agent turn", "model", s.Model(), "iteration", iter, "messages", len(outbound))

		s.emit(Event{Type: EventTurnStart})
		resp, err := s.registry.Chat(ctx, s.Model(), providers.ChatRequest{
			Messages: outbound,
			Tools:    tools.Definitions(s.tools),
			Options:  s.opts,
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("LLM call failed (turn %d): %w", iter, err)
		}

		s.mu.Lock()
		s.messages = append(s.messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Usage:     resp.Usage,
		})
		s.lastStop = resp.FinishReason
		s.mu.Unlock()
		s.emit(Event{Type: EventTurnEnd})

		lastText = resp.Content
		if len(resp.ToolCalls) == 0 {
			break
		}

		for _, m := range s.executeTools(ctx, resp.ToolCalls) {
			s.mu.Lock()
			s.messages = append(s.messages, m)
			s.mu.Unlock()
		}
	}
	return lastText, nil
}

// buildContext drains steered messages into the history, then assembles
// the outbound call context: system prompt, history, transform-hook
// additions and the per-run ephemeral nudge. Everything past the
// history copy stays out of the session state.
func (s *Session) buildContext(ctx context.Context, ephemeral string) []providers.Message {
	s.mu.Lock()
	for _, text := range s.steered {
		s.messages = append(s.messages, providers.Message{Role: "user", Content: text})
	}
	s.steered = nil

	out := make([]providers.Message, 0, len(s.messages)+2)
	if s.system != "" {
		out = append(out, providers.Message{Role: "system", Content: s.system})
	}
	out = append(out, s.messages...)
	s.mu.Unlock()

	if s.transform != nil {
		out = s.transform(ctx, out)
	}
	if ephemeral != "" {
		out = append(out, providers.Message{Role: "user", Content: ephemeral})
	}
	return out
}

// executeTools runs the requested tool calls and returns their result
// messages in call order. Multiple calls run in parallel.
func (s *Session) executeTools(ctx context.Context, calls []providers.ToolCall) []providers.Message {
	if len(calls) == 1 {
		return []providers.Message{s.executeTool(ctx, calls[0])}
	}
	out := make([]providers.Message, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc providers.ToolCall) {
			defer wg.Done()
			out[i] = s.executeTool(ctx, tc)
		}(i, tc)
	}
	wg.Wait()
	return out
}

func (s *Session) executeTool(ctx context.Context, tc providers.ToolCall) providers.Message {
	ctx, span := tracer.Start(ctx, "tool."+tc.Name)
	defer span.End()

	s.emit(Event{Type: EventToolStart, Tool: tc.Name})
	slog.Info("tool call", "tool", tc.Name, "args", len(tc.Arguments))

	var content string
	var isErr bool
	if tool := s.findTool(tc.Name); tool == nil {
		content = fmt.Sprintf("unknown tool %q", tc.Name)
		isErr = true
	} else if result, err := tool.Execute(ctx, tc.Arguments); err != nil {
		content = "tool error: " + err.Error()
		isErr = true
		slog.Warn("tool failed", "tool", tc.Name, "error", err)
	} else {
		content = result
	}

	if isErr {
		span.SetStatus(codes.Error, content)
	}
	s.emit(Event{Type: EventToolEnd, Tool: tc.Name, IsError: isErr})

	return providers.Message{Role: "tool", Content: content, ToolCallID: tc.ID}
}

func (s *Session) findTool(name string) tools.Tool {
	for _, t := range s.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}
