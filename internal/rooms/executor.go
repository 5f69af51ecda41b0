package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
	"github.com/parleyhq/parley/internal/tools"
)

// ToolSource materializes a mode's tool set per run. *tools.Registry
// satisfies it.
type ToolSource interface {
	Select(names []string) ([]tools.Tool, error)
}

// ArtifactSaver stores oversized replies out of band and returns their
// public URL.
type ArtifactSaver interface {
	SaveText(text string) (string, error)
}

// ExecRequest is one agent run handed to the executor: the triggering
// message, its resolved mode, and the history snapshot taken when the
// message arrived (trigger message last).
type ExecRequest struct {
	Msg       *bus.RoomMessage
	TriggerID int64
	Resolved  *ResolvedCommand
	Context   []providers.Message
	Room      *config.RoomConfig
	Send      SendFunc

	// PumpSteering drains the steering queue for the message's session
	// key into each LLM call's context. Only the runner that owns the
	// key sets it; bypass runs never touch the queue.
	PumpSteering bool

	// OnAgentReady fires exactly once, after the session exists and
	// before the first LLM call, so the coordinator can wire live
	// steering.
	OnAgentReady func(*agent.Session)
}

// ExecutionResult reports one completed run.
type ExecutionResult struct {
	RunID      string
	Response   string
	Resolved   *ResolvedCommand
	Usage      providers.Usage
	Iterations int
	ToolCalls  int
}

// Executor turns a resolved command into one agent run: build the
// system prompt and seed history, drive the session runner, annotate
// and deliver the reply, and account the spend.
type Executor struct {
	registry  *providers.Registry
	history   HistoryStore
	queue     *SteeringQueue
	tools     ToolSource
	artifacts ArtifactSaver
	costs     *CostTracker
	events    bus.EventPublisher

	overflowFactor float64
	now            func() time.Time
}

// ExecutorConfig assembles an Executor. History, Tools, Artifacts,
// Costs and Events may be nil; the corresponding step is skipped.
type ExecutorConfig struct {
	Registry       *providers.Registry
	History        HistoryStore
	Queue          *SteeringQueue
	Tools          ToolSource
	Artifacts      ArtifactSaver
	Costs          *CostTracker
	Events         bus.EventPublisher
	OverflowFactor float64
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		registry:       cfg.Registry,
		history:        cfg.History,
		queue:          cfg.Queue,
		tools:          cfg.Tools,
		artifacts:      cfg.Artifacts,
		costs:          cfg.Costs,
		events:         cfg.Events,
		overflowFactor: cfg.OverflowFactor,
		now:            time.Now,
	}
}

// Execute runs one command invocation end to end and returns the
// delivered response. Errors bubble up to the coordinator, which aborts
// the steering session; nothing is sent to the room on failure.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
	return e.run(ctx, req, false)
}

// ExecuteProactive runs a bot-initiated interjection: the same pipeline
// with the proactive extra prompt appended to the system prompt and the
// reply prefixed with the model's short id.
func (e *Executor) ExecuteProactive(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
	return e.run(ctx, req, true)
}

func (e *Executor) run(ctx context.Context, req ExecRequest, proactive bool) (*ExecutionResult, error) {
	rt := req.Resolved.Runtime
	model := rt.Model
	if req.Resolved.ModelOverride != "" {
		model = req.Resolved.ModelOverride
	}

	system := BuildSystemPrompt(req.Room, rt.Prompt, req.Msg.MyNick, e.now())
	if proactive && req.Room.Proactive.SeriousExtraPrompt != "" {
		system += "\n\n" + req.Room.Proactive.SeriousExtraPrompt
	}

	// The last snapshot entry is the triggering message; it becomes the
	// prompt verbatim, trigger tokens included, so the agent sees what
	// the room saw. Everything before it seeds the session history.
	prompt := req.Msg.Content
	var history []providers.Message
	if n := len(req.Context); n > 0 {
		prompt = req.Context[n-1].Content
		if !req.Resolved.NoContext {
			history = req.Context[:n-1]
		}
	}

	toolset, err := e.selectTools(rt.Tools)
	if err != nil {
		return nil, fmt.Errorf("materialize tool set for mode %s: %w", req.Resolved.ModeKey, err)
	}

	key := bus.KeyFor(req.Msg)
	transform := e.buildTransform(req, key)

	session := agent.NewSession(agent.SessionConfig{
		SystemPrompt:     system,
		Model:            model,
		Registry:         e.registry,
		Tools:            toolset,
		TransformContext: transform,
		History:          history,
		MaxTokens:        rt.MaxTokens,
		Temperature:      rt.Temperature,
		ReasoningEffort:  rt.ReasoningEffort,
	})
	defer session.Dispose()

	if req.OnAgentReady != nil {
		req.OnAgentReady(session)
	}

	runID := uuid.NewString()
	e.broadcast(bus.Event{Name: bus.EventRunStarted, Payload: map[string]any{
		"run_id": runID,
		"key":    key.String(),
		"mode":   req.Resolved.ModeKey,
		"model":  model,
	}})
	slog.Info("agent run starting",
		"run_id", runID, "key", key.String(), "mode", req.Resolved.ModeKey,
		"model", model, "proactive", proactive)

	res, err := agent.RunSingleTurn(ctx, session, prompt, agent.RunOptions{
		RefusalFallbackModel: rt.RefusalFallbackModel,
	})
	if err != nil {
		e.broadcast(bus.Event{Name: bus.EventRunFailed, Payload: map[string]any{
			"run_id": runID,
			"key":    key.String(),
			"error":  err.Error(),
		}})
		return nil, fmt.Errorf("agent run %s: %w", runID, err)
	}

	text := res.Text
	if res.FallbackModel != "" {
		text += " [refusal fallback to " + res.FallbackModel + "]"
	}
	if proactive {
		text = "[" + modelShortName(model) + "] " + text
	}
	if e.costs != nil && e.costs.NeedsFollowup(res.Usage.Cost) {
		text += fmt.Sprintf("\n(cost: $%.2f)", res.Usage.Cost)
	}
	text = e.overflowToArtifact(req.Msg.Arc, text)

	e.broadcast(bus.Event{Name: bus.EventRunCompleted, Payload: map[string]any{
		"run_id":     runID,
		"key":        key.String(),
		"iterations": res.Iterations,
		"tool_calls": res.ToolCalls,
		"cost_usd":   res.Usage.Cost,
	}})
	slog.Info("agent run completed",
		"run_id", runID, "iterations", res.Iterations, "tool_calls", res.ToolCalls,
		"cost_usd", res.Usage.Cost)

	if req.Send != nil {
		if err := req.Send(ctx, text); err != nil {
			return nil, fmt.Errorf("deliver response for run %s: %w", runID, err)
		}
	}
	e.persistBotReply(ctx, req.Msg, text)

	if e.costs != nil {
		if crossed := e.costs.Add(req.Msg.Arc.Key(), res.Usage.Cost); crossed > 0 {
			milestone := fmt.Sprintf("Daily LLM spend crossed $%d", crossed)
			if req.Send != nil {
				if err := req.Send(ctx, milestone); err != nil {
					slog.Warn("failed to deliver cost milestone", "arc", req.Msg.Arc.Key(), "error", err)
				}
			}
			e.persistBotReply(ctx, req.Msg, milestone)
		}
	}

	return &ExecutionResult{
		RunID:      runID,
		Response:   text,
		Resolved:   req.Resolved,
		Usage:      res.Usage,
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
	}, nil
}

// buildTransform assembles the per-call context hook. Queued steering
// messages are drained here, at context build time, so every drained
// item is seen by the exact LLM call it was drained for; they stay out
// of the session history and reach the model as trailing user turns.
// The meta reminder, when configured, is appended last.
func (e *Executor) buildTransform(req ExecRequest, key bus.SessionKey) agent.TransformContextFunc {
	var reminder string
	if req.Resolved.Runtime.MetaReminder != "" {
		reminder = "<meta>" + req.Resolved.Runtime.MetaReminder + "</meta>"
	}
	pump := req.PumpSteering && e.queue != nil
	if !pump && reminder == "" {
		return nil
	}

	var steering []providers.Message
	return func(ctx context.Context, msgs []providers.Message) []providers.Message {
		out := msgs
		if pump {
			steering = append(steering, e.queue.DrainSteeringContextMessages(key)...)
			out = append(out, steering...)
		}
		if reminder != "" {
			out = append(out, providers.Message{Role: "user", Content: reminder})
		}
		return out
	}
}

func (e *Executor) selectTools(names []string) ([]tools.Tool, error) {
	if e.tools == nil || len(names) == 0 {
		return nil, nil
	}
	return e.tools.Select(names)
}

// persistBotReply records an outgoing reply in history under the bot's
// own nick so later context snapshots include it.
func (e *Executor) persistBotReply(ctx context.Context, trigger *bus.RoomMessage, text string) {
	if e.history == nil {
		return
	}
	reply := &bus.RoomMessage{
		Arc:      trigger.Arc,
		Nick:     trigger.MyNick,
		MyNick:   trigger.MyNick,
		Content:  text,
		ThreadID: trigger.ThreadID,
	}
	if _, err := e.history.AddMessage(ctx, reply); err != nil {
		slog.Warn("failed to persist bot reply", "arc", trigger.Arc.Key(), "error", err)
	}
}

func (e *Executor) broadcast(ev bus.Event) {
	if e.events != nil {
		e.events.Broadcast(ev)
	}
}

// overflowToArtifact replaces a reply that exceeds the platform hard
// limit times the overflow factor with a head trimmed to one message
// plus a link to the stored full text.
func (e *Executor) overflowToArtifact(arc bus.Arc, text string) string {
	if e.artifacts == nil || e.overflowFactor <= 0 {
		return text
	}
	limit := platformHardLimit(arc.Server)
	if len(text) <= int(float64(limit)*e.overflowFactor) {
		return text
	}

	url, err := e.artifacts.SaveText(text)
	if err != nil {
		slog.Warn("failed to store overflow artifact", "arc", arc.Key(), "error", err)
		return text
	}

	const marker = "... full response: "
	budget := limit - len(marker) - len(url)
	if budget < 0 {
		budget = 0
	}
	return trimAtBoundary(text, budget) + marker + url
}

// platformHardLimit is the per-message text budget of the transport
// behind a server tag, in bytes.
func platformHardLimit(serverTag string) int {
	switch {
	case serverTag == "discord" || strings.HasPrefix(serverTag, "discord:"):
		return 2000
	case serverTag == "slack" || strings.HasPrefix(serverTag, "slack:"):
		return 4000
	case serverTag == "telegram" || strings.HasPrefix(serverTag, "telegram:"):
		return 4096
	default:
		// IRC: what survives of a 512-byte line after the envelope.
		return 420
	}
}

// trimAtBoundary cuts text to at most n bytes without splitting a rune,
// preferring a sentence end and then a word break within the last 100
// bytes of the cut.
func trimAtBoundary(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	head := text[:cut]

	window := cut - 100
	if window < 0 {
		window = 0
	}
	if i := strings.LastIndexAny(head[window:], ".!?"); i >= 0 {
		return head[:window+i+1]
	}
	if i := strings.LastIndex(head[window:], " "); i >= 0 {
		return head[:window+i]
	}
	return head
}
