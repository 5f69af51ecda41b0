package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
	"github.com/parleyhq/parley/internal/ratelimit"
)

// HistoryStore is the slice of the history contract the rooms core
// depends on. Context rows come back newest-last with the bot's own
// rows as assistant turns and everything else as "<nick> text" user
// turns. The window ends at the given message's row — rows persisted
// after it are excluded — so a continuation run triggered by a queued
// message sees exactly the conversation as of that message.
type HistoryStore interface {
	AddMessage(ctx context.Context, msg *bus.RoomMessage) (int64, error)
	GetContextForMessage(ctx context.Context, msg *bus.RoomMessage, size int) ([]providers.Message, error)
	CountMessagesSince(ctx context.Context, server, channel string, since time.Time) (int, error)
}

// Chronicler observes passive traffic so the auto-chronicler can
// summarize an arc once enough rows accumulate.
type Chronicler interface {
	Observe(arc bus.Arc)
}

// activeSession wires live steering for one running agent. Messages
// arriving before the agent exists buffer here; onAgentReady flushes
// them and switches to direct injection.
type activeSession struct {
	mu       sync.Mutex
	agent    *agent.Session
	buffered []string
}

func (a *activeSession) steer(text string) {
	a.mu.Lock()
	if a.agent == nil {
		a.buffered = append(a.buffered, text)
		a.mu.Unlock()
		return
	}
	ag := a.agent
	a.mu.Unlock()
	ag.Steer(text)
}

func (a *activeSession) ready(s *agent.Session) {
	a.mu.Lock()
	buffered := a.buffered
	a.buffered = nil
	a.agent = s
	a.mu.Unlock()
	for _, text := range buffered {
		s.Steer(text)
	}
}

// Coordinator routes every inbound room message to exactly one of:
// start an agent run, steer a running one, queue behind one, hand to
// the proactive runner, or just record it. It owns the active-session
// map and the per-user command rate limiters.
type Coordinator struct {
	cfg       *config.Config
	registry  *providers.Registry
	history   HistoryStore
	chron     Chronicler
	executor  *Executor
	queue     *SteeringQueue
	proactive *ProactiveRunner

	mu       sync.Mutex
	active   map[bus.SessionKey]*activeSession
	limiters map[string]*ratelimit.Limiter
}

// NewCoordinator wires the dispatch core. chron and proactive may be
// nil; the proactive runner's post-run drain hook is installed here to
// keep the construction acyclic.
func NewCoordinator(cfg *config.Config, registry *providers.Registry, history HistoryStore, queue *SteeringQueue, executor *Executor, proactive *ProactiveRunner, chron Chronicler) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		registry:  registry,
		history:   history,
		chron:     chron,
		executor:  executor,
		queue:     queue,
		proactive: proactive,
		active:    make(map[bus.SessionKey]*activeSession),
		limiters:  make(map[string]*ratelimit.Limiter),
	}
	if proactive != nil {
		proactive.setDrain(c.drainAfterRun)
	}
	return c
}

// HandleIncomingMessage is the single entry point for normalized
// inbound traffic. The message is persisted before anything can react
// to it, so every later context snapshot already contains it.
func (c *Coordinator) HandleIncomingMessage(ctx context.Context, msg *bus.RoomMessage, send SendFunc) error {
	if msg.FromMe() {
		return nil
	}
	room := c.cfg.RoomConfig(msg.Arc.Server, msg.Arc.Channel)
	if room.IgnoresUser(msg.Nick) {
		slog.Debug("ignoring user", "nick", msg.Nick, "arc", room.ArcKey)
		return nil
	}

	triggerID, err := c.history.AddMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}

	if !msg.Direct {
		c.handlePassive(ctx, room, msg, send)
		return nil
	}
	return c.handleDirect(ctx, room, msg, triggerID, send)
}

func (c *Coordinator) handleDirect(ctx context.Context, room *config.RoomConfig, msg *bus.RoomMessage, triggerID int64, send SendFunc) error {
	if len(room.Command.Modes) == 0 {
		slog.Debug("no modes configured, staying quiet", "arc", room.ArcKey)
		return nil
	}

	if !c.allowUser(room, msg) {
		slog.Info("user rate limited", "nick", msg.Nick, "arc", room.ArcKey)
		c.notify(ctx, msg, send, fmt.Sprintf("%s: Slow down a little, will you? (rate limiting)", msg.Nick))
		return nil
	}

	convo, err := c.history.GetContextForMessage(ctx, msg, room.Command.MaxHistorySize())
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	resolver := c.resolverFor(room)
	resolved := resolver.Resolve(ctx, msg, convo, room.Command.HistorySize)
	switch {
	case resolved.Err != "":
		// Parse errors answer the user directly and stay out of
		// history; they are noise, not conversation.
		if send != nil {
			if err := send(ctx, fmt.Sprintf("%s: %s", msg.Nick, resolved.Err)); err != nil {
				return fmt.Errorf("deliver parse error: %w", err)
			}
		}
		return nil
	case resolved.HelpRequested:
		c.notify(ctx, msg, send, resolver.BuildHelpMessage(room.ArcKey))
		return nil
	}

	req := ExecRequest{
		Msg:       msg,
		TriggerID: triggerID,
		Resolved:  resolved,
		Context:   convo,
		Room:      room,
		Send:      send,
	}

	if resolver.ShouldBypassSteering(msg) {
		if c.proactive != nil {
			c.proactive.CancelChannel(room.ArcKey)
		}
		_, err := c.executor.Execute(ctx, req)
		return err
	}
	return c.runOrQueue(ctx, req)
}

// runOrQueue is the steering command path: a live agent for the key
// absorbs the message, an existing queue session takes it as a queued
// command, and an idle key makes this call the runner.
func (c *Coordinator) runOrQueue(ctx context.Context, req ExecRequest) error {
	key := bus.KeyFor(req.Msg)

	c.mu.Lock()
	as := c.active[key]
	c.mu.Unlock()
	if as != nil {
		as.steer(SteeringContextMessage(req.Msg).Content)
		return nil
	}

	isRunner, _, item := c.queue.EnqueueCommandOrStartRunner(req.Msg, req.TriggerID, req.Send)
	if !isRunner {
		return item.Wait(ctx)
	}

	if c.proactive != nil {
		c.proactive.CancelChannel(req.Room.ArcKey)
	}

	if err := c.runCommand(ctx, key, req); err != nil {
		c.queue.FailItem(item, err)
		c.queue.AbortSession(key, err)
		return err
	}
	c.queue.FinishItem(item)
	return c.drainLoop(ctx, key)
}

// runCommand executes one run with the active-session entry registered
// for its duration, so follow-ups steer instead of piling up.
func (c *Coordinator) runCommand(ctx context.Context, key bus.SessionKey, req ExecRequest) error {
	as := &activeSession{}
	c.mu.Lock()
	c.active[key] = as
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}()

	req.PumpSteering = true
	req.OnAgentReady = as.ready
	_, err := c.executor.Execute(ctx, req)
	return err
}

// drainLoop empties the steering session after a run: queued commands
// become continuation runs against a fresh context snapshot, queued
// passives hand back to the proactive pipeline. It returns once the
// queue closes the session.
func (c *Coordinator) drainLoop(ctx context.Context, key bus.SessionKey) error {
	for {
		var next *QueuedItem
		for {
			dropped, ni := c.queue.TakeNextWorkCompacted(key)
			for _, d := range dropped {
				c.queue.FinishItem(d)
			}
			if ni == nil {
				return nil
			}
			if ni.Kind == KindCommand {
				next = ni
				break
			}
			c.queue.FinishItem(ni)
			if c.proactive != nil {
				c.proactive.Recheck(ctx, ni.Msg, ni.Send)
			}
		}

		req, err := c.buildRequest(ctx, next)
		if err != nil {
			c.queue.FailItem(next, err)
			c.queue.AbortSession(key, err)
			return err
		}
		if req == nil {
			c.queue.FinishItem(next)
			continue
		}
		if err := c.runCommand(ctx, key, *req); err != nil {
			c.queue.FailItem(next, err)
			c.queue.AbortSession(key, err)
			return err
		}
		c.queue.FinishItem(next)
	}
}

// drainAfterRun is the proactive runner's post-run hook; failures only
// log because the interjection itself already completed.
func (c *Coordinator) drainAfterRun(ctx context.Context, key bus.SessionKey) {
	if err := c.drainLoop(ctx, key); err != nil {
		slog.Error("post-run drain failed", "key", key.String(), "error", err)
	}
}

// buildRequest resolves a queued command against a fresh snapshot. A
// nil request with nil error means the message resolved to something
// answered inline (cannot normally happen for queued commands).
func (c *Coordinator) buildRequest(ctx context.Context, item *QueuedItem) (*ExecRequest, error) {
	msg := item.Msg
	room := c.cfg.RoomConfig(msg.Arc.Server, msg.Arc.Channel)

	convo, err := c.history.GetContextForMessage(ctx, msg, room.Command.MaxHistorySize())
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	resolver := c.resolverFor(room)
	resolved := resolver.Resolve(ctx, msg, convo, room.Command.HistorySize)
	if resolved.Err != "" {
		if item.Send != nil {
			if err := item.Send(ctx, fmt.Sprintf("%s: %s", msg.Nick, resolved.Err)); err != nil {
				slog.Warn("failed to deliver parse error", "arc", room.ArcKey, "error", err)
			}
		}
		return nil, nil
	}
	if resolved.HelpRequested {
		c.notify(ctx, msg, item.Send, resolver.BuildHelpMessage(room.ArcKey))
		return nil, nil
	}
	return &ExecRequest{
		Msg:       msg,
		TriggerID: item.TriggerMessageID,
		Resolved:  resolved,
		Context:   convo,
		Room:      room,
		Send:      item.Send,
	}, nil
}

// handlePassive lets a passive message steer the sender's running
// session if one exists, otherwise offers it to the proactive runner;
// either way the chronicler gets to observe the arc.
func (c *Coordinator) handlePassive(ctx context.Context, room *config.RoomConfig, msg *bus.RoomMessage, send SendFunc) {
	key := bus.KeyFor(msg)
	c.mu.Lock()
	as := c.active[key]
	c.mu.Unlock()

	if as != nil {
		as.steer(SteeringContextMessage(msg).Content)
	} else if c.proactive != nil {
		c.proactive.SteerOrStart(ctx, room, msg, send)
	}

	if c.chron != nil {
		c.chron.Observe(msg.Arc)
	}
}

// Execute bypasses the session map and queue entirely and runs the
// executor on a fresh snapshot. CLI/test entry.
func (c *Coordinator) Execute(ctx context.Context, msg *bus.RoomMessage, send SendFunc) (*ExecutionResult, error) {
	room := c.cfg.RoomConfig(msg.Arc.Server, msg.Arc.Channel)
	if len(room.Command.Modes) == 0 {
		return nil, fmt.Errorf("no modes configured for %s", room.ArcKey)
	}
	if _, err := c.history.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	convo, err := c.history.GetContextForMessage(ctx, msg, room.Command.MaxHistorySize())
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	resolver := c.resolverFor(room)
	resolved := resolver.Resolve(ctx, msg, convo, room.Command.HistorySize)
	if resolved.Err != "" {
		return nil, fmt.Errorf("resolve command: %s", resolved.Err)
	}
	if resolved.HelpRequested {
		help := resolver.BuildHelpMessage(room.ArcKey)
		if send != nil {
			if err := send(ctx, help); err != nil {
				return nil, err
			}
		}
		return &ExecutionResult{Response: help, Resolved: resolved}, nil
	}
	return c.executor.Execute(ctx, ExecRequest{
		Msg:      msg,
		Resolved: resolved,
		Context:  convo,
		Room:     room,
		Send:     send,
	})
}

// Shutdown releases every steering session: queued passives finish,
// queued commands fail retryable so transports may re-deliver.
func (c *Coordinator) Shutdown() {
	c.queue.ReleaseAll()
	if c.proactive != nil {
		c.proactive.Stop()
	}
}

func (c *Coordinator) resolverFor(room *config.RoomConfig) *Resolver {
	classifier := NewClassifier(c.registry, room.Command.ModeClassifier)
	return NewResolver(room.Command, classifier.Classify)
}

// allowUser checks the per-(arc, nick) command limiter, creating it
// with the room's settings on first use.
func (c *Coordinator) allowUser(room *config.RoomConfig, msg *bus.RoomMessage) bool {
	if room.UserRateLimit <= 0 {
		return true
	}
	key := room.ArcKey + "|" + strings.ToLower(msg.Nick)

	c.mu.Lock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = ratelimit.NewLimiter(room.UserRateLimit, time.Duration(room.UserRatePeriodSeconds)*time.Second)
		c.limiters[key] = lim
	}
	c.mu.Unlock()

	return lim.Allow()
}

// notify sends a bot notice and records it in history, unlike parse
// errors which are sent but never recorded.
func (c *Coordinator) notify(ctx context.Context, msg *bus.RoomMessage, send SendFunc, text string) {
	if send != nil {
		if err := send(ctx, text); err != nil {
			slog.Warn("failed to deliver notice", "arc", msg.Arc.Key(), "error", err)
			return
		}
	}
	reply := &bus.RoomMessage{
		Arc:      msg.Arc,
		Nick:     msg.MyNick,
		MyNick:   msg.MyNick,
		Content:  text,
		ThreadID: msg.ThreadID,
	}
	if _, err := c.history.AddMessage(ctx, reply); err != nil {
		slog.Warn("failed to persist notice", "arc", msg.Arc.Key(), "error", err)
	}
}
