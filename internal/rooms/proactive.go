package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
	"github.com/parleyhq/parley/internal/ratelimit"
)

// seriousLabel is the only classification a proactive interjection may
// run under; anything lighter stays unsent.
const seriousLabel = "serious"

var scoreRe = regexp.MustCompile(`(\d+)/10`)

// ProactiveRunner decides when the bot speaks without being addressed:
// it debounces channel chatter until silence, scores the conversation
// through the validation-model chain, and interjects via the executor
// when the final score clears the configured threshold.
type ProactiveRunner struct {
	cfg      *config.Config
	registry *providers.Registry
	history  HistoryStore
	queue    *SteeringQueue
	executor *Executor
	events   bus.EventPublisher

	// drain is the coordinator's post-run hook, installed after
	// construction to keep the dependency cycle out of the constructors.
	drain func(ctx context.Context, key bus.SessionKey)

	mu        sync.Mutex
	limiter   *ratelimit.Limiter // shared across channels
	debounces map[string]context.CancelFunc
	agents    map[string]*agent.Session

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewProactiveRunner(cfg *config.Config, registry *providers.Registry, history HistoryStore, queue *SteeringQueue, executor *Executor, events bus.EventPublisher) *ProactiveRunner {
	return &ProactiveRunner{
		cfg:       cfg,
		registry:  registry,
		history:   history,
		queue:     queue,
		executor:  executor,
		events:    events,
		debounces: make(map[string]context.CancelFunc),
		agents:    make(map[string]*agent.Session),
		sleep:     sleepCtx,
	}
}

func (p *ProactiveRunner) setDrain(fn func(ctx context.Context, key bus.SessionKey)) {
	p.drain = fn
}

// SteerOrStart absorbs one passive message: a live interjection agent
// in the channel is steered directly; a quiet interjecting channel
// starts the debounce loop. Returns true when the message was steered.
func (p *ProactiveRunner) SteerOrStart(ctx context.Context, room *config.RoomConfig, msg *bus.RoomMessage, send SendFunc) bool {
	if !room.Proactive.InterjectingChannels[room.ArcKey] {
		return false
	}
	chKey := room.ArcKey

	p.mu.Lock()
	if ag := p.agents[chKey]; ag != nil {
		p.mu.Unlock()
		ag.Steer(SteeringContextMessage(msg).Content)
		return true
	}
	if _, busy := p.debounces[chKey]; busy {
		p.mu.Unlock()
		return false
	}
	dctx, cancel := context.WithCancel(ctx)
	p.debounces[chKey] = cancel
	p.mu.Unlock()

	go p.runSession(dctx, room, msg, send, chKey)
	return false
}

// Recheck re-enters the debounce pipeline for a passive that rode a
// finished session's queue: whatever made it interjection-worthy must
// be re-validated against the room as it is now.
func (p *ProactiveRunner) Recheck(ctx context.Context, msg *bus.RoomMessage, send SendFunc) {
	room := p.cfg.RoomConfig(msg.Arc.Server, msg.Arc.Channel)
	p.SteerOrStart(ctx, room, msg, send)
}

// CancelChannel aborts a pending debounce loop for the arc so a freshly
// started command run is not talked over.
func (p *ProactiveRunner) CancelChannel(arcKey string) {
	p.mu.Lock()
	cancel := p.debounces[arcKey]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels every pending debounce loop.
func (p *ProactiveRunner) Stop() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.debounces))
	for _, cancel := range p.debounces {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// runSession is one debounce-evaluate-interject cycle for a channel.
func (p *ProactiveRunner) runSession(ctx context.Context, room *config.RoomConfig, msg *bus.RoomMessage, send SendFunc, chKey string) {
	defer func() {
		p.mu.Lock()
		cancel := p.debounces[chKey]
		delete(p.debounces, chKey)
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	debounce := time.Duration(room.Proactive.DebounceSeconds) * time.Second
	for {
		pollStart := time.Now()
		if !p.sleep(ctx, debounce) {
			return
		}
		if p.queue.HasSessionInArc(room.ArcKey) {
			slog.Debug("proactive debounce yielding to active session", "arc", room.ArcKey)
			return
		}
		n, err := p.history.CountMessagesSince(ctx, msg.Arc.Server, msg.Arc.Channel, pollStart)
		if err != nil {
			slog.Warn("proactive silence poll failed", "arc", room.ArcKey, "error", err)
			return
		}
		if n == 0 {
			break
		}
	}

	// The limiter charges per evaluation, not per interjection, so a
	// chatty channel cannot burn unlimited validator calls.
	if !p.allow(room) {
		slog.Debug("proactive interjection rate limited", "arc", room.ArcKey)
		return
	}

	convo, err := p.history.GetContextForMessage(ctx, msg, room.Proactive.HistorySize)
	if err != nil {
		slog.Warn("proactive context load failed", "arc", room.ArcKey, "error", err)
		return
	}
	if len(convo) == 0 {
		return
	}

	ok, score, reason := p.evaluate(ctx, room, convo)
	if !ok {
		slog.Debug("proactive interjection declined", "arc", room.ArcKey, "score", score, "reason", reason)
		return
	}

	classifier := NewClassifier(p.registry, room.Command.ModeClassifier)
	label := classifier.Classify(ctx, convo)
	if !strings.EqualFold(label, seriousLabel) {
		slog.Warn("proactive interjection abandoned: context did not classify serious",
			"arc", room.ArcKey, "label", label)
		return
	}

	resolver := NewResolver(room.Command, classifier.Classify)
	trigger := resolver.TriggerForLabel(label)
	modeKey, rt, err := resolver.RuntimeForTrigger(trigger)
	if err != nil {
		slog.Warn("proactive mode resolution failed", "arc", room.ArcKey, "error", err)
		return
	}
	if room.Proactive.SeriousModel != "" {
		rt.Model = room.Proactive.SeriousModel
	}

	queued, isRunner, key, _ := p.queue.EnqueuePassive(msg, send, true)
	if queued || !isRunner {
		// A session appeared during evaluation; its runner owns the
		// message now.
		return
	}

	if p.events != nil {
		p.events.Broadcast(bus.Event{Name: bus.EventProactive, Payload: map[string]any{
			"arc":   room.ArcKey,
			"score": score,
			"mode":  modeKey,
			"model": rt.Model,
		}})
	}
	slog.Info("proactive interjection", "arc", room.ArcKey, "score", score, "model", rt.Model)

	req := ExecRequest{
		Msg:      msg,
		Resolved: &ResolvedCommand{
			ModeKey:               modeKey,
			SelectedTrigger:       trigger,
			SelectedLabel:         label,
			SelectedAutomatically: true,
			Runtime:               rt,
		},
		Context:      convo,
		Room:         room,
		Send:         send,
		PumpSteering: true,
		OnAgentReady: func(s *agent.Session) {
			p.mu.Lock()
			p.agents[chKey] = s
			p.mu.Unlock()
		},
	}

	_, err = p.executor.ExecuteProactive(ctx, req)

	p.mu.Lock()
	delete(p.agents, chKey)
	p.mu.Unlock()

	if err != nil {
		slog.Error("proactive interjection failed", "arc", room.ArcKey, "error", err)
		p.queue.AbortSession(key, err)
		return
	}
	if p.drain != nil {
		p.drain(ctx, key)
	}
}

// evaluate runs the validation-model chain over the conversation.
// Every validator must score within one point of the threshold to keep
// the chain alive; the last one must clear it outright. Any call or
// parse failure is a conservative decline.
func (p *ProactiveRunner) evaluate(ctx context.Context, room *config.RoomConfig, convo []providers.Message) (bool, int, string) {
	pc := room.Proactive
	if len(pc.ValidationModels) == 0 || pc.InterjectPrompt == "" {
		return false, 0, "no validation models configured"
	}

	current := nickPrefixRe.ReplaceAllString(convo[len(convo)-1].Content, "")
	system := strings.ReplaceAll(pc.InterjectPrompt, "{message}", strings.TrimSpace(current))
	flat := flattenForValidation(convo)

	score := 0
	for i, model := range pc.ValidationModels {
		resp, err := p.registry.CompleteSimple(ctx, model, system, flat, providers.CallOptions{})
		if err != nil {
			return false, score, fmt.Sprintf("validation call %d failed: %v", i+1, err)
		}
		s, err := parseScore(resp.Content)
		if err != nil {
			return false, score, fmt.Sprintf("validation call %d: %v", i+1, err)
		}
		score = s
		if score < pc.InterjectThreshold-1 {
			return false, score, fmt.Sprintf("score %d below threshold %d", score, pc.InterjectThreshold)
		}
	}
	if score < pc.InterjectThreshold {
		return false, score, fmt.Sprintf("final score %d below threshold %d", score, pc.InterjectThreshold)
	}
	return true, score, ""
}

// allow charges the shared interjection limiter, creating it from the
// first interjecting room's settings.
func (p *ProactiveRunner) allow(room *config.RoomConfig) bool {
	p.mu.Lock()
	if p.limiter == nil {
		p.limiter = ratelimit.NewLimiter(room.Proactive.RateLimit,
			time.Duration(room.Proactive.RatePeriodSeconds)*time.Second)
	}
	lim := p.limiter
	p.mu.Unlock()
	return lim.Allow()
}

// flattenForValidation rewrites the context as all-user turns so the
// validators read a transcript instead of a chat they are part of.
func flattenForValidation(convo []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(convo))
	for _, m := range convo {
		content := m.Content
		if m.Role == "assistant" {
			content = "[assistant] " + content
		}
		out = append(out, providers.Message{Role: "user", Content: content})
	}
	return out
}

func parseScore(text string) (int, error) {
	m := scoreRe.FindStringSubmatch(text)
	if m == nil {
		snippet := text
		if len(snippet) > 80 {
			snippet = snippet[:80]
		}
		return 0, fmt.Errorf("no <score>/10 in validator response %q", snippet)
	}
	return strconv.Atoi(m[1])
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
