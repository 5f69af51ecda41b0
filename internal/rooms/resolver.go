// Package rooms is the session/steering core: it decides, per inbound
// room message, whether to start an agent run, steer a running one,
// queue behind it, interject proactively, or just observe.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
)

const flagNoContext = "no-context"

// ClassifyFunc labels a conversation context. It never fails: errors
// collapse to the configured fallback label inside the classifier.
type ClassifyFunc func(ctx context.Context, convo []providers.Message) string

// Parsed is the raw outcome of scanning a message's command prefix.
type Parsed struct {
	NoContext     bool
	ModeToken     string
	ModelOverride string
	QueryText     string
	Err           string
}

// Runtime is the materialized agent configuration for one trigger:
// mode settings with the trigger's own overrides applied.
type Runtime struct {
	Models               []string
	Model                string
	Prompt               string
	MetaReminder         string
	ReasoningEffort      string
	Steering             bool
	AutoReduceContext    bool
	Tools                []string
	HistorySize          int
	RefusalFallbackModel string
	MaxTokens            int
	Temperature          float64
}

// ResolvedCommand is the resolver's verdict on one inbound message.
type ResolvedCommand struct {
	ModeKey               string
	SelectedTrigger       string
	SelectedLabel         string
	SelectedAutomatically bool
	// ChannelPolicy records which channel-level default drove an
	// automatic selection, for logging only.
	ChannelPolicy string
	Runtime       *Runtime
	QueryText     string
	NoContext     bool
	ModelOverride string
	HelpRequested bool
	Err           string
}

// Resolver turns message text plus room policy into a runnable mode.
type Resolver struct {
	cc       config.CommandConfig
	classify ClassifyFunc

	triggerToMode map[string]string
}

// NewResolver builds a resolver for a resolved room command config.
// The config is assumed validated (config.Validate runs at load).
func NewResolver(cc config.CommandConfig, classify ClassifyFunc) *Resolver {
	r := &Resolver{
		cc:            cc,
		classify:      classify,
		triggerToMode: make(map[string]string),
	}
	for modeKey, mode := range cc.Modes {
		for _, trig := range mode.Triggers {
			r.triggerToMode[trig] = modeKey
		}
	}
	return r
}

// StripAddressPrefix removes a leading "mynick:" or "mynick," address
// from text so addressed and bare commands parse the same way.
func StripAddressPrefix(text, mynick string) string {
	t := strings.TrimSpace(text)
	if mynick == "" {
		return t
	}
	lower := strings.ToLower(t)
	nick := strings.ToLower(mynick)
	for _, sep := range []string{":", ","} {
		if strings.HasPrefix(lower, nick+sep) {
			return strings.TrimSpace(t[len(nick)+len(sep):])
		}
	}
	return t
}

// ParsePrefix scans leading command tokens: flags, one mode trigger (or
// the help token), and an @model override, in any order. The first
// token that is none of those ends the prefix; everything from there on
// is the query. A second mode token or an unknown !command is an error.
func (r *Resolver) ParsePrefix(text string) Parsed {
	text = strings.TrimSpace(text)
	fields := strings.Fields(text)

	var p Parsed
	consumed := 0
scan:
	for _, tok := range fields {
		switch {
		case r.cc.FlagTokens[tok] != "":
			if r.cc.FlagTokens[tok] == flagNoContext {
				p.NoContext = true
			}
			consumed++
		case tok == r.cc.HelpToken || r.triggerToMode[tok] != "":
			if p.ModeToken != "" {
				p.Err = "Only one mode command allowed."
				return p
			}
			p.ModeToken = tok
			consumed++
		case len(tok) > 1 && strings.HasPrefix(tok, "@"):
			if p.ModelOverride == "" {
				p.ModelOverride = tok[1:]
			}
			consumed++
		case strings.HasPrefix(tok, "!"):
			p.Err = fmt.Sprintf("Unknown command '%s'. Use %s for help.", tok, r.cc.HelpToken)
			return p
		default:
			break scan
		}
	}

	if consumed > 0 {
		p.QueryText = strings.Join(fields[consumed:], " ")
	} else {
		p.QueryText = text
	}
	return p
}

// Resolve picks the mode for a message: explicit trigger first, then
// the channel's pinned trigger, then the room default (a forced
// trigger or a classifier constrained to one mode). convo is the
// context snapshot; the classifier sees at most defaultSize entries.
func (r *Resolver) Resolve(ctx context.Context, msg *bus.RoomMessage, convo []providers.Message, defaultSize int) *ResolvedCommand {
	p := r.ParsePrefix(StripAddressPrefix(msg.Content, msg.MyNick))
	res := &ResolvedCommand{
		QueryText:     p.QueryText,
		NoContext:     p.NoContext,
		ModelOverride: p.ModelOverride,
	}
	if p.Err != "" {
		res.Err = p.Err
		return res
	}
	if p.ModeToken == r.cc.HelpToken {
		res.HelpRequested = true
		return res
	}
	if p.ModeToken != "" {
		return r.finish(res, p.ModeToken, p.ModeToken, false)
	}

	res.SelectedAutomatically = true
	if trig, ok := r.cc.ChannelModes[msg.Arc.Key()]; ok {
		res.ChannelPolicy = trig
		return r.finish(res, trig, trig, true)
	}

	if tok, ok := strings.CutPrefix(r.cc.DefaultMode, "trigger:"); ok {
		res.ChannelPolicy = r.cc.DefaultMode
		return r.finish(res, tok, tok, true)
	}
	if modeKey, ok := strings.CutPrefix(r.cc.DefaultMode, "classifier:"); ok {
		res.ChannelPolicy = r.cc.DefaultMode
		bounded := convo
		if defaultSize > 0 && len(bounded) > defaultSize {
			bounded = bounded[len(bounded)-defaultSize:]
		}
		label := r.classify(ctx, bounded)
		trig := r.TriggerForLabel(label)
		if r.triggerToMode[trig] != modeKey {
			clamped := r.cc.Modes[modeKey].DefaultTrigger()
			slog.Debug("classifier result clamped to constrained mode",
				"label", label, "trigger", trig, "mode", modeKey, "clamped", clamped)
			trig = clamped
		}
		return r.finish(res, trig, label, true)
	}

	res.Err = fmt.Sprintf("no mode selected: defaultMode %q is not trigger:<tok> or classifier:<mode>", r.cc.DefaultMode)
	return res
}

func (r *Resolver) finish(res *ResolvedCommand, trigger, label string, auto bool) *ResolvedCommand {
	modeKey, rt, err := r.RuntimeForTrigger(trigger)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.ModeKey = modeKey
	res.SelectedTrigger = trigger
	res.SelectedLabel = label
	res.SelectedAutomatically = auto
	res.Runtime = rt
	return res
}

// RuntimeForTrigger materializes the runtime for one trigger token:
// trigger override wins over mode setting wins over defaults
// (reasoning "minimal", steering on, room history size).
func (r *Resolver) RuntimeForTrigger(trigger string) (string, *Runtime, error) {
	modeKey, ok := r.triggerToMode[trigger]
	if !ok {
		return "", nil, fmt.Errorf("trigger %q is not declared by any mode", trigger)
	}
	mode := r.cc.Modes[modeKey]
	over := mode.TriggerOverrides[trigger]

	rt := &Runtime{
		Models:               mode.Model,
		Prompt:               mode.Prompt,
		MetaReminder:         mode.MetaReminder,
		ReasoningEffort:      mode.ReasoningEffort,
		Steering:             mode.SteeringEnabled(),
		AutoReduceContext:    mode.AutoReduceContext,
		Tools:                mode.Tools,
		HistorySize:          mode.HistorySize,
		RefusalFallbackModel: mode.RefusalFallbackModel,
		MaxTokens:            mode.MaxTokens,
		Temperature:          mode.Temperature,
	}
	if len(over.Model) > 0 {
		rt.Models = over.Model
	}
	if over.ReasoningEffort != "" {
		rt.ReasoningEffort = over.ReasoningEffort
	}
	if over.Steering != nil {
		rt.Steering = *over.Steering
	}
	if len(over.Tools) > 0 {
		rt.Tools = over.Tools
	}
	if rt.ReasoningEffort == "" {
		rt.ReasoningEffort = "minimal"
	}
	if rt.HistorySize == 0 {
		rt.HistorySize = r.cc.HistorySize
	}
	if len(rt.Models) > 0 {
		rt.Model = rt.Models[0]
	}
	return modeKey, rt, nil
}

// TriggerForLabel maps a classifier label to its trigger, falling back
// to the fallback label's trigger for anything unknown.
func (r *Resolver) TriggerForLabel(label string) string {
	if trig, ok := r.cc.ModeClassifier.TriggerFor(label); ok {
		return trig
	}
	fallback := r.cc.ModeClassifier.Fallback()
	slog.Warn("unknown classifier label, using fallback", "label", label, "fallback", fallback)
	trig, _ := r.cc.ModeClassifier.TriggerFor(fallback)
	return trig
}

// ShouldBypassSteering reports whether a message must run immediately
// instead of entering the steering queue: parse errors, help, the
// no-context flag, and modes that opt out of steering.
func (r *Resolver) ShouldBypassSteering(msg *bus.RoomMessage) bool {
	p := r.ParsePrefix(StripAddressPrefix(msg.Content, msg.MyNick))
	if p.Err != "" || p.NoContext {
		return true
	}
	if p.ModeToken == r.cc.HelpToken {
		return true
	}
	if p.ModeToken != "" {
		_, rt, err := r.RuntimeForTrigger(p.ModeToken)
		return err == nil && !rt.Steering
	}
	if trig, ok := r.cc.ChannelModes[msg.Arc.Key()]; ok {
		if _, rt, err := r.RuntimeForTrigger(trig); err == nil {
			return !rt.Steering
		}
	}
	if tok, ok := strings.CutPrefix(r.cc.DefaultMode, "trigger:"); ok {
		if _, rt, err := r.RuntimeForTrigger(tok); err == nil {
			return !rt.Steering
		}
	}
	return false
}

// BuildHelpMessage renders the one-line mode summary for a channel.
func (r *Resolver) BuildHelpMessage(arcKey string) string {
	defaultDesc := fmt.Sprintf("defaultMode %q", r.cc.DefaultMode)
	switch {
	case r.cc.ChannelModes[arcKey] != "":
		trig := r.cc.ChannelModes[arcKey]
		defaultDesc = fmt.Sprintf("forced trigger %s (%s)", trig, r.triggerToMode[trig])
	case strings.HasPrefix(r.cc.DefaultMode, "trigger:"):
		trig := strings.TrimPrefix(r.cc.DefaultMode, "trigger:")
		defaultDesc = fmt.Sprintf("forced trigger %s (%s)", trig, r.triggerToMode[trig])
	case strings.HasPrefix(r.cc.DefaultMode, "classifier:"):
		defaultDesc = fmt.Sprintf("automatic mode constrained to %s", strings.TrimPrefix(r.cc.DefaultMode, "classifier:"))
	}

	modeKeys := make([]string, 0, len(r.cc.Modes))
	for k := range r.cc.Modes {
		modeKeys = append(modeKeys, k)
	}
	sort.Strings(modeKeys)

	parts := make([]string, 0, len(modeKeys))
	for _, k := range modeKeys {
		mode := r.cc.Modes[k]
		if len(mode.Triggers) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = %s (%s)",
			strings.Join(mode.Triggers, "/"), k, modelShortName(mode.PrimaryModel())))
	}

	return fmt.Sprintf("default is %s; modes: %s; use @provider:model to override model; %s disables context",
		defaultDesc, strings.Join(parts, ", "), r.noContextToken())
}

func (r *Resolver) noContextToken() string {
	toks := make([]string, 0, 1)
	for tok, flag := range r.cc.FlagTokens {
		if flag == flagNoContext {
			toks = append(toks, tok)
		}
	}
	sort.Strings(toks)
	if len(toks) == 0 {
		return "!c"
	}
	return toks[0]
}

var modelCoreRe = regexp.MustCompile(`(?:[-\w]*:)?(?:[-\w]*/)?([-\w]+)(?:#[-\w,]*)?`)

// modelShortName reduces "provider:namespace/model#routing" to "model".
func modelShortName(spec string) string {
	return modelCoreRe.ReplaceAllString(spec, "$1")
}
