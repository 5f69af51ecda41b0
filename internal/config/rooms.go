package config

import (
	"fmt"
	"strings"
)

// Resolved per-room defaults.
const (
	defaultHelpToken         = "!h"
	defaultNoContextToken    = "!c"
	defaultHistorySize       = 40
	defaultUserRateLimit     = 10
	defaultUserRatePeriod    = 60
	defaultProactiveDebounce = 15
	defaultProactiveHistory  = 20
	defaultProactiveLimit    = 10
	defaultProactivePeriod   = 3600
	defaultInterjectLevel    = 7
)

// RoomConfig is the resolved per-room view handed to the rooms core.
// The core never reads raw config maps.
type RoomConfig struct {
	ArcKey                string
	Command               CommandConfig
	Proactive             ProactiveConfig
	PromptVars            map[string]string
	IgnoreUsers           []string
	DebounceMs            int
	UserRateLimit         int
	UserRatePeriodSeconds int
}

// CommandConfig drives the resolver: triggers, modes, classifier.
type CommandConfig struct {
	HistorySize    int
	DefaultMode    string
	ChannelModes   map[string]string
	Modes          map[string]ModeConfig
	ModeClassifier ClassifierConfig
	HelpToken      string
	FlagTokens     map[string]string
}

// MaxHistorySize is the largest history window any mode asks for, so a
// single context snapshot serves resolution and prompting alike.
func (cc CommandConfig) MaxHistorySize() int {
	max := cc.HistorySize
	for _, m := range cc.Modes {
		if m.HistorySize > max {
			max = m.HistorySize
		}
	}
	return max
}

// ProactiveConfig gates bot-initiated interjections.
type ProactiveConfig struct {
	InterjectingChannels map[string]bool
	DebounceSeconds      int
	HistorySize          int
	RateLimit            int
	RatePeriodSeconds    int
	InterjectThreshold   int
	ValidationModels     []string
	SeriousModel         string
	InterjectPrompt      string
	SeriousExtraPrompt   string
}

// IgnoresUser reports whether nick is on the room's ignore list
// (case-insensitive).
func (rc *RoomConfig) IgnoresUser(nick string) bool {
	for _, u := range rc.IgnoreUsers {
		if strings.EqualFold(u, nick) {
			return true
		}
	}
	return false
}

// RoomConfig resolves the per-room deep merge for a conversation:
// rooms.default, then the platform section (derived from the server
// tag), then an exact serverTag section. ignoreUsers concatenate,
// promptVars text-concatenate per key, scalars replace.
func (c *Config) RoomConfig(serverTag, channel string) *RoomConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	merged := RoomSection{}
	mergeRoomSection(&merged, c.Rooms["default"])
	platform := platformOf(serverTag)
	if platform != serverTag {
		mergeRoomSection(&merged, c.Rooms[platform])
	}
	mergeRoomSection(&merged, c.Rooms[serverTag])

	rc := &RoomConfig{
		ArcKey:                serverTag + "#" + strings.TrimPrefix(channel, "#"),
		PromptVars:            merged.PromptVars,
		IgnoreUsers:           merged.IgnoreUsers,
		DebounceMs:            merged.DebounceMs,
		UserRateLimit:         merged.UserRateLimit,
		UserRatePeriodSeconds: merged.UserRatePeriodSeconds,
	}
	if rc.UserRateLimit == 0 {
		rc.UserRateLimit = defaultUserRateLimit
	}
	if rc.UserRatePeriodSeconds == 0 {
		rc.UserRatePeriodSeconds = defaultUserRatePeriod
	}

	cmd := merged.Command
	if cmd == nil {
		cmd = &CommandSection{}
	}
	rc.Command = CommandConfig{
		HistorySize:  cmd.HistorySize,
		DefaultMode:  cmd.DefaultMode,
		ChannelModes: cmd.ChannelModes,
		Modes:        cmd.Modes,
		HelpToken:    cmd.HelpToken,
		FlagTokens:   cmd.FlagTokens,
	}
	if cmd.ModeClassifier != nil {
		rc.Command.ModeClassifier = *cmd.ModeClassifier
	}
	if rc.Command.HistorySize == 0 {
		rc.Command.HistorySize = defaultHistorySize
	}
	if rc.Command.HelpToken == "" {
		rc.Command.HelpToken = defaultHelpToken
	}
	if rc.Command.FlagTokens == nil {
		rc.Command.FlagTokens = map[string]string{defaultNoContextToken: "no-context"}
	}

	pro := merged.Proactive
	if pro == nil {
		pro = &ProactiveSection{}
	}
	rc.Proactive = ProactiveConfig{
		InterjectingChannels: make(map[string]bool, len(pro.InterjectingChannels)),
		DebounceSeconds:      pro.DebounceSeconds,
		HistorySize:          pro.HistorySize,
		RateLimit:            pro.RateLimit,
		RatePeriodSeconds:    pro.RatePeriodSeconds,
		InterjectThreshold:   pro.InterjectThreshold,
		ValidationModels:     pro.ValidationModels,
		SeriousModel:         pro.SeriousModel,
		InterjectPrompt:      pro.InterjectPrompt,
		SeriousExtraPrompt:   pro.SeriousExtraPrompt,
	}
	for _, ch := range pro.InterjectingChannels {
		rc.Proactive.InterjectingChannels[ch] = true
	}
	if rc.Proactive.DebounceSeconds == 0 {
		rc.Proactive.DebounceSeconds = defaultProactiveDebounce
	}
	if rc.Proactive.HistorySize == 0 {
		rc.Proactive.HistorySize = defaultProactiveHistory
	}
	if rc.Proactive.RateLimit == 0 {
		rc.Proactive.RateLimit = defaultProactiveLimit
	}
	if rc.Proactive.RatePeriodSeconds == 0 {
		rc.Proactive.RatePeriodSeconds = defaultProactivePeriod
	}
	if rc.Proactive.InterjectThreshold == 0 {
		rc.Proactive.InterjectThreshold = defaultInterjectLevel
	}

	return rc
}

// platformOf maps a server tag to its room-section platform key.
// Discord/Slack/Telegram tags carry a platform prefix; bare tags are
// IRC network names.
func platformOf(serverTag string) string {
	for _, p := range []string{"discord", "slack", "telegram"} {
		if strings.HasPrefix(serverTag, p+":") || serverTag == p {
			return p
		}
	}
	return "irc"
}

// mergeRoomSection overlays over onto dst in place: scalars replace
// when set, ignoreUsers concatenate, promptVars concatenate text per
// key, maps union key-wise with mode configs field-merged.
func mergeRoomSection(dst *RoomSection, over RoomSection) {
	if over.Command != nil {
		if dst.Command == nil {
			dst.Command = &CommandSection{}
		}
		mergeCommandSection(dst.Command, over.Command)
	}
	if over.Proactive != nil {
		if dst.Proactive == nil {
			dst.Proactive = &ProactiveSection{}
		}
		mergeProactiveSection(dst.Proactive, over.Proactive)
	}
	if len(over.PromptVars) > 0 {
		if dst.PromptVars == nil {
			dst.PromptVars = make(map[string]string, len(over.PromptVars))
		}
		for k, v := range over.PromptVars {
			dst.PromptVars[k] += v
		}
	}
	if len(over.IgnoreUsers) > 0 {
		dst.IgnoreUsers = append(dst.IgnoreUsers, over.IgnoreUsers...)
	}
	if over.DebounceMs != 0 {
		dst.DebounceMs = over.DebounceMs
	}
	if over.UserRateLimit != 0 {
		dst.UserRateLimit = over.UserRateLimit
	}
	if over.UserRatePeriodSeconds != 0 {
		dst.UserRatePeriodSeconds = over.UserRatePeriodSeconds
	}
}

func mergeCommandSection(dst, over *CommandSection) {
	if over.HistorySize != 0 {
		dst.HistorySize = over.HistorySize
	}
	if over.DefaultMode != "" {
		dst.DefaultMode = over.DefaultMode
	}
	if over.HelpToken != "" {
		dst.HelpToken = over.HelpToken
	}
	if len(over.ChannelModes) > 0 {
		if dst.ChannelModes == nil {
			dst.ChannelModes = make(map[string]string, len(over.ChannelModes))
		}
		for k, v := range over.ChannelModes {
			dst.ChannelModes[k] = v
		}
	}
	if len(over.FlagTokens) > 0 {
		if dst.FlagTokens == nil {
			dst.FlagTokens = make(map[string]string, len(over.FlagTokens))
		}
		for k, v := range over.FlagTokens {
			dst.FlagTokens[k] = v
		}
	}
	if len(over.Modes) > 0 {
		if dst.Modes == nil {
			dst.Modes = make(map[string]ModeConfig, len(over.Modes))
		}
		for k, v := range over.Modes {
			dst.Modes[k] = mergeModeConfig(dst.Modes[k], v)
		}
	}
	if over.ModeClassifier != nil {
		if dst.ModeClassifier == nil {
			dst.ModeClassifier = &ClassifierConfig{}
		}
		mc := over.ModeClassifier
		if mc.Model != "" {
			dst.ModeClassifier.Model = mc.Model
		}
		if len(mc.Labels) > 0 {
			dst.ModeClassifier.Labels = mc.Labels
		}
		if mc.FallbackLabel != "" {
			dst.ModeClassifier.FallbackLabel = mc.FallbackLabel
		}
		if mc.Prompt != "" {
			dst.ModeClassifier.Prompt = mc.Prompt
		}
	}
}

func mergeModeConfig(base, over ModeConfig) ModeConfig {
	if len(over.Model) > 0 {
		base.Model = over.Model
	}
	if over.Prompt != "" {
		base.Prompt = over.Prompt
	}
	if over.MetaReminder != "" {
		base.MetaReminder = over.MetaReminder
	}
	if len(over.Triggers) > 0 {
		base.Triggers = over.Triggers
	}
	if len(over.TriggerOverrides) > 0 {
		if base.TriggerOverrides == nil {
			base.TriggerOverrides = make(map[string]TriggerOverride, len(over.TriggerOverrides))
		}
		for k, v := range over.TriggerOverrides {
			base.TriggerOverrides[k] = v
		}
	}
	if over.ReasoningEffort != "" {
		base.ReasoningEffort = over.ReasoningEffort
	}
	if over.Steering != nil {
		base.Steering = over.Steering
	}
	if over.AutoReduceContext {
		base.AutoReduceContext = true
	}
	if len(over.Tools) > 0 {
		base.Tools = over.Tools
	}
	if over.HistorySize != 0 {
		base.HistorySize = over.HistorySize
	}
	if over.RefusalFallbackModel != "" {
		base.RefusalFallbackModel = over.RefusalFallbackModel
	}
	if over.MaxTokens != 0 {
		base.MaxTokens = over.MaxTokens
	}
	if over.Temperature != 0 {
		base.Temperature = over.Temperature
	}
	return base
}

func mergeProactiveSection(dst, over *ProactiveSection) {
	if len(over.InterjectingChannels) > 0 {
		dst.InterjectingChannels = append(dst.InterjectingChannels, over.InterjectingChannels...)
	}
	if over.DebounceSeconds != 0 {
		dst.DebounceSeconds = over.DebounceSeconds
	}
	if over.HistorySize != 0 {
		dst.HistorySize = over.HistorySize
	}
	if over.RateLimit != 0 {
		dst.RateLimit = over.RateLimit
	}
	if over.RatePeriodSeconds != 0 {
		dst.RatePeriodSeconds = over.RatePeriodSeconds
	}
	if over.InterjectThreshold != 0 {
		dst.InterjectThreshold = over.InterjectThreshold
	}
	if len(over.ValidationModels) > 0 {
		dst.ValidationModels = over.ValidationModels
	}
	if over.SeriousModel != "" {
		dst.SeriousModel = over.SeriousModel
	}
	if over.InterjectPrompt != "" {
		dst.InterjectPrompt = over.InterjectPrompt
	}
	if over.SeriousExtraPrompt != "" {
		dst.SeriousExtraPrompt = over.SeriousExtraPrompt
	}
}

// Validate fails fast on room sections the resolver cannot act on:
// classifier labels must map to declared triggers, each trigger must
// belong to exactly one mode, and defaultMode must name a real mode.
// Each room is checked in its merged form (default overlaid).
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name := range c.Rooms {
		merged := RoomSection{}
		mergeRoomSection(&merged, c.Rooms["default"])
		if name != "default" {
			mergeRoomSection(&merged, c.Rooms[name])
		}
		if merged.Command == nil {
			continue
		}
		cmd := merged.Command

		triggerOwner := map[string]string{}
		for modeKey, mode := range cmd.Modes {
			for _, trig := range mode.Triggers {
				if owner, dup := triggerOwner[trig]; dup && owner != modeKey {
					return fmt.Errorf("rooms.%s: trigger %q declared by both %q and %q; give each trigger one owner", name, trig, owner, modeKey)
				}
				triggerOwner[trig] = modeKey
			}
		}
		for modeKey, mode := range cmd.Modes {
			for trig := range mode.TriggerOverrides {
				if owner := triggerOwner[trig]; owner != modeKey {
					return fmt.Errorf("rooms.%s: mode %q overrides trigger %q it does not declare", name, modeKey, trig)
				}
			}
		}

		if mc := cmd.ModeClassifier; mc != nil {
			for _, l := range mc.Labels {
				if _, ok := triggerOwner[l.Trigger]; !ok {
					return fmt.Errorf("rooms.%s: classifier label %q maps to unknown trigger %q; declare it under a mode's triggers", name, l.Label, l.Trigger)
				}
			}
			if mc.FallbackLabel != "" {
				if _, ok := mc.TriggerFor(mc.FallbackLabel); !ok {
					return fmt.Errorf("rooms.%s: classifier fallbackLabel %q is not in labels", name, mc.FallbackLabel)
				}
			}
		}

		if dm := cmd.DefaultMode; dm != "" {
			switch {
			case strings.HasPrefix(dm, "trigger:"):
				if _, ok := triggerOwner[strings.TrimPrefix(dm, "trigger:")]; !ok {
					return fmt.Errorf("rooms.%s: defaultMode %q names an unknown trigger", name, dm)
				}
			case strings.HasPrefix(dm, "classifier:"):
				if _, ok := cmd.Modes[strings.TrimPrefix(dm, "classifier:")]; !ok {
					return fmt.Errorf("rooms.%s: defaultMode %q names an unknown mode", name, dm)
				}
			default:
				return fmt.Errorf("rooms.%s: defaultMode %q must be trigger:<tok> or classifier:<modeKey>", name, dm)
			}
		}
	}
	return nil
}
