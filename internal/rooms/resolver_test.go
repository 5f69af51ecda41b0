package rooms

import (
	"context"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
)

// fixtureCommandConfig is the two-mode setup most resolver tests run
// against: serious (!s, !a at medium effort) and sarcastic (!d), with
// an automatic default constrained to sarcastic.
func fixtureCommandConfig() config.CommandConfig {
	return config.CommandConfig{
		HistorySize: 40,
		DefaultMode: "classifier:sarcastic",
		Modes: map[string]config.ModeConfig{
			"serious": {
				Model:    config.ModelList{"anthropic:claude-sonnet-4"},
				Prompt:   "You are {mynick}, a helpful assistant.",
				Triggers: []string{"!s", "!a"},
				TriggerOverrides: map[string]config.TriggerOverride{
					"!a": {ReasoningEffort: "medium"},
				},
			},
			"sarcastic": {
				Model:    config.ModelList{"openrouter:deepseek/deepseek-chat"},
				Prompt:   "You are {mynick}, a dry wit.",
				Triggers: []string{"!d"},
			},
		},
		ModeClassifier: config.ClassifierConfig{
			Model: "anthropic:claude-haiku-3-5",
			Labels: []config.LabelSpec{
				{Label: "SERIOUS", Trigger: "!s"},
				{Label: "SARCASTIC", Trigger: "!d"},
			},
			FallbackLabel: "SARCASTIC",
			Prompt:        "Classify the conversation. Current message: {message}",
		},
		HelpToken:  "!h",
		FlagTokens: map[string]string{"!c": "no-context"},
	}
}

func fixedClassify(label string) ClassifyFunc {
	return func(context.Context, []providers.Message) string { return label }
}

func TestResolveExplicitTriggerWithOverride(t *testing.T) {
	r := NewResolver(fixtureCommandConfig(), fixedClassify("SARCASTIC"))
	msg := queueMsg("dale", "!a use deep reasoning")

	res := r.Resolve(context.Background(), msg, nil, 10)
	if res.Err != "" {
		t.Fatalf("Resolve error: %s", res.Err)
	}
	if res.ModeKey != "serious" {
		t.Errorf("ModeKey = %q, want serious", res.ModeKey)
	}
	if res.SelectedTrigger != "!a" {
		t.Errorf("SelectedTrigger = %q, want !a", res.SelectedTrigger)
	}
	if res.SelectedAutomatically {
		t.Error("explicit trigger marked as automatic selection")
	}
	if res.Runtime.ReasoningEffort != "medium" {
		t.Errorf("ReasoningEffort = %q, want medium from trigger override", res.Runtime.ReasoningEffort)
	}
	if res.Runtime.Model != "anthropic:claude-sonnet-4" {
		t.Errorf("Model = %q, want the mode's first candidate", res.Runtime.Model)
	}
	if res.QueryText != "use deep reasoning" {
		t.Errorf("QueryText = %q, want the text after the trigger", res.QueryText)
	}
}

func TestParsePrefix(t *testing.T) {
	r := NewResolver(fixtureCommandConfig(), fixedClassify("SARCASTIC"))

	tests := []struct {
		name string
		text string
		want Parsed
	}{
		{
			name: "bare trigger with query",
			text: "!s what is a monad",
			want: Parsed{ModeToken: "!s", QueryText: "what is a monad"},
		},
		{
			name: "flag token mid-query is plain text",
			text: "!s what does !c mean in bash?",
			want: Parsed{ModeToken: "!s", QueryText: "what does !c mean in bash?"},
		},
		{
			name: "prefix tokens combine in any order",
			text: "!c @anthropic:claude-opus-4 !a my query here",
			want: Parsed{NoContext: true, ModeToken: "!a", ModelOverride: "anthropic:claude-opus-4", QueryText: "my query here"},
		},
		{
			name: "model override after trigger",
			text: "!s @openrouter:gpt-4o compare these",
			want: Parsed{ModeToken: "!s", ModelOverride: "openrouter:gpt-4o", QueryText: "compare these"},
		},
		{
			name: "first model override wins",
			text: "@a:one @b:two pick",
			want: Parsed{ModelOverride: "a:one", QueryText: "pick"},
		},
		{
			name: "two mode tokens",
			text: "!s !d hello",
			want: Parsed{ModeToken: "!s", Err: "Only one mode command allowed."},
		},
		{
			name: "unknown bang command",
			text: "!x hello",
			want: Parsed{Err: "Unknown command '!x'. Use !h for help."},
		},
		{
			name: "help token",
			text: "!h",
			want: Parsed{ModeToken: "!h"},
		},
		{
			name: "no prefix at all",
			text: "just talking here",
			want: Parsed{QueryText: "just talking here"},
		},
		{
			name: "flag only",
			text: "!c remind me what we discussed",
			want: Parsed{NoContext: true, QueryText: "remind me what we discussed"},
		},
		{
			name: "whitespace is normalized",
			text: "  !s   spaced   out  ",
			want: Parsed{ModeToken: "!s", QueryText: "spaced out"},
		},
		{
			name: "trigger with empty query",
			text: "!s",
			want: Parsed{ModeToken: "!s"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ParsePrefix(tt.text)
			if got != tt.want {
				t.Errorf("ParsePrefix(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestStripAddressPrefix(t *testing.T) {
	tests := []struct {
		text, mynick, want string
	}{
		{"parley: !s hi", "parley", "!s hi"},
		{"Parley, hello there", "parley", "hello there"},
		{"PARLEY: shouty", "parley", "shouty"},
		{"parley !s hi", "parley", "parley !s hi"},
		{"someone: hi", "parley", "someone: hi"},
		{"  parley:   padded  ", "parley", "padded"},
		{"parley:", "parley", ""},
		{"no nick set", "", "no nick set"},
	}
	for _, tt := range tests {
		if got := StripAddressPrefix(tt.text, tt.mynick); got != tt.want {
			t.Errorf("StripAddressPrefix(%q, %q) = %q, want %q", tt.text, tt.mynick, got, tt.want)
		}
	}
}

func TestResolveChannelPinnedTrigger(t *testing.T) {
	cc := fixtureCommandConfig()
	cc.ChannelModes = map[string]string{"libera#lab": "!d"}
	classifierRan := false
	r := NewResolver(cc, func(context.Context, []providers.Message) string {
		classifierRan = true
		return "SERIOUS"
	})

	res := r.Resolve(context.Background(), queueMsg("dale", "so what do you think"), nil, 10)
	if res.Err != "" {
		t.Fatalf("Resolve error: %s", res.Err)
	}
	if classifierRan {
		t.Error("classifier ran despite a channel-pinned trigger")
	}
	if res.ModeKey != "sarcastic" || res.SelectedTrigger != "!d" {
		t.Errorf("resolved %s/%s, want sarcastic/!d", res.ModeKey, res.SelectedTrigger)
	}
	if !res.SelectedAutomatically {
		t.Error("channel-pinned selection should be automatic")
	}
	if res.ChannelPolicy != "!d" {
		t.Errorf("ChannelPolicy = %q, want !d", res.ChannelPolicy)
	}
}

func TestResolveTriggerDefault(t *testing.T) {
	cc := fixtureCommandConfig()
	cc.DefaultMode = "trigger:!s"
	r := NewResolver(cc, fixedClassify("SARCASTIC"))

	res := r.Resolve(context.Background(), queueMsg("dale", "plain question"), nil, 10)
	if res.ModeKey != "serious" || res.SelectedTrigger != "!s" || !res.SelectedAutomatically {
		t.Errorf("resolved %s/%s auto=%v, want serious/!s auto=true",
			res.ModeKey, res.SelectedTrigger, res.SelectedAutomatically)
	}
}

func TestResolveClassifierDefault(t *testing.T) {
	t.Run("label in the constrained mode", func(t *testing.T) {
		r := NewResolver(fixtureCommandConfig(), fixedClassify("SARCASTIC"))
		res := r.Resolve(context.Background(), queueMsg("dale", "nice weather"), nil, 10)
		if res.ModeKey != "sarcastic" || res.SelectedTrigger != "!d" {
			t.Errorf("resolved %s/%s, want sarcastic/!d", res.ModeKey, res.SelectedTrigger)
		}
		if res.SelectedLabel != "SARCASTIC" {
			t.Errorf("SelectedLabel = %q, want SARCASTIC", res.SelectedLabel)
		}
		if !res.SelectedAutomatically {
			t.Error("classifier selection should be automatic")
		}
	})

	t.Run("label outside the constrained mode is clamped", func(t *testing.T) {
		r := NewResolver(fixtureCommandConfig(), fixedClassify("SERIOUS"))
		res := r.Resolve(context.Background(), queueMsg("dale", "please help"), nil, 10)
		if res.ModeKey != "sarcastic" || res.SelectedTrigger != "!d" {
			t.Errorf("resolved %s/%s, want the constrained mode's own trigger", res.ModeKey, res.SelectedTrigger)
		}
		if res.SelectedLabel != "SERIOUS" {
			t.Errorf("SelectedLabel = %q, want the classifier verdict preserved", res.SelectedLabel)
		}
	})

	t.Run("unknown label falls back", func(t *testing.T) {
		r := NewResolver(fixtureCommandConfig(), fixedClassify("GIBBERISH"))
		res := r.Resolve(context.Background(), queueMsg("dale", "hm"), nil, 10)
		if res.ModeKey != "sarcastic" || res.SelectedTrigger != "!d" {
			t.Errorf("resolved %s/%s, want the fallback label's mode", res.ModeKey, res.SelectedTrigger)
		}
	})

	t.Run("classifier sees a bounded window", func(t *testing.T) {
		var seen int
		r := NewResolver(fixtureCommandConfig(), func(_ context.Context, convo []providers.Message) string {
			seen = len(convo)
			return "SARCASTIC"
		})
		convo := []providers.Message{
			{Role: "user", Content: "<a> 1"},
			{Role: "user", Content: "<b> 2"},
			{Role: "user", Content: "<c> 3"},
			{Role: "user", Content: "<d> 4"},
			{Role: "user", Content: "<e> 5"},
		}
		r.Resolve(context.Background(), queueMsg("dale", "hm"), convo, 2)
		if seen != 2 {
			t.Errorf("classifier saw %d entries, want 2", seen)
		}
	})

	t.Run("malformed default mode errors", func(t *testing.T) {
		cc := fixtureCommandConfig()
		cc.DefaultMode = "bogus"
		r := NewResolver(cc, fixedClassify("SARCASTIC"))
		res := r.Resolve(context.Background(), queueMsg("dale", "hm"), nil, 10)
		if res.Err == "" || !strings.Contains(res.Err, "defaultMode") {
			t.Errorf("Err = %q, want a defaultMode complaint", res.Err)
		}
	})
}

func TestResolveHelpAndErrors(t *testing.T) {
	r := NewResolver(fixtureCommandConfig(), fixedClassify("SARCASTIC"))

	res := r.Resolve(context.Background(), queueMsg("dale", "!h"), nil, 10)
	if !res.HelpRequested {
		t.Error("!h did not request help")
	}

	res = r.Resolve(context.Background(), queueMsg("dale", "!x whatever"), nil, 10)
	if res.Err != "Unknown command '!x'. Use !h for help." {
		t.Errorf("Err = %q", res.Err)
	}
	if res.Runtime != nil {
		t.Error("parse error still produced a runtime")
	}

	// Addressed forms parse identically.
	res = r.Resolve(context.Background(), queueMsg("dale", "parley: !s hi"), nil, 10)
	if res.SelectedTrigger != "!s" {
		t.Errorf("addressed trigger = %q, want !s", res.SelectedTrigger)
	}
}

func TestRuntimeForTrigger(t *testing.T) {
	r := NewResolver(fixtureCommandConfig(), fixedClassify("SARCASTIC"))

	modeKey, rt, err := r.RuntimeForTrigger("!s")
	if err != nil {
		t.Fatalf("RuntimeForTrigger(!s): %v", err)
	}
	if modeKey != "serious" {
		t.Errorf("modeKey = %q, want serious", modeKey)
	}
	if rt.ReasoningEffort != "minimal" {
		t.Errorf("ReasoningEffort = %q, want the minimal default", rt.ReasoningEffort)
	}
	if rt.HistorySize != 40 {
		t.Errorf("HistorySize = %d, want the room default 40", rt.HistorySize)
	}
	if !rt.Steering {
		t.Error("steering should default on")
	}

	_, rt, err = r.RuntimeForTrigger("!a")
	if err != nil {
		t.Fatalf("RuntimeForTrigger(!a): %v", err)
	}
	if rt.ReasoningEffort != "medium" {
		t.Errorf("override ReasoningEffort = %q, want medium", rt.ReasoningEffort)
	}

	if _, _, err := r.RuntimeForTrigger("!zz"); err == nil {
		t.Error("undeclared trigger did not error")
	}
}

func TestRuntimeForTriggerModeOverrides(t *testing.T) {
	off := false
	cc := fixtureCommandConfig()
	cc.Modes["quick"] = config.ModeConfig{
		Model:       config.ModelList{"anthropic:claude-haiku-3-5"},
		Triggers:    []string{"!q"},
		Steering:    &off,
		HistorySize: 8,
	}
	r := NewResolver(cc, fixedClassify("SARCASTIC"))

	modeKey, rt, err := r.RuntimeForTrigger("!q")
	if err != nil {
		t.Fatalf("RuntimeForTrigger(!q): %v", err)
	}
	if modeKey != "quick" {
		t.Errorf("modeKey = %q, want quick", modeKey)
	}
	if rt.Steering {
		t.Error("mode opted out of steering but runtime has it on")
	}
	if rt.HistorySize != 8 {
		t.Errorf("HistorySize = %d, want the mode's own 8", rt.HistorySize)
	}
}

func TestTriggerLabelRoundTrip(t *testing.T) {
	r := NewResolver(fixtureCommandConfig(), fixedClassify("SARCASTIC"))
	wantModes := map[string]string{"SERIOUS": "serious", "SARCASTIC": "sarcastic"}

	for label, wantMode := range wantModes {
		trig := r.TriggerForLabel(label)
		modeKey, _, err := r.RuntimeForTrigger(trig)
		if err != nil {
			t.Fatalf("label %s → trigger %q: %v", label, trig, err)
		}
		if modeKey != wantMode {
			t.Errorf("label %s resolved to mode %q, want %q", label, modeKey, wantMode)
		}
	}
}

func TestShouldBypassSteering(t *testing.T) {
	off := false
	cc := fixtureCommandConfig()
	cc.Modes["quick"] = config.ModeConfig{
		Model:    config.ModelList{"anthropic:claude-haiku-3-5"},
		Triggers: []string{"!q"},
		Steering: &off,
	}
	r := NewResolver(cc, fixedClassify("SARCASTIC"))

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"no-context flag", "!c !s quick question", true},
		{"parse error", "!x whatever", true},
		{"help", "!h", true},
		{"mode opts out", "!q fast one", true},
		{"normal trigger", "!s hello", false},
		{"classifier default", "plain chat", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.ShouldBypassSteering(queueMsg("dale", tt.text)); got != tt.want {
				t.Errorf("ShouldBypassSteering(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}

	t.Run("non-steering trigger default", func(t *testing.T) {
		cc2 := fixtureCommandConfig()
		cc2.Modes["quick"] = config.ModeConfig{
			Model:    config.ModelList{"anthropic:claude-haiku-3-5"},
			Triggers: []string{"!q"},
			Steering: &off,
		}
		cc2.DefaultMode = "trigger:!q"
		r2 := NewResolver(cc2, fixedClassify("SARCASTIC"))
		if !r2.ShouldBypassSteering(queueMsg("dale", "plain chat")) {
			t.Error("default trigger opting out of steering should bypass")
		}
	})

	t.Run("non-steering channel pin", func(t *testing.T) {
		cc2 := fixtureCommandConfig()
		cc2.Modes["quick"] = config.ModeConfig{
			Model:    config.ModelList{"anthropic:claude-haiku-3-5"},
			Triggers: []string{"!q"},
			Steering: &off,
		}
		cc2.ChannelModes = map[string]string{"libera#lab": "!q"}
		r2 := NewResolver(cc2, fixedClassify("SARCASTIC"))
		if !r2.ShouldBypassSteering(queueMsg("dale", "plain chat")) {
			t.Error("channel pinned to a non-steering mode should bypass")
		}
	})
}

func TestBuildHelpMessage(t *testing.T) {
	r := NewResolver(fixtureCommandConfig(), fixedClassify("SARCASTIC"))
	help := r.BuildHelpMessage("libera#lab")

	for _, want := range []string{
		"!s/!a = serious (claude-sonnet-4)",
		"!d = sarcastic (deepseek-chat)",
		"automatic mode constrained to sarcastic",
		"!c disables context",
	} {
		if !strings.Contains(help, want) {
			t.Errorf("help %q missing %q", help, want)
		}
	}
}

func TestModelShortName(t *testing.T) {
	tests := []struct{ spec, want string }{
		{"anthropic:claude-sonnet-4", "claude-sonnet-4"},
		{"openrouter:deepseek/deepseek-chat", "deepseek-chat"},
		{"openrouter:moonshotai/kimi-k2#nitro,fp8", "kimi-k2"},
		{"gpt-4o", "gpt-4o"},
		{"anthropic:claude-3-5-sonnet-20241022", "claude-3-5-sonnet-20241022"},
	}
	for _, tt := range tests {
		if got := modelShortName(tt.spec); got != tt.want {
			t.Errorf("modelShortName(%q) = %q, want %q", tt.spec, got, tt.want)
		}
	}
}
