package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func testConfig() *Config {
	cfg := Default()
	cfg.Rooms = map[string]RoomSection{
		"default": {
			Command: &CommandSection{
				HistorySize: 30,
				DefaultMode: "classifier:serious",
				Modes: map[string]ModeConfig{
					"serious": {
						Model:    ModelList{"anthropic:claude-sonnet-4-5"},
						Prompt:   "You are a helpful assistant.",
						Triggers: []string{"!s", "!a"},
						TriggerOverrides: map[string]TriggerOverride{
							"!a": {ReasoningEffort: "medium"},
						},
					},
					"sarcastic": {
						Model:    ModelList{"anthropic:claude-haiku-4"},
						Prompt:   "You are a sarcastic assistant.",
						Triggers: []string{"!d"},
					},
				},
				ModeClassifier: &ClassifierConfig{
					Model: "anthropic:claude-haiku-4",
					Labels: []LabelSpec{
						{Label: "SERIOUS", Trigger: "!s"},
						{Label: "SARCASTIC", Trigger: "!d"},
					},
					FallbackLabel: "SARCASTIC",
				},
			},
			PromptVars:  map[string]string{"provenance": " by author", "output": " No md."},
			IgnoreUsers: []string{"spammer"},
		},
		"irc": {
			Command: &CommandSection{
				Modes: map[string]ModeConfig{
					"serious": {ReasoningEffort: "medium"},
				},
			},
			PromptVars:  map[string]string{"output": " Extra note."},
			IgnoreUsers: []string{"BadBot"},
			DebounceMs:  400,
		},
	}
	return cfg
}

func TestRoomConfigDeepMerge(t *testing.T) {
	cfg := testConfig()
	rc := cfg.RoomConfig("libera", "#test")

	if rc.ArcKey != "libera#test" {
		t.Errorf("ArcKey = %q, want libera#test", rc.ArcKey)
	}

	// Scalar inherited from default.
	if rc.Command.HistorySize != 30 {
		t.Errorf("HistorySize = %d, want 30", rc.Command.HistorySize)
	}
	// Mode field-merge: prompt inherited, reasoning effort overridden.
	serious := rc.Command.Modes["serious"]
	if serious.Prompt != "You are a helpful assistant." {
		t.Errorf("serious prompt lost in merge: %q", serious.Prompt)
	}
	if serious.ReasoningEffort != "medium" {
		t.Errorf("serious reasoningEffort = %q, want medium", serious.ReasoningEffort)
	}
	if got := serious.PrimaryModel(); got != "anthropic:claude-sonnet-4-5" {
		t.Errorf("serious model = %q", got)
	}
	if got := serious.TriggerOverrides["!a"].ReasoningEffort; got != "medium" {
		t.Errorf("trigger override lost in merge: %q", got)
	}
	if got := serious.DefaultTrigger(); got != "!s" {
		t.Errorf("DefaultTrigger = %q, want !s", got)
	}

	// promptVars: inherited key kept, shared key concatenated.
	if got := rc.PromptVars["provenance"]; got != " by author" {
		t.Errorf("provenance = %q", got)
	}
	if got := rc.PromptVars["output"]; got != " No md. Extra note." {
		t.Errorf("output = %q, want concatenation", got)
	}

	// ignoreUsers concatenate.
	if !rc.IgnoresUser("spammer") || !rc.IgnoresUser("SPAMMER") {
		t.Error("default ignore user missing or not case-insensitive")
	}
	if !rc.IgnoresUser("badbot") {
		t.Error("room ignore user missing")
	}
	if rc.IgnoresUser("gooduser") {
		t.Error("gooduser should not be ignored")
	}

	if rc.DebounceMs != 400 {
		t.Errorf("DebounceMs = %d, want 400", rc.DebounceMs)
	}
}

func TestRoomConfigPlatformFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Rooms["discord"] = RoomSection{
		Command: &CommandSection{HistorySize: 100},
	}

	// A discord guild tag picks up the discord platform section.
	rc := cfg.RoomConfig("discord:12345", "#general")
	if rc.Command.HistorySize != 100 {
		t.Errorf("discord HistorySize = %d, want 100", rc.Command.HistorySize)
	}
	if rc.ArcKey != "discord:12345#general" {
		t.Errorf("ArcKey = %q", rc.ArcKey)
	}

	// Bare tags fall through to the irc section.
	rc = cfg.RoomConfig("oftc", "#dev")
	if rc.DebounceMs != 400 {
		t.Errorf("irc fallback DebounceMs = %d, want 400", rc.DebounceMs)
	}
}

func TestRoomConfigDefaults(t *testing.T) {
	cfg := Default()
	rc := cfg.RoomConfig("libera", "#test")

	if rc.Command.HelpToken != "!h" {
		t.Errorf("HelpToken = %q, want !h", rc.Command.HelpToken)
	}
	if rc.Command.FlagTokens["!c"] != "no-context" {
		t.Errorf("FlagTokens = %v", rc.Command.FlagTokens)
	}
	if rc.UserRateLimit != defaultUserRateLimit || rc.UserRatePeriodSeconds != defaultUserRatePeriod {
		t.Errorf("user rate defaults = %d/%ds", rc.UserRateLimit, rc.UserRatePeriodSeconds)
	}
	if rc.Proactive.InterjectThreshold != defaultInterjectLevel {
		t.Errorf("InterjectThreshold = %d", rc.Proactive.InterjectThreshold)
	}
}

func TestMaxHistorySize(t *testing.T) {
	cc := CommandConfig{
		HistorySize: 30,
		Modes: map[string]ModeConfig{
			"a": {HistorySize: 10},
			"b": {HistorySize: 50},
		},
	}
	if got := cc.MaxHistorySize(); got != 50 {
		t.Errorf("MaxHistorySize = %d, want 50", got)
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := testConfig().Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("duplicate trigger", func(t *testing.T) {
		cfg := testConfig()
		room := cfg.Rooms["default"]
		modes := room.Command.Modes
		sarcastic := modes["sarcastic"]
		sarcastic.Triggers = []string{"!s"}
		modes["sarcastic"] = sarcastic
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for trigger owned by two modes")
		}
	})

	t.Run("label to unknown trigger", func(t *testing.T) {
		cfg := testConfig()
		mc := cfg.Rooms["default"].Command.ModeClassifier
		mc.Labels = append(mc.Labels, LabelSpec{Label: "WAT", Trigger: "!zz"})
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for label mapping to unknown trigger")
		}
	})

	t.Run("override for undeclared trigger", func(t *testing.T) {
		cfg := testConfig()
		modes := cfg.Rooms["default"].Command.Modes
		sarcastic := modes["sarcastic"]
		sarcastic.TriggerOverrides = map[string]TriggerOverride{"!s": {ReasoningEffort: "high"}}
		modes["sarcastic"] = sarcastic
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for override on another mode's trigger")
		}
	})

	t.Run("bad defaultMode", func(t *testing.T) {
		cfg := testConfig()
		room := cfg.Rooms["default"]
		room.Command.DefaultMode = "whatever"
		cfg.Rooms["default"] = room
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for malformed defaultMode")
		}
	})
}

func TestLoadJSON5AndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	body := `{
		// comments are fine in json5
		providers: { default: "anthropic" },
		channels: {
			irc: [{ enabled: true, serverTag: "libera", addr: "irc.libera.chat:6697", nick: "parley", channels: ["#test"] }],
		},
		rooms: {
			default: {
				command: { historySize: 25 },
			},
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PARLEY_ANTHROPIC_API_KEY", "sk-from-env")
	t.Setenv("PARLEY_DISCORD_TOKEN", "discord-token")
	t.Setenv("PARLEY_IRC_PASSWORD", "hunter2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Providers.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("anthropic key = %q", cfg.Providers.Anthropic.APIKey)
	}
	if !cfg.Channels.Discord.Enabled {
		t.Error("discord should auto-enable when token set via env")
	}
	if len(cfg.Channels.IRC) != 1 || cfg.Channels.IRC[0].Password != "hunter2" {
		t.Errorf("irc password not overlaid: %+v", cfg.Channels.IRC)
	}
	if cfg.RoomConfig("libera", "#test").Command.HistorySize != 25 {
		t.Error("file value lost")
	}
	if !cfg.HasAnyProvider() {
		t.Error("HasAnyProvider = false")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "~/.parley/parley.db" {
		t.Errorf("default db path = %q", cfg.Database.Path)
	}
	if cfg.Costs.FollowupThresholdUSD != 0.20 {
		t.Errorf("default cost threshold = %v", cfg.Costs.FollowupThresholdUSD)
	}
}

func TestModelListUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		n    int
	}{
		{`{"model": "a:b"}`, "a:b", 1},
		{`{"model": ["x:y", "z:w"]}`, "x:y", 2},
	} {
		var m ModeConfig
		if err := json.Unmarshal([]byte(tc.in), &m); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if len(m.Model) != tc.n || m.PrimaryModel() != tc.want {
			t.Errorf("Model(%s) = %v, want first %q of %d", tc.in, m.Model, tc.want, tc.n)
		}
	}
}
