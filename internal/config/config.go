package config

import (
	"encoding/json"
	"sync"
)

// ModelList accepts both a single model spec and a candidate list in
// JSON. The first declared candidate is the one a mode runs with.
type ModelList []string

func (m *ModelList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*m = ModelList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*m = many
	return nil
}

// Config is the root configuration. Loaded once at startup from JSON5
// and refreshed by the watcher; the mutex guards the rooms swap on hot
// reload. Secrets stay env-sourced and never persist to disk.
type Config struct {
	Providers  ProvidersConfig        `json:"providers"`
	Database   DatabaseConfig         `json:"database,omitempty"`
	Channels   ChannelsConfig         `json:"channels"`
	Rooms      map[string]RoomSection `json:"rooms"`
	Tools      ToolsConfig            `json:"tools,omitempty"`
	MCP        MCPConfig              `json:"mcp,omitempty"`
	Chronicler ChroniclerConfig       `json:"chronicler,omitempty"`
	Costs      CostsConfig            `json:"costs,omitempty"`
	Artifacts  ArtifactsConfig        `json:"artifacts,omitempty"`
	Telemetry  TelemetryConfig        `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig        `json:"tailscale,omitempty"`
	mu         sync.RWMutex
}

// ProvidersConfig names the LLM backends and the default backend for
// bare model ids.
type ProvidersConfig struct {
	Default    string         `json:"default,omitempty"`
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenRouter ProviderConfig `json:"openrouter"`
}

type ProviderConfig struct {
	APIKey  string `json:"-"` // env only, never persisted
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

// DatabaseConfig selects the history/chronicle backend. SQLite is the
// default; a non-empty PostgresDSN switches both stores to Postgres.
// The DSN is never read from the config file.
type DatabaseConfig struct {
	Path        string `json:"path,omitempty"`
	PostgresDSN string `json:"-"` // from env PARLEY_POSTGRES_DSN only
}

type ChannelsConfig struct {
	IRC      []IRCServerConfig `json:"irc,omitempty"`
	Discord  DiscordConfig     `json:"discord,omitempty"`
	Slack    SlackConfig       `json:"slack,omitempty"`
	Telegram TelegramConfig    `json:"telegram,omitempty"`
}

// IRCServerConfig describes one IRC network connection. ServerTag is
// the stable identifier recorded in history rows and arc keys.
type IRCServerConfig struct {
	Enabled    bool     `json:"enabled"`
	ServerTag  string   `json:"serverTag"`
	Addr       string   `json:"addr"`
	TLS        bool     `json:"tls,omitempty"`
	Nick       string   `json:"nick"`
	User       string   `json:"user,omitempty"`
	RealName   string   `json:"realName,omitempty"`
	Password   string   `json:"-"` // from env PARLEY_IRC_PASSWORD only
	Channels   []string `json:"channels"`
	FloodMs    int      `json:"floodMs,omitempty"`
	FloodBurst int      `json:"floodBurst,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // from env PARLEY_DISCORD_TOKEN only
	Nick    string `json:"nick,omitempty"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"-"` // from env PARLEY_SLACK_BOT_TOKEN only
	AppToken string `json:"-"` // from env PARLEY_SLACK_APP_TOKEN only
	Nick     string `json:"nick,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // from env PARLEY_TELEGRAM_TOKEN only
	Nick    string `json:"nick,omitempty"`
}

// RoomSection is the file-shape per-room block. The "default" key is
// the base every other room merges onto; see Config.RoomConfig for the
// merge rules.
type RoomSection struct {
	Command               *CommandSection   `json:"command,omitempty"`
	Proactive             *ProactiveSection `json:"proactive,omitempty"`
	PromptVars            map[string]string `json:"promptVars,omitempty"`
	IgnoreUsers           []string          `json:"ignoreUsers,omitempty"`
	DebounceMs            int               `json:"debounceMs,omitempty"`
	UserRateLimit         int               `json:"userRateLimit,omitempty"`
	UserRatePeriodSeconds int               `json:"userRatePeriodSeconds,omitempty"`
}

type CommandSection struct {
	HistorySize    int                   `json:"historySize,omitempty"`
	DefaultMode    string                `json:"defaultMode,omitempty"`
	ChannelModes   map[string]string     `json:"channelModes,omitempty"`
	Modes          map[string]ModeConfig `json:"modes,omitempty"`
	ModeClassifier *ClassifierConfig     `json:"modeClassifier,omitempty"`
	HelpToken      string                `json:"helpToken,omitempty"`
	FlagTokens     map[string]string     `json:"flagTokens,omitempty"`
}

// ModeConfig is one named agent configuration. Triggers is ordered:
// the first token is the mode's canonical trigger, used when the
// classifier clamp or a channel policy selects the mode by name.
type ModeConfig struct {
	Model                ModelList                  `json:"model,omitempty"`
	Prompt               string                     `json:"prompt,omitempty"`
	MetaReminder         string                     `json:"metaReminder,omitempty"`
	Triggers             []string                   `json:"triggers,omitempty"`
	TriggerOverrides     map[string]TriggerOverride `json:"triggerOverrides,omitempty"`
	ReasoningEffort      string                     `json:"reasoningEffort,omitempty"`
	Steering             *bool                      `json:"steering,omitempty"`
	AutoReduceContext    bool                       `json:"autoReduceContext,omitempty"`
	Tools                []string                   `json:"tools,omitempty"`
	HistorySize          int                        `json:"historySize,omitempty"`
	RefusalFallbackModel string                     `json:"refusalFallbackModel,omitempty"`
	MaxTokens            int                        `json:"maxTokens,omitempty"`
	Temperature          float64                    `json:"temperature,omitempty"`
}

// TriggerOverride tunes a single trigger token away from its mode's
// baseline ("!a" runs the serious mode at medium reasoning effort).
type TriggerOverride struct {
	Model           ModelList `json:"model,omitempty"`
	ReasoningEffort string    `json:"reasoningEffort,omitempty"`
	Steering        *bool     `json:"steering,omitempty"`
	Tools           []string  `json:"tools,omitempty"`
}

// SteeringEnabled defaults to true when the field is absent.
func (m ModeConfig) SteeringEnabled() bool {
	return m.Steering == nil || *m.Steering
}

// PrimaryModel picks the first declared model candidate.
func (m ModeConfig) PrimaryModel() string {
	if len(m.Model) == 0 {
		return ""
	}
	return m.Model[0]
}

// DefaultTrigger is the mode's first declared trigger token.
func (m ModeConfig) DefaultTrigger() string {
	if len(m.Triggers) == 0 {
		return ""
	}
	return m.Triggers[0]
}

// LabelSpec binds one classifier label to the trigger it selects.
// Declaration order matters: it breaks whole-word count ties and
// supplies the default fallback label.
type LabelSpec struct {
	Label   string `json:"label"`
	Trigger string `json:"trigger"`
}

type ClassifierConfig struct {
	Model         string      `json:"model"`
	Labels        []LabelSpec `json:"labels"`
	FallbackLabel string      `json:"fallbackLabel,omitempty"`
	Prompt        string      `json:"prompt,omitempty"`
}

// TriggerFor maps a label to its trigger.
func (cc ClassifierConfig) TriggerFor(label string) (string, bool) {
	for _, l := range cc.Labels {
		if l.Label == label {
			return l.Trigger, true
		}
	}
	return "", false
}

// Fallback resolves the fallback label, defaulting to the first
// declared label.
func (cc ClassifierConfig) Fallback() string {
	if cc.FallbackLabel != "" {
		return cc.FallbackLabel
	}
	if len(cc.Labels) > 0 {
		return cc.Labels[0].Label
	}
	return ""
}

type ProactiveSection struct {
	InterjectingChannels []string `json:"interjectingChannels,omitempty"`
	DebounceSeconds      int      `json:"debounceSeconds,omitempty"`
	HistorySize          int      `json:"historySize,omitempty"`
	RateLimit            int      `json:"rateLimit,omitempty"`
	RatePeriodSeconds    int      `json:"ratePeriodSeconds,omitempty"`
	InterjectThreshold   int      `json:"interjectThreshold,omitempty"`
	ValidationModels     []string `json:"validationModels,omitempty"`
	SeriousModel         string   `json:"seriousModel,omitempty"`
	InterjectPrompt      string   `json:"interjectPrompt,omitempty"`
	SeriousExtraPrompt   string   `json:"seriousExtraPrompt,omitempty"`
}

type ToolsConfig struct {
	Web     WebToolsConfig    `json:"web,omitempty"`
	Browser BrowserToolConfig `json:"browser,omitempty"`
	Image   ImageToolConfig   `json:"image,omitempty"`
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave,omitempty"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo,omitempty"`
}

type BraveConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"-"` // from env PARLEY_BRAVE_API_KEY only
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"maxResults,omitempty"`
}

type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless"`
}

type ImageToolConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one MCP server. Transport "stdio" (the
// default) launches Command; "http" (streamable HTTP) and "sse"
// connect to URL.
type MCPServerConfig struct {
	Transport string            `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

type ChroniclerConfig struct {
	Enabled       bool   `json:"enabled"`
	Model         string `json:"model,omitempty"`
	ChunkMessages int    `json:"chunkMessages,omitempty"`
	RolloverCron  string `json:"rolloverCron,omitempty"`
}

type CostsConfig struct {
	FollowupThresholdUSD float64 `json:"followupThresholdUsd,omitempty"`
	Milestones           bool    `json:"milestones,omitempty"`
}

type ArtifactsConfig struct {
	Dir            string  `json:"dir,omitempty"`
	URLPrefix      string  `json:"urlPrefix,omitempty"`
	Listen         string  `json:"listen,omitempty"`
	OverflowFactor float64 `json:"overflowFactor,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the
// artifacts/status server. Auth key from env only.
type TailscaleConfig struct {
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"stateDir,omitempty"`
	AuthKey  string `json:"-"` // from env PARLEY_TSNET_AUTH_KEY only
}
