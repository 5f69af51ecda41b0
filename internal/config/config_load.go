package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Default returns a Config with baseline values. Room defaults live in
// resolveRoomDefaults so hot reloads re-apply them.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default: "anthropic",
			Anthropic: ProviderConfig{
				Model: "claude-sonnet-4-5",
			},
			OpenRouter: ProviderConfig{
				Model: "anthropic/claude-sonnet-4.5",
			},
		},
		Database: DatabaseConfig{
			Path: "~/.parley/parley.db",
		},
		Rooms: map[string]RoomSection{},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Browser: BrowserToolConfig{Headless: true},
			Image: ImageToolConfig{
				Model: "google/gemini-2.5-flash-image-preview",
			},
		},
		Chronicler: ChroniclerConfig{
			ChunkMessages: 30,
		},
		Costs: CostsConfig{
			FollowupThresholdUSD: 0.20,
			Milestones:           true,
		},
		Artifacts: ArtifactsConfig{
			Dir:            "~/.parley/artifacts",
			Listen:         "127.0.0.1:8135",
			OverflowFactor: 3.0,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "parley",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields the defaults so env-only setups work.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets are only ever sourced here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("PARLEY_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("PARLEY_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)

	envStr("PARLEY_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("PARLEY_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("PARLEY_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("PARLEY_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	for i := range c.Channels.IRC {
		if c.Channels.IRC[i].Password == "" {
			envStr("PARLEY_IRC_PASSWORD", &c.Channels.IRC[i].Password)
		}
	}

	envStr("PARLEY_DB_PATH", &c.Database.Path)
	envStr("PARLEY_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("PARLEY_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)
	if c.Tools.Web.Brave.APIKey != "" {
		c.Tools.Web.Brave.Enabled = true
	}

	envStr("PARLEY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("PARLEY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("PARLEY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("PARLEY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PARLEY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("PARLEY_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("PARLEY_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("PARLEY_TSNET_DIR", &c.Tailscale.StateDir)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Slack.BotToken != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

// HasAnyProvider reports whether at least one LLM backend has a key.
func (c *Config) HasAnyProvider() bool {
	return c.Providers.Anthropic.APIKey != "" || c.Providers.OpenRouter.APIKey != ""
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
