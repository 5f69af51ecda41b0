package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
)

const starterPrompt = "You are {mynick}, a regular in this channel. Answer briefly and " +
	"plainly; match the room's tone. The current time is {current_time}."

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard(resolveConfigPath())
		},
	}
}

// runOnboard walks through provider and channel choices and writes a
// starter config plus .env.local guidance. Secrets never go in the
// config file.
func runOnboard(cfgPath string) {
	var (
		provider  string
		model     string
		botNick   string
		platforms []string
		ircAddr   string
		ircTag    string
		ircChans  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Description("API keys load from the environment, never from the config file.").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenRouter", "openrouter"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Default model").
				Placeholder("claude-sonnet-4-5").
				Value(&model),
			huh.NewInput().
				Title("Bot nick").
				Placeholder("parley").
				Value(&botNick),
			huh.NewMultiSelect[string]().
				Title("Chat platforms").
				Options(
					huh.NewOption("IRC", "irc"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Slack", "slack"),
					huh.NewOption("Telegram", "telegram"),
				).
				Value(&platforms),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println("Setup cancelled.")
		return
	}

	if slices.Contains(platforms, "irc") {
		ircForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("IRC server address").
					Placeholder("irc.libera.chat:6697").
					Value(&ircAddr),
				huh.NewInput().
					Title("Server tag").
					Description("Stable name for this network, used in history and room config.").
					Placeholder("libera").
					Value(&ircTag),
				huh.NewInput().
					Title("Channels to join (comma separated)").
					Placeholder("#mychannel").
					Value(&ircChans),
			),
		)
		if err := ircForm.Run(); err != nil {
			fmt.Println("Setup cancelled.")
			return
		}
	}

	if provider == "" {
		provider = "anthropic"
	}
	if model == "" {
		model = defaultModelFor(provider)
	}
	if botNick == "" {
		botNick = "parley"
	}

	cfg := config.Default()
	cfg.Providers.Default = provider
	switch provider {
	case "openrouter":
		cfg.Providers.OpenRouter.Model = model
	default:
		cfg.Providers.Anthropic.Model = model
	}
	if slices.Contains(platforms, "irc") && ircAddr != "" {
		tag := ircTag
		if tag == "" {
			tag, _, _ = strings.Cut(ircAddr, ".")
			tag, _, _ = strings.Cut(tag, ":")
		}
		cfg.Channels.IRC = []config.IRCServerConfig{{
			Enabled:   true,
			ServerTag: tag,
			Addr:      ircAddr,
			TLS:       strings.HasSuffix(ircAddr, ":6697"),
			Nick:      botNick,
			Channels:  splitChannels(ircChans),
		}}
	}
	cfg.Channels.Discord = config.DiscordConfig{Enabled: slices.Contains(platforms, "discord"), Nick: botNick}
	cfg.Channels.Slack = config.SlackConfig{Enabled: slices.Contains(platforms, "slack"), Nick: botNick}
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: slices.Contains(platforms, "telegram"), Nick: botNick}

	if err := writeConfigFile(cfgPath, cfg, provider, model); err != nil {
		fmt.Printf("Could not write config: %v\n", err)
		return
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Secrets go in .env.local next to it (never in the config file):")
	fmt.Println()
	for _, line := range envTemplate(provider, platforms) {
		fmt.Printf("  %s\n", line)
	}
	fmt.Println()
	fmt.Println("Then start the bot:")
	fmt.Println()
	fmt.Printf("  source %s && ./parley\n", filepath.Join(filepath.Dir(cfgPath), ".env.local"))
	fmt.Println()
}

// canAutoOnboard reports whether env vars alone can configure a
// provider, the Docker / CI first-run path.
func canAutoOnboard() bool {
	return os.Getenv("PARLEY_ANTHROPIC_API_KEY") != "" || os.Getenv("PARLEY_OPENROUTER_API_KEY") != ""
}

// runAutoOnboard writes a starter config from the environment, no
// prompts. Returns false on a fatal error.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: provider key found in environment, writing starter config...")

	provider := "anthropic"
	if os.Getenv("PARLEY_ANTHROPIC_API_KEY") == "" {
		provider = "openrouter"
	}
	cfg := config.Default()
	cfg.Providers.Default = provider
	model := defaultModelFor(provider)

	if err := writeConfigFile(cfgPath, cfg, provider, model); err != nil {
		fmt.Printf("  could not write config: %v\n", err)
		return false
	}
	fmt.Printf("  Provider: %s (model: %s)\n", provider, model)
	fmt.Printf("  Config saved to %s\n", cfgPath)
	fmt.Println("Auto-onboard complete. Channels auto-enable from their env tokens.")
	return true
}

func defaultModelFor(provider string) string {
	if provider == "openrouter" {
		return config.Default().Providers.OpenRouter.Model
	}
	return config.Default().Providers.Anthropic.Model
}

// writeConfigFile saves a minimal starter config: providers without
// keys, the chosen channels, and one default room with a single chat
// mode so the bot answers from the first run. JSON is valid JSON5, so
// the file stays hand-editable with comments later.
func writeConfigFile(cfgPath string, cfg *config.Config, provider, model string) error {
	channels := map[string]any{}
	if len(cfg.Channels.IRC) > 0 {
		irc := make([]map[string]any, 0, len(cfg.Channels.IRC))
		for _, sc := range cfg.Channels.IRC {
			irc = append(irc, map[string]any{
				"enabled":   sc.Enabled,
				"serverTag": sc.ServerTag,
				"addr":      sc.Addr,
				"tls":       sc.TLS,
				"nick":      sc.Nick,
				"channels":  sc.Channels,
			})
		}
		channels["irc"] = irc
	}
	if cfg.Channels.Discord.Enabled {
		channels["discord"] = map[string]any{"enabled": true, "nick": cfg.Channels.Discord.Nick}
	}
	if cfg.Channels.Slack.Enabled {
		channels["slack"] = map[string]any{"enabled": true, "nick": cfg.Channels.Slack.Nick}
	}
	if cfg.Channels.Telegram.Enabled {
		channels["telegram"] = map[string]any{"enabled": true, "nick": cfg.Channels.Telegram.Nick}
	}

	providerSection := map[string]any{
		"default": provider,
		provider:  map[string]any{"model": model},
	}

	root := map[string]any{
		"providers": providerSection,
		"database":  map[string]any{"path": cfg.Database.Path},
		"rooms": map[string]any{
			"default": map[string]any{
				"command": map[string]any{
					"modes": map[string]any{
						"chat": map[string]any{
							"model":    provider + ":" + model,
							"prompt":   starterPrompt,
							"triggers": []string{"!p"},
						},
					},
				},
			},
		},
	}
	if len(channels) > 0 {
		root["channels"] = channels
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(cfgPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(cfgPath, append(data, '\n'), 0o600)
}

func envTemplate(provider string, platforms []string) []string {
	lines := []string{}
	switch provider {
	case "openrouter":
		lines = append(lines, "export PARLEY_OPENROUTER_API_KEY=sk-or-...")
	default:
		lines = append(lines, "export PARLEY_ANTHROPIC_API_KEY=sk-ant-...")
	}
	if slices.Contains(platforms, "irc") {
		lines = append(lines, "export PARLEY_IRC_PASSWORD=...          # NickServ / server password, if any")
	}
	if slices.Contains(platforms, "discord") {
		lines = append(lines, "export PARLEY_DISCORD_TOKEN=...")
	}
	if slices.Contains(platforms, "slack") {
		lines = append(lines,
			"export PARLEY_SLACK_BOT_TOKEN=xoxb-...",
			"export PARLEY_SLACK_APP_TOKEN=xapp-...")
	}
	if slices.Contains(platforms, "telegram") {
		lines = append(lines, "export PARLEY_TELEGRAM_TOKEN=...")
	}
	return lines
}

func splitChannels(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "#") {
			p = "#" + p
		}
		out = append(out, p)
	}
	return out
}
