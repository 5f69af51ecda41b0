package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("parley doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config INVALID: %s\n", err)
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenRouter", cfg.Providers.OpenRouter.APIKey)

	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg)

	fmt.Println()
	fmt.Println("  Channels:")
	if len(cfg.Channels.IRC) == 0 {
		checkChannel("IRC", false, false)
	}
	for _, sc := range cfg.Channels.IRC {
		checkChannel("IRC "+sc.ServerTag, sc.Enabled, sc.Addr != "" && sc.Nick != "")
	}
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Slack", cfg.Channels.Slack.Enabled,
		cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")

	fmt.Println()
	fmt.Println("  Rooms:")
	checkRooms(cfg)

	fmt.Println()
	fmt.Println("  Tools:")
	if cfg.Tools.Web.Brave.Enabled {
		checkProvider("Brave", cfg.Tools.Web.Brave.APIKey)
	}
	fmt.Printf("    %s %v\n", pad("DuckDuckGo:"), cfg.Tools.Web.DuckDuckGo.Enabled)
	if cfg.Tools.Browser.Enabled {
		checkBrowserBinary()
	}

	fmt.Println()
	artDir := config.ExpandHome(cfg.Artifacts.Dir)
	fmt.Printf("  Artifacts: %s", artDir)
	if _, err := os.Stat(artDir); err != nil {
		fmt.Println(" (will be created)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// pad right-aligns check output; runewidth keeps wide-rune labels from
// skewing columns.
func pad(label string) string {
	return runewidth.FillRight(label, 12)
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %s (not configured)\n", pad(name+":"))
		return
	}
	masked := "****"
	if len(apiKey) >= 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %s %s\n", pad(name+":"), masked)
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %s %s\n", pad(name+":"), status)
}

func checkDatabase(cfg *config.Config) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		fmt.Printf("    %s postgres", pad("Backend:"))
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err = db.PingContext(ctx)
			cancel()
			db.Close()
		}
		if err != nil {
			fmt.Printf(" (CONNECT FAILED: %s)\n", err)
		} else {
			fmt.Println(" (OK)")
		}
		return
	}
	path := config.ExpandHome(cfg.Database.Path)
	fmt.Printf("    %s sqlite %s", pad("Backend:"), path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (will be created)")
	} else {
		fmt.Println(" (OK)")
	}
}

func checkRooms(cfg *config.Config) {
	if len(cfg.Rooms) == 0 {
		fmt.Println("    (none configured — every room falls back to built-in defaults)")
		return
	}
	names := make([]string, 0, len(cfg.Rooms))
	for name := range cfg.Rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sec := cfg.Rooms[name]
		modes := 0
		if sec.Command != nil {
			modes = len(sec.Command.Modes)
		}
		interjecting := 0
		if sec.Proactive != nil {
			interjecting = len(sec.Proactive.InterjectingChannels)
		}
		fmt.Printf("    %s %d modes, %d interjecting channels\n", pad(name+":"), modes, interjecting)
	}
}

// checkBrowserBinary looks for a Chromium the browse_page tool can
// drive; rod downloads its own only when none is installed.
func checkBrowserBinary() {
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			fmt.Printf("    %s %s\n", pad("Browser:"), path)
			return
		}
	}
	fmt.Printf("    %s not found (rod will download a managed browser)\n", pad("Browser:"))
}
