package cmd

import (
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/channels/discord"
	"github.com/parleyhq/parley/internal/channels/irc"
	"github.com/parleyhq/parley/internal/channels/slack"
	"github.com/parleyhq/parley/internal/channels/telegram"
	"github.com/parleyhq/parley/internal/config"
)

// registerChannels builds every enabled transport and hands it to the
// manager. A channel missing its credentials is skipped with a warning
// so a half-configured file still brings up the rest.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	// Paste guard: rapid consecutive IRC lines from one speaker merge
	// into a single message. The window is the room's debounce setting.
	mergeWindow := func(arc bus.Arc) time.Duration {
		room := cfg.RoomConfig(arc.Server, arc.Channel)
		return time.Duration(room.DebounceMs) * time.Millisecond
	}

	for _, sc := range cfg.Channels.IRC {
		if !sc.Enabled {
			continue
		}
		if sc.Addr == "" || sc.Nick == "" {
			slog.Warn("irc server skipped: addr and nick required", "serverTag", sc.ServerTag)
			continue
		}
		mgr.Register(irc.New(sc, msgBus, mergeWindow))
	}

	if dc := cfg.Channels.Discord; dc.Enabled {
		if dc.Token == "" {
			slog.Warn("discord skipped: set PARLEY_DISCORD_TOKEN")
		} else if ch, err := discord.New(dc, msgBus); err != nil {
			slog.Error("discord init failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}

	if sc := cfg.Channels.Slack; sc.Enabled {
		if sc.BotToken == "" || sc.AppToken == "" {
			slog.Warn("slack skipped: set PARLEY_SLACK_BOT_TOKEN and PARLEY_SLACK_APP_TOKEN")
		} else {
			mgr.Register(slack.New(sc, msgBus))
		}
	}

	if tc := cfg.Channels.Telegram; tc.Enabled {
		if tc.Token == "" {
			slog.Warn("telegram skipped: set PARLEY_TELEGRAM_TOKEN")
		} else if ch, err := telegram.New(tc, msgBus); err != nil {
			slog.Error("telegram init failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
}
