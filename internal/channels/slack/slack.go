// Package slack connects Slack workspaces over Socket Mode, so no
// public inbound endpoint is needed. Thread replies carry the thread
// timestamp and land back in the same thread.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/sendretry"
)

// maxMessageLen keeps replies readable; Slack accepts more but clips
// the rendering.
const maxMessageLen = 4000

// Channel is the Slack transport.
type Channel struct {
	*channels.BaseChannel
	cfg       config.SlackConfig
	client    *slack.Client
	socket    *socketmode.Client
	botUserID string
	teamID    string

	namesMu sync.RWMutex
	names   map[string]string // user id -> display name

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the Slack channel from config.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus) *Channel {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", cfg.Nick, msgBus),
		cfg:         cfg,
		client:      client,
		socket:      socketmode.New(client),
		names:       make(map[string]string),
	}
}

// Start authenticates and runs the Socket Mode event loop.
func (c *Channel) Start(_ context.Context) error {
	auth, err := c.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID
	c.teamID = auth.TeamID
	if c.Nick() == "" {
		c.SetNick(auth.User)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
		c.SetRunning(false)
	}()

	slog.Info("slack connected", "team", auth.Team, "bot_user", auth.UserID)
	return nil
}

// Stop shuts down the event loop.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Send posts a reply, back into the originating thread when the
// message carries a thread timestamp. Slack rate limits surface as
// RateLimitedError so the retry loop can honor Retry-After.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Arc.Channel == "" {
		return fmt.Errorf("slack: outbound message without channel")
	}

	for _, chunk := range channels.SplitChunks(msg.Content, maxMessageLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if msg.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
		}
		if _, _, err := c.client.PostMessageContext(ctx, msg.Arc.Channel, opts...); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

// translateErr maps the SDK's rate-limit error onto the shared retry
// contract.
func translateErr(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &sendretry.RateLimitedError{RetryAfter: rl.RetryAfter, Cause: err}
	}
	return fmt.Errorf("post slack message: %w", err)
}

func (c *Channel) eventLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				c.SetRunning(true)
				slog.Info("slack socket mode connected")
			case socketmode.EventTypeConnectionError:
				c.SetRunning(false)
				slog.Warn("slack socket mode connection error", "data", fmt.Sprint(event.Data))
			case socketmode.EventTypeEventsAPI:
				c.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				// Acknowledged but unused.
				if event.Request != nil {
					c.socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (c *Channel) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if event.Request != nil {
		c.socket.Ack(*event.Request)
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	// The message event feed covers mentions too, so app_mention events
	// are deliberately ignored to avoid double delivery.
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.BotID != "" || ev.User == c.botUserID {
		return
	}
	if ev.SubType != "" {
		return // edits, joins, file shares
	}
	c.handleMessage(ctx, ev)
}

func (c *Channel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	mention := "<@" + c.botUserID + ">"
	mentioned := strings.Contains(ev.Text, mention)
	content := strings.TrimSpace(strings.ReplaceAll(ev.Text, mention, ""))
	if content == "" {
		return
	}

	isDM := ev.ChannelType == "im" || strings.HasPrefix(ev.Channel, "D")
	nick := c.resolveNick(ctx, ev.User)

	slog.Debug("slack message",
		"channel", ev.Channel,
		"nick", nick,
		"thread", ev.ThreadTimeStamp,
		"preview", channels.Truncate(content, 50),
	)

	c.Publish(bus.RoomMessage{
		Arc:        bus.Arc{Server: "slack:" + c.teamID, Channel: ev.Channel},
		Nick:       nick,
		Content:    content,
		ThreadID:   ev.ThreadTimeStamp,
		ThreadRoot: ev.ThreadTimeStamp,
		PlatformID: ev.TimeStamp,
		Direct:     isDM || mentioned || channels.IsDirect(content, c.Nick()),
	})
}

// resolveNick maps a user id to a display name, cached per process.
// Resolution failures fall back to the raw id so messages still flow.
func (c *Channel) resolveNick(ctx context.Context, userID string) string {
	if userID == "" {
		return "unknown"
	}
	c.namesMu.RLock()
	name, ok := c.names[userID]
	c.namesMu.RUnlock()
	if ok {
		return name
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	user, err := c.client.GetUserInfoContext(lookupCtx, userID)
	if err != nil {
		slog.Debug("slack user lookup failed", "user", userID, "error", err)
		return userID
	}

	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	if name == "" {
		name = userID
	}

	c.namesMu.Lock()
	c.names[userID] = name
	c.namesMu.Unlock()
	return name
}
