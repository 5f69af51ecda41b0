// Package telegram connects Telegram chats via Bot API long polling.
// Each chat is its own arc ("telegram:<chatID>"); forum topics ride
// along as thread ids so a topic steers one shared session.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/sendretry"
)

// maxMessageLen is the Bot API's hard per-message limit.
const maxMessageLen = 4096

// generalTopicID is the fixed id of the General topic in forum
// supergroups. Telegram rejects sends that name it explicitly, and a
// General-topic message belongs to the chat's main session anyway.
const generalTopicID = 1

// Channel is the Telegram transport.
type Channel struct {
	*channels.BaseChannel
	bot     *telego.Bot
	cfg     config.TelegramConfig
	botID   int64
	botUser string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.Nick, msgBus),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start resolves the bot identity and begins long polling.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.botID = me.ID
	c.botUser = me.Username
	if c.Nick() == "" {
		c.SetNick(me.Username)
	}

	// Polling outlives the startup context; Stop cancels it.
	pollCtx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram connected", "username", me.Username)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine, so
// Telegram releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers a reply to the chat named by the arc, chunked at the
// 4096-char limit on newline boundaries.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(strings.TrimPrefix(msg.Arc.Server, "telegram:"))
	if err != nil {
		return fmt.Errorf("telegram: bad chat id in %q: %w", msg.Arc.Server, err)
	}

	threadID := 0
	if msg.ThreadID != "" {
		threadID, _ = strconv.Atoi(msg.ThreadID)
	}

	for _, chunk := range channels.SplitChunks(msg.Content, maxMessageLen) {
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID > generalTopicID {
			params.MessageThreadID = threadID
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(message *telego.Message) {
	from := message.From
	if from == nil || from.IsBot {
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" {
		return // service messages, stickers, media without caption
	}

	chat := message.Chat
	isPrivate := chat.Type == "private"

	mentioned := false
	if c.botUser != "" {
		tag := "@" + c.botUser
		mentioned = strings.Contains(content, tag)
		content = strings.TrimSpace(strings.ReplaceAll(content, tag, ""))
		if content == "" {
			return
		}
	}
	replyToMe := message.ReplyToMessage != nil &&
		message.ReplyToMessage.From != nil &&
		message.ReplyToMessage.From.ID == c.botID

	channelName := "dm"
	if !isPrivate {
		channelName = chat.Title
		if channelName == "" {
			channelName = strconv.FormatInt(chat.ID, 10)
		}
	}

	// Only forum supergroups carry topic ids worth scoping on; in plain
	// groups message_thread_id is just reply context.
	threadID := ""
	if chat.IsForum && message.MessageThreadID > generalTopicID {
		threadID = strconv.Itoa(message.MessageThreadID)
	}

	nick := from.Username
	if nick == "" {
		nick = from.FirstName
	}
	if nick == "" {
		nick = strconv.FormatInt(from.ID, 10)
	}

	slog.Debug("telegram message",
		"chat_id", chat.ID,
		"chat_type", chat.Type,
		"nick", nick,
		"preview", channels.Truncate(content, 50),
	)

	c.Publish(bus.RoomMessage{
		Arc:        bus.Arc{Server: fmt.Sprintf("telegram:%d", chat.ID), Channel: channelName},
		Nick:       nick,
		Content:    content,
		ThreadID:   threadID,
		ThreadRoot: threadID,
		PlatformID: strconv.Itoa(message.MessageID),
		Direct:     isPrivate || mentioned || replyToMe || channels.IsDirect(content, c.Nick()),
	})
}

// parseChatID converts a string chat id to int64.
func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

// translateErr maps Bot API flood-wait errors ("Too Many Requests:
// retry after N") onto the shared retry contract.
func translateErr(err error) error {
	if after := parseRetryAfter(err.Error()); after > 0 {
		return &sendretry.RateLimitedError{RetryAfter: after, Cause: err}
	}
	return fmt.Errorf("send telegram message: %w", err)
}

// parseRetryAfter extracts the retry-after seconds from a Bot API
// error string, or 0 when absent.
func parseRetryAfter(msg string) time.Duration {
	lower := strings.ToLower(msg)
	idx := strings.Index(lower, "retry after")
	if idx < 0 {
		idx = strings.Index(lower, "retry_after")
	}
	if idx < 0 {
		return 0
	}

	secs := 0
	seen := false
	for _, r := range lower[idx:] {
		if r >= '0' && r <= '9' {
			secs = secs*10 + int(r-'0')
			seen = true
		} else if seen {
			break
		}
	}
	if !seen || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
