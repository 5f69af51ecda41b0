// Package discord connects guild text channels and DMs through the
// Discord gateway. Threads share their parent channel's arc with the
// thread id carried separately, so every participant steers the same
// session.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/config"
)

// maxMessageLen is Discord's hard per-message limit.
const maxMessageLen = 2000

// dmServerTag is the arc server tag for direct messages, which have no
// guild to derive one from.
const dmServerTag = "discord:dm"

// Channel is the Discord transport.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string
}

// New creates the Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.Nick, msgBus),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection and resolves the bot identity.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	if c.Nick() == "" {
		c.SetNick(user.Username)
	}

	c.SetRunning(true)
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers a reply, chunked at the 2000-char limit on newline
// boundaries. Replies belonging to a thread go to the thread channel.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: not connected")
	}

	channelID := msg.Arc.Channel
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}
	if channelID == "" {
		return fmt.Errorf("discord: outbound message without channel")
	}
	return c.sendChunked(channelID, msg.Content)
}

func (c *Channel) sendChunked(channelID, content string) error {
	for _, chunk := range channels.SplitChunks(content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}
	if mentioned {
		content = stripMention(content, c.botUserID)
	}

	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	isDM := m.GuildID == ""
	serverTag := dmServerTag
	if !isDM {
		serverTag = "discord:" + m.GuildID
	}

	// Threads share the parent channel's arc; the thread id scopes the
	// session key so the whole thread steers one agent.
	channelName := m.ChannelID
	threadID := ""
	if ch := c.channelInfo(s, m.ChannelID); ch != nil && ch.IsThread() {
		channelName = ch.ParentID
		threadID = m.ChannelID
	}

	nick := resolveDisplayName(m)
	slog.Debug("discord message",
		"guild", m.GuildID,
		"channel", m.ChannelID,
		"nick", nick,
		"preview", channels.Truncate(content, 50),
	)

	c.Publish(bus.RoomMessage{
		Arc:        bus.Arc{Server: serverTag, Channel: channelName},
		Nick:       nick,
		Content:    content,
		ThreadID:   threadID,
		ThreadRoot: threadID, // message threads share their starter's id
		PlatformID: m.ID,
		Direct:     isDM || mentioned || channels.IsDirect(content, c.Nick()),
	})
}

// channelInfo resolves channel metadata from the session state cache,
// falling back to the REST API on a miss.
func (c *Channel) channelInfo(s *discordgo.Session, channelID string) *discordgo.Channel {
	if ch, err := s.State.Channel(channelID); err == nil {
		return ch
	}
	ch, err := s.Channel(channelID)
	if err != nil {
		slog.Debug("discord channel lookup failed", "channel", channelID, "error", err)
		return nil
	}
	return ch
}

// stripMention removes the bot's mention tokens so the resolver sees
// the bare command text.
func stripMention(content, botUserID string) string {
	content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	return strings.TrimSpace(content)
}

// resolveDisplayName picks the best name for a message author:
// server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
