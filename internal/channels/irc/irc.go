// Package irc connects one IRC network. Inbound PRIVMSGs become
// RoomMessages; outbound replies are flood-paced and split to fit the
// 512-byte line limit.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	ircv4 "gopkg.in/irc.v4"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/config"
)

const (
	maxLineBytes = 512

	// prefixAllowance reserves room for the ":nick!user@host " prefix
	// the server prepends when relaying our PRIVMSG to other clients.
	prefixAllowance = 96
	minLineBudget   = 128

	defaultFloodMs    = 1000
	defaultFloodBurst = 4

	dialTimeout  = 30 * time.Second
	reconnectMin = 2 * time.Second
	reconnectMax = 2 * time.Minute
)

// Channel is one IRC network connection identified by its server tag.
type Channel struct {
	*channels.BaseChannel
	cfg     config.IRCServerConfig
	publish func(bus.RoomMessage)
	limiter *rate.Limiter

	mu     sync.Mutex
	client *ircv4.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an IRC channel. mergeWindow, when non-nil, enables the
// paste guard: rapid consecutive lines from one speaker are merged into
// a single message before dispatch (the window is per room).
func New(cfg config.IRCServerConfig, msgBus *bus.MessageBus, mergeWindow func(bus.Arc) time.Duration) *Channel {
	base := channels.NewBaseChannel(cfg.ServerTag, cfg.Nick, msgBus)

	floodMs := cfg.FloodMs
	if floodMs <= 0 {
		floodMs = defaultFloodMs
	}
	burst := cfg.FloodBurst
	if burst <= 0 {
		burst = defaultFloodBurst
	}

	c := &Channel{
		BaseChannel: base,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Every(time.Duration(floodMs)*time.Millisecond), burst),
	}
	c.publish = base.Publish
	if mergeWindow != nil {
		c.publish = channels.NewConsolidator(base.Publish, mergeWindow).Publish
	}
	return c
}

// Start launches the connect/run loop. Connection failures are retried
// with backoff inside the loop, so Start itself only fails on config
// errors.
func (c *Channel) Start(ctx context.Context) error {
	if c.cfg.Addr == "" {
		return fmt.Errorf("irc %s: no addr configured", c.Name())
	}
	if c.cfg.Nick == "" {
		return fmt.Errorf("irc %s: no nick configured", c.Name())
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.runLoop(runCtx)
	return nil
}

// Stop tears the connection down and waits for the run loop to exit.
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

// Send writes one reply to the network, newline-split into PRIVMSGs and
// each line split again to fit the protocol line limit. Every line
// waits on the flood limiter.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !c.IsRunning() {
		return fmt.Errorf("irc %s: not connected", c.Name())
	}

	target := msg.Arc.Channel
	if target == "" {
		return fmt.Errorf("irc %s: outbound message without target", c.Name())
	}

	budget := lineBudget(target)
	for _, line := range strings.Split(msg.Content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, part := range SplitLine(line, budget) {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := client.Writef("PRIVMSG %s :%s", target, part); err != nil {
				return fmt.Errorf("irc %s: write: %w", c.Name(), err)
			}
		}
	}
	return nil
}

func (c *Channel) runLoop(ctx context.Context) {
	defer close(c.done)

	backoff := reconnectMin
	for {
		start := time.Now()
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("irc connection lost", "server", c.Name(), "error", err)

		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = reconnectMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectOnce dials and runs the client until the connection drops or
// the context ends.
func (c *Channel) connectOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	user := c.cfg.User
	if user == "" {
		user = c.cfg.Nick
	}
	realName := c.cfg.RealName
	if realName == "" {
		realName = c.cfg.Nick
	}

	client := ircv4.NewClient(conn, ircv4.ClientConfig{
		Nick:    c.cfg.Nick,
		Pass:    c.cfg.Password,
		User:    user,
		Name:    realName,
		Handler: ircv4.HandlerFunc(c.handle),
	})

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	err = client.RunContext(ctx)

	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
	c.SetRunning(false)
	return err
}

func (c *Channel) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if c.cfg.TLS {
		return (&tls.Dialer{NetDialer: dialer}).DialContext(ctx, "tcp", c.cfg.Addr)
	}
	return dialer.DialContext(ctx, "tcp", c.cfg.Addr)
}

func (c *Channel) handle(client *ircv4.Client, m *ircv4.Message) {
	switch m.Command {
	case "001": // registered
		c.SetNick(client.CurrentNick())
		c.SetRunning(true)
		slog.Info("irc connected",
			"server", c.Name(),
			"nick", client.CurrentNick(),
			"channels", len(c.cfg.Channels),
		)
		if len(c.cfg.Channels) > 0 {
			if err := client.Writef("JOIN %s", strings.Join(c.cfg.Channels, ",")); err != nil {
				slog.Warn("irc join failed", "server", c.Name(), "error", err)
			}
		}

	case "433": // nick in use: try with a suffix
		if len(m.Params) >= 2 {
			if err := client.Writef("NICK %s_", m.Params[1]); err != nil {
				slog.Warn("irc nick retry failed", "server", c.Name(), "error", err)
			}
		}

	case "PRIVMSG":
		c.handlePrivmsg(client, m)
	}
}

func (c *Channel) handlePrivmsg(client *ircv4.Client, m *ircv4.Message) {
	if m.Prefix == nil || m.Prefix.Name == "" || len(m.Params) == 0 {
		return
	}
	nick := m.Prefix.Name
	mynick := client.CurrentNick()
	if strings.EqualFold(nick, mynick) {
		return
	}

	content := m.Trailing()
	if strings.HasPrefix(content, "\x01") { // CTCP (ACTION, VERSION, ...)
		return
	}

	target := m.Params[0]
	channelName := target
	direct := channels.IsDirect(content, mynick)
	if !isChannelTarget(target) {
		// Queries key the conversation on the peer and always count
		// as addressing us.
		channelName = nick
		direct = true
	}

	c.publish(bus.RoomMessage{
		Arc:     bus.Arc{Server: c.cfg.ServerTag, Channel: channelName},
		Nick:    nick,
		MyNick:  mynick,
		Content: content,
		Direct:  direct,
	})
}

func isChannelTarget(target string) bool {
	return target != "" && (target[0] == '#' || target[0] == '&')
}

// lineBudget is the text budget for one PRIVMSG to target, leaving
// room for the command, the target, and the relayed sender prefix
// inside the 512-byte line limit.
func lineBudget(target string) int {
	budget := maxLineBytes - len("PRIVMSG ") - len(target) - len(" :") - len("\r\n") - prefixAllowance
	if budget < minLineBudget {
		budget = minLineBudget
	}
	return budget
}

// SplitLine cuts a line into pieces of at most budget bytes, never
// inside a rune, preferring a space near the cut.
func SplitLine(line string, budget int) []string {
	if budget <= 0 || len(line) <= budget {
		return []string{line}
	}

	var parts []string
	for len(line) > budget {
		cut := budget
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(line[:cut], ' '); i > budget/2 {
			cut = i
		}
		part := strings.TrimRight(line[:cut], " ")
		if part != "" {
			parts = append(parts, part)
		}
		line = strings.TrimLeft(line[cut:], " ")
	}
	if line != "" {
		parts = append(parts, line)
	}
	return parts
}
