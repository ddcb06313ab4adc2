// Package discord connects the agent to Discord over the gateway
// websocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/aide/internal/bus"
	"github.com/nextlevelbuilder/aide/internal/channels"
	"github.com/nextlevelbuilder/aide/internal/config"
	"github.com/nextlevelbuilder/aide/internal/notify"
)

// discordChunkLimit is Discord's hard message size.
const discordChunkLimit = 2000

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	botID   string
}

func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
	}, nil
}

func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	me, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord identity: %w", err)
	}
	c.botID = me.ID
	c.SetRunning(true)
	slog.Info("discord connected", "bot", me.Username)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botID || m.Content == "" {
		return
	}
	if !c.IsAllowed(m.Author.ID) && !c.IsAllowed(m.Author.Username) {
		slog.Warn("dropping message from unauthorized sender", "channel", "discord", "sender", m.Author.ID)
		return
	}

	text := m.Content
	if fields := strings.Fields(text); len(fields) > 0 {
		if cmd := strings.ToLower(fields[0]); cmd == "/stop" || cmd == "/cancel" {
			text = "cancel"
		}
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:  "discord",
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		UserID:   m.Author.ID,
		Content:  text,
		Metadata: map[string]string{"message_id": m.ID},
	})
}

// Send delivers an outbound message, chunked at the Discord limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	for _, chunk := range notify.SplitChunks(msg.Content, discordChunkLimit) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
