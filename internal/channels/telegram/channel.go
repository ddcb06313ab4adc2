// Package telegram connects the agent to Telegram via Bot API long
// polling. Telegram is the primary transport: notifications, reminders,
// and task reports default to the owner chat here.
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

	"github.com/nextlevelbuilder/aide/internal/bus"
	"github.com/nextlevelbuilder/aide/internal/channels"
	"github.com/nextlevelbuilder/aide/internal/config"
	"github.com/nextlevelbuilder/aide/internal/notify"
)

// Channel is the Telegram adapter, long polling for updates.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	limiter    *channels.RateLimiter
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		limiter:     channels.NewRateLimiter(cfg.RateRPM),
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram connected", "username", c.bot.Username())

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

// Stop cancels the polling context and waits for the poll goroutine, so
// Telegram releases the getUpdates lock before a new instance starts.
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

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !c.IsAllowed(senderID) && !c.IsAllowed(msg.From.Username) {
		slog.Warn("dropping message from unauthorized sender", "channel", "telegram", "sender", senderID)
		return
	}

	text := msg.Text
	if fields := strings.Fields(text); len(fields) > 0 {
		if cmd := strings.ToLower(fields[0]); cmd == "/stop" || cmd == "/cancel" {
			text = "cancel"
		}
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: senderID,
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		UserID:   senderID,
		Content:  text,
		Metadata: map[string]string{"message_id": strconv.Itoa(msg.MessageID)},
	})
}

// Send delivers an outbound message, chunked at the Telegram limit and
// throttled per chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	for _, chunk := range notify.SplitChunks(msg.Content, notify.TelegramChunkLimit) {
		if err := c.limiter.Wait(ctx, msg.ChatID); err != nil {
			return err
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// NotifySender returns a notify.SendFunc targeting the owner chat.
func (c *Channel) NotifySender() notify.SendFunc {
	owner := c.config.OwnerChat
	return func(ctx context.Context, text string) error {
		if owner == "" {
			return fmt.Errorf("telegram owner_chat not configured")
		}
		return c.Send(ctx, bus.OutboundMessage{Channel: "telegram", ChatID: owner, Content: text})
	}
}
