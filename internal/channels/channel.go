// Package channels connects the transports (Telegram, Discord, the
// generic webhook) to the agent via the message bus. Each adapter
// authorizes inbound identities against its allow-list before anything
// reaches the pipeline.
package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/aide/internal/bus"
)

// Channel is one transport adapter.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord", "web").
	Name() string

	// Start begins receiving. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsAllowed checks the sender against the channel's allow-list.
	IsAllowed(senderID string) bool
}

// BaseChannel carries the shared plumbing. Adapters embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string
	running   bool
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowList: allowList}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

func (c *BaseChannel) IsRunning() bool { return c.running }

func (c *BaseChannel) SetRunning(r bool) { c.running = r }

// IsAllowed checks the allow-list. Entries match on the raw id or a
// "@username"; an empty allow-list rejects everyone, because an agent
// with this much reach must never default open.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return false
	}
	for _, allowed := range c.allowList {
		if senderID == allowed || senderID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// HandleMessage authorizes the sender and publishes to the bus.
// Unauthorized identities are dropped silently with a warning log.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, metadata map[string]string) {
	if !c.IsAllowed(senderID) {
		slog.Warn("dropping message from unauthorized sender", "channel", c.name, "sender", senderID)
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		UserID:   senderID,
		Content:  content,
		Metadata: metadata,
	})
}
