package bus

import "context"

// InboundMessage represents a message received from a channel
// (Telegram, Discord, webhook, ...).
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	UserID   string            `json:"user_id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the conversation pipeline.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
