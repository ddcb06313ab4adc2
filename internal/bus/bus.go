package bus

import (
	"context"
	"log/slog"
)

const queueDepth = 256

// MessageBus is the in-process router between channels and the agent runtime.
// Inbound and outbound lanes are independent buffered queues; publishing never
// blocks the caller (messages are dropped with an error log when a queue is
// saturated, which only happens if a consumer has died).
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

var _ MessageRouter = (*MessageBus)(nil)

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
	}
}

// PublishInbound queues a message from a channel toward the agent.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Error("bus: inbound queue full, dropping message",
			"channel", msg.Channel, "chat", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
// The second return is false when the context was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a message for delivery to a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Error("bus: outbound queue full, dropping message",
			"channel", msg.Channel, "chat", msg.ChatID)
	}
}

// ConsumeOutbound blocks until an outbound message arrives or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}
