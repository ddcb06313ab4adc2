package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DirectSender delivers a message to a recipient on a channel. The
// channel manager implements this.
type DirectSender interface {
	SendTo(ctx context.Context, channel, recipient, text string) error
}

// ContactLogger records outreach so the attention pass can surface
// neglected contacts. Implemented by the contact interaction log.
type ContactLogger interface {
	Touch(name, channel, note string) error
}

// MessageTool sends a proactive message on behalf of the principal.
// Irreversible: gated by policy and deduplicated by the outbox.
type MessageTool struct {
	sender   DirectSender
	contacts ContactLogger
}

func NewMessageTool(sender DirectSender) *MessageTool {
	return &MessageTool{sender: sender}
}

// WithContacts enables interaction logging on successful sends.
func (t *MessageTool) WithContacts(c ContactLogger) *MessageTool {
	t.contacts = c
	return t
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to someone on a connected channel (telegram, discord). Op: send."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op":        map[string]interface{}{"type": "string", "enum": []string{"send"}},
			"channel":   map[string]interface{}{"type": "string", "enum": []string{"telegram", "discord"}},
			"recipient": map[string]interface{}{"type": "string", "description": "chat or user id"},
			"text":      map[string]interface{}{"type": "string"},
		},
		"required": []string{"op", "channel", "recipient", "text"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	op, _ := args["op"].(string)
	if op != "send" {
		return ErrorResult(fmt.Sprintf("unknown message op %q", op))
	}
	channel, _ := args["channel"].(string)
	recipient, _ := args["recipient"].(string)
	text, _ := args["text"].(string)
	if channel == "" || recipient == "" || strings.TrimSpace(text) == "" {
		return ErrorResult("send needs channel, recipient, and text")
	}
	if err := t.sender.SendTo(ctx, channel, recipient, text); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err)).WithError(err)
	}
	if t.contacts != nil {
		// Bookkeeping only; the send already happened.
		if err := t.contacts.Touch(recipient, channel, "message sent"); err != nil {
			slog.Warn("contact touch", "recipient", recipient, "error", err)
		}
	}
	return NewResult(fmt.Sprintf("message sent to %s on %s", recipient, channel)).
		WithMetadata("irreversible", "true")
}
