package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aide/internal/bus"
	"github.com/nextlevelbuilder/aide/internal/config"
)

func newTestChannel() (*Channel, *bus.MessageBus) {
	msgBus := bus.NewMessageBus()
	c := New(config.WebhookConfig{Secret: "s3cret"}, msgBus)
	return c, msgBus
}

func post(c *Channel, token string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.handleInbound(rec, req)
	return rec
}

func TestInboundRequiresBearerSecret(t *testing.T) {
	c, msgBus := newTestChannel()

	rec := post(c, "wrong", inboundPayload{SenderID: "u1", Message: "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d, want 401", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Fatal("unauthorized request must not publish")
	}
}

func TestInboundAcceptsAndPublishes(t *testing.T) {
	c, msgBus := newTestChannel()

	rec := post(c, "s3cret", inboundPayload{SenderID: "u1", Message: "what's on today?"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a published message")
	}
	if msg.Channel != "web" || msg.SenderID != "u1" || msg.Content != "what's on today?" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.ChatID != "u1" {
		t.Errorf("chat id should default to sender, got %q", msg.ChatID)
	}
}

func TestInboundRejectsEmptyMessage(t *testing.T) {
	c, _ := newTestChannel()
	if rec := post(c, "s3cret", inboundPayload{SenderID: "u1", Message: "  "}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank message: got %d, want 400", rec.Code)
	}
	if rec := post(c, "s3cret", inboundPayload{Message: "hi"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing sender: got %d, want 400", rec.Code)
	}
}

func TestStopCommandRewrittenToCancel(t *testing.T) {
	c, msgBus := newTestChannel()
	post(c, "s3cret", inboundPayload{SenderID: "u1", Message: "/stop"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a published message")
	}
	if msg.Content != "cancel" {
		t.Errorf("got %q, want \"cancel\"", msg.Content)
	}
}

func TestReplyGoesToCallback(t *testing.T) {
	var got string
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
	}))
	defer callback.Close()

	c, _ := newTestChannel()
	post(c, "s3cret", inboundPayload{SenderID: "u1", Message: "hi", ReplyTo: callback.URL})

	err := c.Send(context.Background(), bus.OutboundMessage{Channel: "web", ChatID: "u1", Content: "hello back"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(got, "hello back") {
		t.Errorf("callback body %q missing reply", got)
	}
}

func TestReplyWithoutCallbackIsDropped(t *testing.T) {
	c, _ := newTestChannel()
	err := c.Send(context.Background(), bus.OutboundMessage{Channel: "web", ChatID: "stranger", Content: "hi"})
	if err != nil {
		t.Errorf("missing callback should drop silently, got %v", err)
	}
}
