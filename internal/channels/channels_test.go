package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aide/internal/bus"
)

func TestAllowListMatchesIDAndUsername(t *testing.T) {
	c := NewBaseChannel("telegram", bus.NewMessageBus(), []string{"12345", "@alice"})

	if !c.IsAllowed("12345") {
		t.Error("numeric id should be allowed")
	}
	if !c.IsAllowed("alice") {
		t.Error("@username entry should match the bare username")
	}
	if c.IsAllowed("99999") {
		t.Error("unknown id should be rejected")
	}
}

func TestEmptyAllowListRejectsEveryone(t *testing.T) {
	c := NewBaseChannel("telegram", bus.NewMessageBus(), nil)
	if c.IsAllowed("12345") {
		t.Error("empty allow-list must reject everyone")
	}
}

func TestHandleMessageDropsUnauthorized(t *testing.T) {
	msgBus := bus.NewMessageBus()
	c := NewBaseChannel("telegram", msgBus, []string{"12345"})

	c.HandleMessage("intruder", "chat1", "hello", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Fatal("unauthorized message must not reach the bus")
	}
}

func TestHandleMessagePublishesAuthorized(t *testing.T) {
	msgBus := bus.NewMessageBus()
	c := NewBaseChannel("telegram", msgBus, []string{"12345"})

	c.HandleMessage("12345", "chat1", "hello", map[string]string{"message_id": "7"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a published message")
	}
	if msg.Channel != "telegram" || msg.SenderID != "12345" || msg.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Metadata["message_id"] != "7" {
		t.Errorf("metadata not carried: %+v", msg.Metadata)
	}
}

type fakeChannel struct {
	*BaseChannel
	sent []bus.OutboundMessage
}

func (f *fakeChannel) Start(context.Context) error { return nil }
func (f *fakeChannel) Stop(context.Context) error  { return nil }
func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func TestManagerRoutesOutbound(t *testing.T) {
	msgBus := bus.NewMessageBus()
	mgr := NewManager(msgBus)
	fake := &fakeChannel{BaseChannel: NewBaseChannel("telegram", msgBus, nil)}
	mgr.Register(fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.RunOutbound(ctx)
		close(done)
	}()

	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "missing", ChatID: "42", Content: "dropped"})

	deadline := time.After(2 * time.Second)
	for len(fake.sent) == 0 {
		select {
		case <-deadline:
			t.Fatal("outbound message never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if fake.sent[0].ChatID != "42" || fake.sent[0].Content != "hi" {
		t.Errorf("unexpected delivery: %+v", fake.sent[0])
	}
}

func TestManagerSendToUnknownChannel(t *testing.T) {
	mgr := NewManager(bus.NewMessageBus())
	if err := mgr.SendTo(context.Background(), "nowhere", "42", "hi"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestRateLimiterAllowsBurst(t *testing.T) {
	rl := NewRateLimiter(600) // 10/s, burst 5

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := rl.Wait(ctx, "chat1"); err != nil {
			t.Fatalf("burst send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("burst should not block, took %s", elapsed)
	}
}

func TestRateLimiterIsPerChat(t *testing.T) {
	rl := NewRateLimiter(60)
	a := rl.limiterFor("a")
	b := rl.limiterFor("b")
	if a == b {
		t.Error("chats must get independent limiters")
	}
	if again := rl.limiterFor("a"); again != a {
		t.Error("same chat must reuse its limiter")
	}
}
