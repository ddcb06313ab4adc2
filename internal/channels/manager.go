package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/aide/internal/bus"
)

// Manager owns the channel adapters: it starts and stops them together
// and pumps the outbound bus lane to the right adapter.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{channels: make(map[string]Channel), bus: msgBus}
}

func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, n)
	}
	return names
}

// StartAll starts every adapter. A channel that fails to start is
// reported but does not block the others.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.channels {
		if err := c.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", name, "error", err)
			continue
		}
		slog.Info("channel started", "channel", name)
	}
}

// StopAll shuts every adapter down.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.channels {
		if err := c.Stop(ctx); err != nil {
			slog.Warn("channel stop", "channel", name, "error", err)
		}
	}
}

// RunOutbound pumps the bus's outbound lane into the adapters until the
// context ends. Run it as a goroutine next to StartAll.
func (m *Manager) RunOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		c, found := m.Get(msg.Channel)
		if !found {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if err := c.Send(ctx, msg); err != nil {
			slog.Error("outbound delivery failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		}
	}
}

// SendTo delivers a message directly, bypassing the bus. This is the
// path tools use, so the error surfaces to the caller.
func (m *Manager) SendTo(ctx context.Context, channel, recipient, text string) error {
	c, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel: %s", channel)
	}
	return c.Send(ctx, bus.OutboundMessage{Channel: channel, ChatID: recipient, Content: text})
}
