// Package webhook exposes the generic HTTP inbound adapter (the "web"
// channel). Bridges and scripts POST messages here; replies go to an
// optional per-message callback URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/aide/internal/bus"
	"github.com/nextlevelbuilder/aide/internal/channels"
	"github.com/nextlevelbuilder/aide/internal/config"
)

const (
	maxBodyBytes   = 64 << 10
	handlerTimeout = 5 * time.Second
)

type inboundPayload struct {
	SenderID string `json:"sender_id"`
	ChatID   string `json:"chat_id,omitempty"`
	Message  string `json:"message"`
	ReplyTo  string `json:"reply_to,omitempty"` // callback URL for the response
}

// Channel is the HTTP adapter. Inbound requests are acknowledged with
// 202 and processed asynchronously; the agent's reply is POSTed to the
// message's reply_to URL when one was given.
type Channel struct {
	*channels.BaseChannel
	config config.WebhookConfig
	server *http.Server
	client *http.Client

	mu        sync.Mutex
	callbacks map[string]string // chatID → last reply_to URL
}

func New(cfg config.WebhookConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("web", msgBus, nil),
		config:      cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		callbacks:   make(map[string]string),
	}
}

// IsAllowed accepts any sender: the bearer secret authenticates the
// caller, not the allow-list.
func (c *Channel) IsAllowed(string) bool { return true }

func (c *Channel) Start(_ context.Context) error {
	host := c.config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.config.Port
	if port == 0 {
		port = 18801
	}
	if c.config.Secret == "" {
		return fmt.Errorf("webhook enabled without a secret")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", c.handleInbound)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c.server = &http.Server{
		Addr:         addr,
		Handler:      http.TimeoutHandler(mux, handlerTimeout, "request timed out"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	c.SetRunning(true)
	slog.Info("webhook listening", "addr", addr)

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server stopped", "error", err)
		}
	}()
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *Channel) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.config.Secret)) == 1
}

func (c *Channel) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		slog.Warn("dropping message from unauthorized sender", "channel", "web", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload inboundPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if payload.SenderID == "" || strings.TrimSpace(payload.Message) == "" {
		http.Error(w, "sender_id and message are required", http.StatusBadRequest)
		return
	}
	chatID := payload.ChatID
	if chatID == "" {
		chatID = payload.SenderID
	}

	if payload.ReplyTo != "" {
		c.mu.Lock()
		c.callbacks[chatID] = payload.ReplyTo
		c.mu.Unlock()
	}

	text := payload.Message
	if fields := strings.Fields(text); len(fields) > 0 {
		if cmd := strings.ToLower(fields[0]); cmd == "/stop" || cmd == "/cancel" {
			text = "cancel"
		}
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:  "web",
		SenderID: payload.SenderID,
		ChatID:   chatID,
		UserID:   payload.SenderID,
		Content:  text,
	})

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// Send POSTs the reply to the chat's registered callback URL. A chat
// that never supplied reply_to gets its replies dropped with a log.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	callback := c.callbacks[msg.ChatID]
	c.mu.Unlock()
	if callback == "" {
		slog.Warn("web reply dropped, no callback registered", "chat", msg.ChatID)
		return nil
	}

	body, err := json.Marshal(map[string]string{"chat_id": msg.ChatID, "content": msg.Content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("web callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("web callback returned %s", resp.Status)
	}
	return nil
}
