// Package whatsapp posts condensed task reports to an external
// WhatsApp provider webhook. It is a one-way side channel, not a full
// transport adapter.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/aide/internal/config"
	"github.com/nextlevelbuilder/aide/internal/notify"
)

// Sender returns a notify.SendFunc that POSTs text to the configured
// provider endpoint, or nil when the channel is disabled.
func Sender(cfg config.WhatsAppConfig) notify.SendFunc {
	if !cfg.Enabled || cfg.NotifyURL == "" {
		return nil
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, text string) error {
		body, err := json.Marshal(map[string]string{"message": text})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.NotifyURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("whatsapp notify: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("whatsapp notify returned %s", resp.Status)
		}
		return nil
	}
}
