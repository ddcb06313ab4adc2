package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// bridgeClient speaks the JSON POST contract shared by the external
// email and social gateways: POST the op payload, get back
// {ok, result?, error?}.
type bridgeClient struct {
	url    string
	token  string
	client *http.Client
}

func newBridgeClient(url, token string) *bridgeClient {
	return &bridgeClient{url: url, token: token, client: &http.Client{Timeout: 30 * time.Second}}
}

func (b *bridgeClient) configured() bool { return b.url != "" }

func (b *bridgeClient) call(ctx context.Context, op string, payload map[string]interface{}) (string, error) {
	body := map[string]interface{}{"op": op}
	for k, v := range payload {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("bridge: decode: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("bridge: %s", out.Error)
	}
	return out.Result, nil
}

// EmailTool talks to the external mail gateway. Reads are cheap;
// "send" is irreversible and goes through the policy gate and outbox
// before it ever reaches Execute.
type EmailTool struct {
	bridge   *bridgeClient
	contacts ContactLogger
}

func NewEmailTool(bridgeURL, token string) *EmailTool {
	return &EmailTool{bridge: newBridgeClient(bridgeURL, token)}
}

// WithContacts enables interaction logging on successful sends.
func (t *EmailTool) WithContacts(c ContactLogger) *EmailTool {
	t.contacts = c
	return t
}

func (t *EmailTool) Name() string { return "email" }

func (t *EmailTool) Description() string {
	return "Read and send email. Ops: list (recent inbox), read (by id), draft (compose without sending), send."
}

func (t *EmailTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op":      map[string]interface{}{"type": "string", "enum": []string{"list", "read", "draft", "send"}},
			"id":      map[string]interface{}{"type": "string"},
			"to":      map[string]interface{}{"type": "string"},
			"subject": map[string]interface{}{"type": "string"},
			"body":    map[string]interface{}{"type": "string"},
		},
		"required": []string{"op"},
	}
}

func (t *EmailTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	op, _ := args["op"].(string)

	if op == "draft" {
		to, _ := args["to"].(string)
		subject, _ := args["subject"].(string)
		body, _ := args["body"].(string)
		if to == "" || body == "" {
			return ErrorResult("draft needs to and body")
		}
		return NewResult(fmt.Sprintf("Draft ready (not sent):\nTo: %s\nSubject: %s\n\n%s", to, subject, body))
	}

	if !t.bridge.configured() {
		return ErrorResult("email gateway not configured (set bridges.email_url)")
	}

	switch op {
	case "list", "read", "send":
		result, err := t.bridge.call(ctx, op, args)
		if err != nil {
			return ErrorResult(fmt.Sprintf("email %s failed: %v", op, err)).WithError(err)
		}
		if op == "send" {
			if t.contacts != nil {
				if to, _ := args["to"].(string); to != "" {
					if err := t.contacts.Touch(to, "email", "email sent"); err != nil {
						slog.Warn("contact touch", "recipient", to, "error", err)
					}
				}
			}
			return NewResult(result).WithMetadata("irreversible", "true")
		}
		return NewResult(result)
	default:
		return ErrorResult(fmt.Sprintf("unknown email op %q", op))
	}
}

// PostTool publishes to social channels (x, linkedin) through the
// social gateway.
type PostTool struct {
	bridge *bridgeClient
}

func NewPostTool(bridgeURL, token string) *PostTool {
	return &PostTool{bridge: newBridgeClient(bridgeURL, token)}
}

func (t *PostTool) Name() string { return "post" }

func (t *PostTool) Description() string {
	return "Publish a post to a social network. Ops: draft, publish. Network is one of x, linkedin."
}

func (t *PostTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op":      map[string]interface{}{"type": "string", "enum": []string{"draft", "publish"}},
			"network": map[string]interface{}{"type": "string", "enum": []string{"x", "linkedin"}},
			"text":    map[string]interface{}{"type": "string"},
		},
		"required": []string{"op", "network", "text"},
	}
}

func (t *PostTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	op, _ := args["op"].(string)
	network, _ := args["network"].(string)
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return ErrorResult("text is required")
	}

	switch op {
	case "draft":
		return NewResult(fmt.Sprintf("Draft for %s (not published):\n%s", network, text))
	case "publish":
		if !t.bridge.configured() {
			return ErrorResult("social gateway not configured (set bridges.social_url)")
		}
		result, err := t.bridge.call(ctx, "publish", args)
		if err != nil {
			return ErrorResult(fmt.Sprintf("publish to %s failed: %v", network, err)).WithError(err)
		}
		return NewResult(result).WithMetadata("irreversible", "true")
	default:
		return ErrorResult(fmt.Sprintf("unknown post op %q", op))
	}
}
