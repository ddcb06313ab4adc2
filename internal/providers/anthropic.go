package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewAnthropicProvider(apiKey, apiBase, defaultModel string) *AnthropicProvider {
	if apiBase == "" {
		apiBase = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/messages", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("anthropic: request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &APIError{Provider: "anthropic", Status: resp.StatusCode, Body: string(raw)}
		}

		var aResp anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return p.parseResponse(model, &aResp), nil
	})
}

// buildRequestBody converts the neutral request into Messages-API shape:
// system prompt is a top-level field, tool results are user-role blocks.
func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest) map[string]interface{} {
	var system string
	var messages []map[string]interface{}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case "assistant":
			if len(m.ToolCalls) > 0 {
				var blocks []map[string]interface{}
				if m.Content != "" {
					blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
				}
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, map[string]interface{}{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  tc.Name,
						"input": tc.Arguments,
					})
				}
				messages = append(messages, map[string]interface{}{"role": "assistant", "content": blocks})
			} else {
				messages = append(messages, map[string]interface{}{"role": "assistant", "content": m.Content})
			}
		default:
			messages = append(messages, map[string]interface{}{"role": "user", "content": m.Content})
		}
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if system != "" {
		body["system"] = system
	}

	maxTokens := 8192
	if v, ok := req.Options["max_tokens"].(int); ok && v > 0 {
		maxTokens = v
	}
	body["max_tokens"] = maxTokens
	if v, ok := req.Options["temperature"].(float64); ok {
		body["temperature"] = v
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

type anthropicResponse struct {
	Content []struct {
		Type  string                 `json:"type"`
		Text  string                 `json:"text,omitempty"`
		ID    string                 `json:"id,omitempty"`
		Name  string                 `json:"name,omitempty"`
		Input map[string]interface{} `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) parseResponse(model string, resp *anthropicResponse) *ChatResponse {
	out := &ChatResponse{FinishReason: "stop", Model: model}
	if resp.StopReason == "tool_use" {
		out.FinishReason = "tool_calls"
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]interface{}{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = text.String()
	return out
}
