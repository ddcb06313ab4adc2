package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/aide/internal/config"
)

// Tier names a model slot from config. Heavier reasoning goes through
// the default tier, background work through subagent, quick formatting
// through chat, and classification through intent.
type Tier string

const (
	TierDefault  Tier = "default"
	TierSubagent Tier = "subagent"
	TierChat     Tier = "chat"
	TierIntent   Tier = "intent"
)

// Router resolves a tier to a model and dispatches the call to the
// provider that serves that model. On transient failure of the resolved
// model it retries once on the configured fallback.
type Router struct {
	models    config.ModelsConfig
	anthropic Provider
	openai    Provider
}

func NewRouter(cfg *config.Config) (*Router, error) {
	r := &Router{models: cfg.Models}

	if creds := cfg.Providers.Anthropic; creds.APIKey != "" {
		r.anthropic = NewAnthropicProvider(creds.APIKey, creds.BaseURL, cfg.Models.Default)
	}
	if creds := cfg.Providers.OpenAI; creds.APIKey != "" {
		r.openai = NewOpenAIProvider(creds.APIKey, creds.BaseURL, cfg.Models.Chat)
	}
	if r.anthropic == nil && r.openai == nil {
		return nil, fmt.Errorf("no provider configured: set AIDE_ANTHROPIC_API_KEY or AIDE_OPENAI_API_KEY")
	}
	return r, nil
}

// Model returns the model name configured for a tier.
func (r *Router) Model(tier Tier) string {
	var m string
	switch tier {
	case TierSubagent:
		m = r.models.Subagent
	case TierChat:
		m = r.models.Chat
	case TierIntent:
		m = r.models.Intent
	default:
		m = r.models.Default
	}
	if m == "" {
		m = r.models.Default
	}
	return m
}

// providerFor picks the provider serving a model name. Claude models go
// to Anthropic; everything else is assumed OpenAI-compatible.
func (r *Router) providerFor(model string) (Provider, error) {
	if strings.HasPrefix(model, "claude") {
		if r.anthropic == nil {
			return nil, fmt.Errorf("model %q needs an anthropic key", model)
		}
		return r.anthropic, nil
	}
	if r.openai == nil {
		// A single-key anthropic setup still serves every tier.
		if r.anthropic != nil {
			return r.anthropic, nil
		}
		return nil, fmt.Errorf("model %q needs an openai key", model)
	}
	return r.openai, nil
}

// ChatTier resolves the tier's model and sends the request. The response
// carries the model that actually served it so callers can track drift.
func (r *Router) ChatTier(ctx context.Context, tier Tier, req ChatRequest) (*ChatResponse, error) {
	model := r.Model(tier)
	if req.Model == "" {
		req.Model = model
	}

	// No-op unless telemetry installed a real tracer provider.
	ctx, span := otel.Tracer("aide/providers").Start(ctx, "llm.chat")
	span.SetAttributes(attribute.String("tier", string(tier)), attribute.String("model", req.Model))
	defer span.End()

	provider, err := r.providerFor(req.Model)
	if err != nil {
		return nil, err
	}

	resp, err := provider.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !IsTransient(err) || r.models.Fallback == "" || r.models.Fallback == req.Model {
		return nil, err
	}

	slog.Warn("model unavailable, trying fallback",
		"model", req.Model, "fallback", r.models.Fallback, "error", err)

	fbProvider, fbErr := r.providerFor(r.models.Fallback)
	if fbErr != nil {
		return nil, err
	}
	req.Model = r.models.Fallback
	resp, fbErr = fbProvider.Chat(ctx, req)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback %s also failed: %w", r.models.Fallback, fbErr)
	}
	return resp, nil
}

// Chat sends on the default tier.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return r.ChatTier(ctx, TierDefault, req)
}
