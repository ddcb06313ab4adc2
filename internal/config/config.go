package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration for the aide gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Models    ModelsConfig    `json:"models"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Bridges   BridgesConfig   `json:"bridges,omitempty"`
	Memory    MemoryConfig    `json:"memory"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tasks     TasksConfig     `json:"tasks"`
	Update    UpdateConfig    `json:"update,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// DataDir is the root for all persisted state (reminders, outbox,
	// working memory, brain backup, vector collections, task reports).
	DataDir string `json:"data_dir"`

	// LogFile receives the structured log stream in addition to stderr.
	// The daily digest parses it for activity counts.
	LogFile string `json:"log_file,omitempty"`
}

// AgentConfig holds per-turn execution settings.
type AgentConfig struct {
	MaxToolSteps    int     `json:"max_tool_steps"`              // tool-loop bound per turn (default 8)
	TimeoutSeconds  int     `json:"timeout_seconds"`             // per-tool timeout (default 60)
	RetryAttempts   int     `json:"retry_attempts"`              // subtask retry budget (default 3)
	IntentThreshold float64 `json:"intent_threshold"`            // escalate below this confidence (default 0.6)
	StrictApproval  bool    `json:"strict_approval,omitempty"`   // block irreversible calls without approval token
	SelfBuildMode   bool    `json:"self_build_mode,omitempty"`   // record unmet capabilities to the backlog
	Persona         string  `json:"persona,omitempty"`           // extra system prompt describing the principal
	MaxMessageChars int     `json:"max_message_chars,omitempty"` // inbound message size cap (default 32000)
}

// ModelsConfig names the model per tier. The router resolves tier → provider
// by prefix convention (claude-* → anthropic, everything else → openai-compat).
type ModelsConfig struct {
	Default  string `json:"default"`            // big model: final replies, escalated intents
	Subagent string `json:"subagent"`           // medium: task subtask execution
	Chat     string `json:"chat"`               // small: self-assessment, hints, critic
	Intent   string `json:"intent"`             // small: intent classification, decomposition
	Fallback string `json:"fallback,omitempty"` // used when the primary tier errors transiently
}

// ProvidersConfig holds LLM provider credentials. Secrets come from env only.
type ProvidersConfig struct {
	Anthropic ProviderCreds `json:"anthropic,omitempty"`
	OpenAI    ProviderCreds `json:"openai,omitempty"`
}

// ProviderCreds are per-provider connection settings.
type ProviderCreds struct {
	APIKey  string `json:"-"` // env only, never persisted
	BaseURL string `json:"base_url,omitempty"`
}

// ChannelsConfig configures the transport adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
}

// TelegramConfig configures the Telegram bot channel. This is also the
// default notifier transport for reminders, digests, and task reports.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"-"` // env AIDE_TELEGRAM_TOKEN only
	AllowFrom []string `json:"allow_from,omitempty"` // chat IDs / usernames allowed to talk to the agent
	OwnerChat string   `json:"owner_chat,omitempty"` // delivery target for notifications
	RateRPM   int      `json:"rate_rpm,omitempty"`   // outbound per-chat rate limit (default 20)
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"-"` // env AIDE_DISCORD_TOKEN only
	AllowFrom []string `json:"allow_from,omitempty"`
}

// WebhookConfig configures the generic HTTP inbound adapter (the "web"
// channel). Handlers respond within 5 s; processing is spawned async.
type WebhookConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"` // default 127.0.0.1
	Port    int    `json:"port,omitempty"` // default 18801
	Secret  string `json:"-"`              // env AIDE_WEBHOOK_SECRET only
}

// WhatsAppConfig configures the condensed-report side channel. Delivery goes
// through an external provider webhook (the adapter itself is out of scope).
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	NotifyURL string `json:"notify_url,omitempty"` // provider endpoint for condensed task reports
	Token     string `json:"-"`                    // env AIDE_WHATSAPP_TOKEN only
}

// BridgesConfig points the email and social tools at their external
// gateways. The gateways themselves (IMAP/SMTP, LinkedIn, X) live
// outside this process; the tools speak a small JSON POST contract.
type BridgesConfig struct {
	EmailURL    string `json:"email_url,omitempty"`
	EmailToken  string `json:"-"` // env AIDE_EMAIL_BRIDGE_TOKEN only
	SocialURL   string `json:"social_url,omitempty"`
	SocialToken string `json:"-"` // env AIDE_SOCIAL_BRIDGE_TOKEN only
}

// MemoryConfig configures the layered memory subsystem.
type MemoryConfig struct {
	EmbeddingModel  string  `json:"embedding_model,omitempty"`  // pinned per collection (default "local-hash-v1")
	RetentionDays   int     `json:"retention_days,omitempty"`   // turn retention before consolidation (default 30)
	ContextTurns    int     `json:"context_turns,omitempty"`    // per-channel top-k for context assembly (default 5)
	DriftWindow     int     `json:"drift_window,omitempty"`     // turns inspected by the drift detector (default 10)
	DriftThreshold  float64 `json:"drift_threshold,omitempty"`  // flag above this fallback share (default 0.5)
	BrainBudget     int     `json:"brain_budget,omitempty"`     // brain context char budget (default 1600)
	PrincipleBudget int     `json:"principle_budget,omitempty"` // principles char budget (default 1200)
	HistoryTurns    int     `json:"history_turns,omitempty"`    // conversation window in turns (default 20)
}

// SchedulerConfig configures the background loop fleet.
type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`       // IANA zone for reminders, digest, attention (default UTC)
	DigestTime    string `json:"digest_time,omitempty"`    // "HH:MM" local (default "08:30")
	AttentionCron string `json:"attention_cron,omitempty"` // default "0 7-21/6 * * *"
	PatternsCron  string `json:"patterns_cron,omitempty"`  // default "0 */12 * * *"
}

// TasksConfig configures the autonomous task runner.
type TasksConfig struct {
	PollSeconds     int `json:"poll_seconds,omitempty"`      // queue poll interval (default 15)
	GraceSeconds    int `json:"grace_seconds,omitempty"`     // cancel window before irreversible subtasks (default 10)
	NotifyChunkSize int `json:"notify_chunk_size,omitempty"` // report chunk size (default 3800)
}

// UpdateConfig configures the auto-update / self-healing cycle.
type UpdateConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	SecurityOnly bool   `json:"security_only,omitempty"`
	AutoRestart  bool   `json:"auto_restart,omitempty"`
	RepoDir      string `json:"repo_dir,omitempty"` // source checkout to keep current (default ".")
	EnvFile      string `json:"env_file,omitempty"` // watched for mtime changes (default ".env")
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // e.g. "localhost:4318"
	Insecure    bool   `json:"insecure,omitempty"`     // skip TLS (local collectors)
	ServiceName string `json:"service_name,omitempty"` // default "aide"
}

// ToolTimeout returns the per-tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	if c.Agent.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone != "" {
		if loc, err := time.LoadLocation(c.Scheduler.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// DataPath joins a relative state-file name onto the data root.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}
