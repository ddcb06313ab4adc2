package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxToolSteps:    8,
			TimeoutSeconds:  60,
			RetryAttempts:   3,
			IntentThreshold: 0.6,
			MaxMessageChars: 32000,
		},
		Models: ModelsConfig{
			Default:  "claude-sonnet-4-5-20250929",
			Subagent: "claude-haiku-4-5-20251001",
			Chat:     "gpt-4o-mini",
			Intent:   "gpt-4o-mini",
		},
		Memory: MemoryConfig{
			EmbeddingModel:  "local-hash-v1",
			RetentionDays:   30,
			ContextTurns:    5,
			DriftWindow:     10,
			DriftThreshold:  0.5,
			BrainBudget:     1600,
			PrincipleBudget: 1200,
			HistoryTurns:    20,
		},
		Scheduler: SchedulerConfig{
			Timezone:      "UTC",
			DigestTime:    "08:30",
			AttentionCron: "0 7-21/6 * * *",
			PatternsCron:  "0 */12 * * *",
		},
		Tasks: TasksConfig{
			PollSeconds:     15,
			GraceSeconds:    10,
			NotifyChunkSize: 3800,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{RateRPM: 20},
			Webhook:  WebhookConfig{Host: "127.0.0.1", Port: 18801},
		},
		Update: UpdateConfig{
			RepoDir: ".",
			EnvFile: ".env",
		},
		Telemetry: TelemetryConfig{ServiceName: "aide"},
		DataDir:   "data",
	}
}

// Load reads `.env`, then the JSON5 config file, then overlays env vars.
// Env vars win over file values; secrets come from env only.
func Load(path string) (*Config, error) {
	// Best-effort: a missing .env is normal in production.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config. Env wins.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Credentials (env only)
	envStr("AIDE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("AIDE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("AIDE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("AIDE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("AIDE_WEBHOOK_SECRET", &c.Channels.Webhook.Secret)
	envStr("AIDE_WHATSAPP_TOKEN", &c.Channels.WhatsApp.Token)
	envStr("AIDE_EMAIL_BRIDGE_TOKEN", &c.Bridges.EmailToken)
	envStr("AIDE_SOCIAL_BRIDGE_TOKEN", &c.Bridges.SocialToken)

	// Auto-enable channels when credentials arrive via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	// Model tiers
	envStr("AIDE_MODEL_DEFAULT", &c.Models.Default)
	envStr("AIDE_MODEL_SUBAGENT", &c.Models.Subagent)
	envStr("AIDE_MODEL_CHAT", &c.Models.Chat)
	envStr("AIDE_MODEL_INTENT", &c.Models.Intent)
	envStr("AIDE_MODEL_FALLBACK", &c.Models.Fallback)

	// Paths & scheduling
	envStr("AIDE_DATA_DIR", &c.DataDir)
	envStr("AIDE_LOG_FILE", &c.LogFile)
	envStr("AIDE_TIMEZONE", &c.Scheduler.Timezone)
	envStr("AIDE_DIGEST_TIME", &c.Scheduler.DigestTime)
	envStr("AIDE_OWNER_CHAT", &c.Channels.Telegram.OwnerChat)

	if v := os.Getenv("AIDE_MAX_TOOL_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.MaxToolSteps = n
		}
	}
	if v := os.Getenv("AIDE_TOOL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("AIDE_STRICT_APPROVAL"); v == "true" || v == "1" {
		c.Agent.StrictApproval = true
	}
	if v := os.Getenv("AIDE_AUTO_UPDATE"); v == "true" || v == "1" {
		c.Update.Enabled = true
	}
	if v := os.Getenv("AIDE_SELF_BUILD"); v == "true" || v == "1" {
		c.Agent.SelfBuildMode = true
	}
}

// Validate rejects configs that cannot boot. A missing LLM key or an
// unusable data dir is an unrecoverable boot failure (non-zero exit).
func (c *Config) Validate() error {
	if c.Providers.Anthropic.APIKey == "" && c.Providers.OpenAI.APIKey == "" {
		return errors.New("no LLM API key configured (set AIDE_ANTHROPIC_API_KEY or AIDE_OPENAI_API_KEY)")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir unusable: %w", err)
	}
	return nil
}
