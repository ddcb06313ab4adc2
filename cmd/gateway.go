package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/aide/internal/agent"
	"github.com/nextlevelbuilder/aide/internal/attention"
	"github.com/nextlevelbuilder/aide/internal/backlog"
	"github.com/nextlevelbuilder/aide/internal/bus"
	"github.com/nextlevelbuilder/aide/internal/channels"
	"github.com/nextlevelbuilder/aide/internal/channels/discord"
	"github.com/nextlevelbuilder/aide/internal/channels/telegram"
	"github.com/nextlevelbuilder/aide/internal/channels/webhook"
	"github.com/nextlevelbuilder/aide/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/aide/internal/config"
	"github.com/nextlevelbuilder/aide/internal/contacts"
	"github.com/nextlevelbuilder/aide/internal/digest"
	"github.com/nextlevelbuilder/aide/internal/memory"
	"github.com/nextlevelbuilder/aide/internal/notify"
	"github.com/nextlevelbuilder/aide/internal/outbox"
	"github.com/nextlevelbuilder/aide/internal/patterns"
	"github.com/nextlevelbuilder/aide/internal/policy"
	"github.com/nextlevelbuilder/aide/internal/providers"
	"github.com/nextlevelbuilder/aide/internal/reminders"
	"github.com/nextlevelbuilder/aide/internal/selfheal"
	"github.com/nextlevelbuilder/aide/internal/tasks"
	"github.com/nextlevelbuilder/aide/internal/telemetry"
	"github.com/nextlevelbuilder/aide/internal/tools"
	"github.com/nextlevelbuilder/aide/internal/workingmem"
)

const dedupeTTL = 10 * time.Minute

func runGateway() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	counter := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	// Memory
	brain, err := memory.Open(ctx, cfg.Memory,
		cfg.DataPath("brain.db"), cfg.DataPath("brain_backup.jsonl"), buildEmbedder(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, "memory:", err)
		os.Exit(1)
	}
	defer brain.Close()
	wm := workingmem.New(cfg.DataPath("working_memory.json"))

	// Providers
	router, err := providers.NewRouter(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "providers:", err)
		os.Exit(1)
	}

	// Policy, dedupe, failure bookkeeping
	gate := policy.NewGate(cfg.Agent.StrictApproval)
	ob := outbox.New(cfg.DataPath("outbox.json"))
	dlq := outbox.NewDeadLetter(cfg.DataPath("dead_letter_queue.json"))

	// Channels
	msgBus := bus.NewMessageBus()
	chanMgr := channels.NewManager(msgBus)
	var notifier notify.Notifier = notify.Discard{}
	var primarySend notify.SendFunc = noTransport

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			fmt.Fprintln(os.Stderr, "telegram:", err)
			os.Exit(1)
		}
		chanMgr.Register(tg)
		if cfg.Channels.Telegram.OwnerChat != "" {
			primarySend = tg.NotifySender()
			notifier = notify.NewChunked(primarySend, notify.TelegramChunkLimit)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			fmt.Fprintln(os.Stderr, "discord:", err)
			os.Exit(1)
		}
		chanMgr.Register(dc)
	}
	if cfg.Channels.Webhook.Enabled {
		chanMgr.Register(webhook.New(cfg.Channels.Webhook, msgBus))
	}

	loc := cfg.Location()

	// Reminders deliver over the primary transport; failures feed the
	// dead letter queue inside the store.
	remStore := reminders.NewStore(cfg.DataPath("reminders.json"), primarySend, dlq, loc)

	// Background task state
	queue := tasks.NewQueue(cfg.DataPath("task_queue.json"))
	episodes := tasks.NewEpisodes(cfg.DataPath("task_episodes.json"))
	templates := tasks.NewTemplates(cfg.DataPath("task_templates.json"))
	contactLog := contacts.NewLog(cfg.DataPath("contact_interactions.json"))

	// Tools
	registry := tools.NewRegistry(cfg.ToolTimeout())
	registry.Register(tools.NewCalendarTool(cfg.DataPath("calendar.json"), loc))
	registry.Register(tools.NewRemindTool(remStore, loc).WithTimezone(wm))
	registry.Register(tools.NewEmailTool(cfg.Bridges.EmailURL, cfg.Bridges.EmailToken).WithContacts(contactLog))
	registry.Register(tools.NewPostTool(cfg.Bridges.SocialURL, cfg.Bridges.SocialToken))
	registry.Register(tools.NewMessageTool(chanMgr).WithContacts(contactLog))
	registry.Register(tools.NewMemoryQueryTool(brain))
	registry.Register(tools.NewMemoryStoreTool(brain))
	registry.Register(tools.NewTaskTool(queue))
	registry.Register(tools.NewExecTool(cfg.DataDir, cfg.ToolTimeout()))
	registry.Register(tools.NewWebFetchTool())
	registry.Register(tools.NewWebSearchTool())

	// Conversation pipeline
	var capBacklog *backlog.Backlog
	if cfg.Agent.SelfBuildMode {
		capBacklog = backlog.New(cfg.DataPath("capability_backlog.json"))
	}
	mgr := agent.NewManager(agent.Deps{
		LLM:             router,
		Brain:           brain,
		Working:         wm,
		Gate:            gate,
		Outbox:          ob,
		DLQ:             dlq,
		Registry:        registry,
		Principles:      loadPrinciples(cfg),
		Backlog:         capBacklog,
		MaxToolSteps:    cfg.Agent.MaxToolSteps,
		IntentThreshold: cfg.Agent.IntentThreshold,
		BrainBudget:     cfg.Memory.BrainBudget,
		PrincipleBudget: cfg.Memory.PrincipleBudget,
		HistoryTurns:    cfg.Memory.HistoryTurns,
	})
	dispatcher := agent.NewDispatcher(mgr)

	// Background fleet
	runner := tasks.NewRunner(tasks.Deps{
		Queue:      queue,
		Episodes:   episodes,
		Templates:  templates,
		LLM:        router,
		Registry:   registry,
		Gate:       gate,
		Outbox:     ob,
		DLQ:        dlq,
		Notifier:   notifier,
		WhatsApp:   whatsapp.Sender(cfg.Channels.WhatsApp),
		TaskDir:    cfg.DataPath("tasks"),
		Poll:       time.Duration(cfg.Tasks.PollSeconds) * time.Second,
		Grace:      time.Duration(cfg.Tasks.GraceSeconds) * time.Second,
		Retries:    cfg.Agent.RetryAttempts,
		ChunkLimit: cfg.Tasks.NotifyChunkSize,
	})
	patternStore := patterns.NewStore(cfg.DataPath("patterns.json"))
	miner := patterns.NewMiner(episodes, router, patternStore, cfg.Scheduler.PatternsCron, loc)
	attn := attention.New(attention.Deps{
		LLM:      router,
		Brain:    brain,
		Patterns: patternStore,
		Contacts: contactLog,
		Notifier: notifier,
		LogPath:  cfg.DataPath("attention_log.json"),
		CronSpec: cfg.Scheduler.AttentionCron,
		Location: loc,
	})

	var updater *selfheal.Updater
	if cfg.Update.Enabled {
		updater = selfheal.New(selfheal.Deps{
			Notifier:     notifier,
			RepoDir:      cfg.Update.RepoDir,
			DataDir:      cfg.DataDir,
			EnvFile:      cfg.Update.EnvFile,
			SecurityOnly: cfg.Update.SecurityOnly,
			AutoRestart:  cfg.Update.AutoRestart,
			Restart: func(reason string) {
				slog.Info("shutting down for restart", "reason", reason)
				stop()
			},
		})
	}

	digestSched := digest.New(digest.Deps{
		Notifier:  notifier,
		Counter:   counter,
		Backlog:   capBacklog,
		Health:    healthReporter(updater),
		StatePath: cfg.DataPath("digest_state.json"),
		At:        cfg.Scheduler.DigestTime,
		Location:  loc,
	})

	// Start everything.
	chanMgr.StartAll(ctx)
	go chanMgr.RunOutbound(ctx)
	go ob.RunGC(ctx)
	go remStore.Run(ctx)
	go runner.Run(ctx)
	go miner.Run(ctx)
	go attn.Run(ctx)
	go digestSched.Run(ctx)
	go memory.NewConsolidator(brain).Run(ctx)
	if updater != nil {
		go updater.Run(ctx)
		go func() {
			if err := updater.WatchEnv(ctx); err != nil {
				slog.Warn("env watcher unavailable", "error", err)
			}
		}()
	}
	go consumeInbound(ctx, cfg, msgBus, dispatcher)

	slog.Info("aide gateway running", "channels", chanMgr.Names(), "data_dir", cfg.DataDir)
	<-ctx.Done()

	slog.Info("shutting down")
	dispatcher.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	chanMgr.StopAll(shutdownCtx)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}

// consumeInbound pumps the bus into the dispatcher: dedupe, size cap,
// reply routing back to the originating chat.
func consumeInbound(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus, dispatcher *agent.Dispatcher) {
	dedupe := bus.NewDedupeCache(dedupeTTL, 4096)
	maxChars := cfg.Agent.MaxMessageChars
	if maxChars <= 0 {
		maxChars = 32000
	}

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if id := msg.Metadata["message_id"]; id != "" {
			key := msg.Channel + "|" + msg.SenderID + "|" + msg.ChatID + "|" + id
			if dedupe.IsDuplicate(key) {
				slog.Debug("duplicate inbound dropped", "channel", msg.Channel, "message_id", id)
				continue
			}
		}
		content := msg.Content
		if len(content) > maxChars {
			content = content[:maxChars]
		}

		channel, chatID := msg.Channel, msg.ChatID
		dispatcher.Submit(ctx, agent.Message{
			Text:    content,
			Channel: channel,
			UserID:  msg.UserID,
		}, func(reply string) {
			msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: reply})
		})
	}
}

// setupLogging installs the global handler: text to stderr (and the
// log file when configured), wrapped in the digest's activity counter.
func setupLogging(cfg *config.Config) *digest.LogCounter {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			out = io.MultiWriter(os.Stderr, f)
		} else {
			fmt.Fprintln(os.Stderr, "log file:", err)
		}
	}
	counter := digest.NewLogCounter(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slog.New(counter))
	return counter
}

// buildEmbedder picks the embedding backend: a real model when an
// OpenAI key is present and the config asks for one, the offline hash
// embedder otherwise.
func buildEmbedder(cfg *config.Config) memory.Embedder {
	model := cfg.Memory.EmbeddingModel
	if model == "" || model == "local-hash-v1" || cfg.Providers.OpenAI.APIKey == "" {
		return memory.LocalHashEmbedder{}
	}
	return memory.NewOpenAIEmbedder(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, model)
}

// loadPrinciples combines the configured persona with the principles
// file, when one exists in the data dir.
func loadPrinciples(cfg *config.Config) string {
	text := cfg.Agent.Persona
	if data, err := os.ReadFile(cfg.DataPath("principles.md")); err == nil {
		if text != "" {
			text += "\n"
		}
		text += string(data)
	}
	return text
}

// noTransport stands in for the primary transport when no owner chat
// is configured, so reminder failures still reach the dead letter
// queue instead of vanishing.
func noTransport(context.Context, string) error {
	return fmt.Errorf("no primary transport configured")
}

// healthReporter avoids handing digest a typed-nil interface when the
// updater is disabled.
func healthReporter(u *selfheal.Updater) digest.HealthReporter {
	if u == nil {
		return nil
	}
	return u
}
