package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentsociety/substrate/internal/config"
	"github.com/agentsociety/substrate/internal/cron"
	"github.com/agentsociety/substrate/internal/substrate/bridge"
	"github.com/agentsociety/substrate/internal/substrate/bus"
	"github.com/agentsociety/substrate/internal/substrate/cancel"
	"github.com/agentsociety/substrate/internal/substrate/conv"
	"github.com/agentsociety/substrate/internal/substrate/cronbridge"
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/llmproviders"
	"github.com/agentsociety/substrate/internal/substrate/observability"
	"github.com/agentsociety/substrate/internal/substrate/org"
	"github.com/agentsociety/substrate/internal/substrate/orgsql"
	"github.com/agentsociety/substrate/internal/substrate/rpc"
	"github.com/agentsociety/substrate/internal/substrate/scheduler"
	"github.com/agentsociety/substrate/internal/substrate/toolexec"
	"github.com/agentsociety/substrate/internal/substrate/toolgroups"
	"github.com/agentsociety/substrate/internal/substrate/turn"
	"github.com/agentsociety/substrate/pkg/society"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, gRPC control service, chat bridges, and cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "substrate.yaml", "path to the configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persister, err := buildPersister(cfg.Database)
	if err != nil {
		return fmt.Errorf("build persister: %w", err)
	}

	orgOpts := []org.Option{org.WithLogger(logger)}
	if persister != nil {
		orgOpts = append(orgOpts, org.WithPersister(persister))
	}
	orgStore, err := org.New(dataDirFor(cfg), orgOpts...)
	if err != nil {
		return fmt.Errorf("open org store: %w", err)
	}

	convStore := conv.New(dataDirFor(cfg), conv.WithLogger(logger))
	messageBus := bus.New(bus.WithLogger(logger))
	cancelMgr := cancel.New()
	toolGroups := toolgroups.New()

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	defer func() { _ = shutdownTracer(context.Background()) }()

	llmRegistry := llmproviders.NewRegistry(orgStore)
	if err := registerLLMProviders(llmRegistry, cfg.LLM, metrics, tracer); err != nil {
		return fmt.Errorf("register llm providers: %w", err)
	}

	turnEngine := turn.New(turn.Dependencies{
		Conv:          convStore,
		Tools:         toolGroups,
		ResolveRole:   roleResolverFor(orgStore),
		ResolveParent: parentResolverFor(orgStore),
		Logger:        logger,
	})

	executor := observability.TraceToolExecutor(toolexec.NewExecutor(toolGroups, toolexec.Config{
		Concurrency:    cfg.Tools.Execution.Parallelism,
		PerCallTimeout: cfg.Tools.Execution.Timeout,
		MaxAttempts:    cfg.Tools.Execution.MaxAttempts,
		RetryBackoff:   cfg.Tools.Execution.RetryBackoff,
	}), metrics, tracer)

	broadcaster := rpc.NewBroadcaster()
	router := bridge.NewRouter(func(platform bridge.Platform, chatID, text string, err error) {
		logger.Warn("bridge delivery failed", "platform", platform, "chatID", chatID, "error", err)
	})

	sched := scheduler.New(scheduler.Deps{
		Bus:        messageBus,
		Org:        orgStore,
		Conv:       convStore,
		Turn:       turnEngine,
		Cancel:     cancelMgr,
		Tools:      executor,
		ResolveLlm: llmRegistry.Resolver(),
		OnEndpoint: func(msg society.BusMessage) {
			router.HandleEndpoint(msg)
			broadcaster.HandleEndpoint(msg)
		},
		Logger: logger,
		Clock:  society.SystemClock{},
	})

	bridges, err := startChatBridges(ctx, cfg.Channels, sched, logger)
	if err != nil {
		return fmt.Errorf("start chat bridges: %w", err)
	}
	for _, b := range bridges {
		router.Register(b.platform, observability.TraceOutbound(b.outbound, string(b.platform), metrics))
	}

	cronSched, err := startCron(ctx, cfg.Cron, sched, router, logger, metrics)
	if err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}

	rpcService := rpc.NewService(sched, broadcaster, metrics)
	grpcServer := rpc.NewServer(rpcService, cfg.Auth.JWTSecret, logger, metrics)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", grpcAddr, err)
	}

	errCh := make(chan error, 3)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go sampleSchedulerMetrics(ctx, sched, orgStore, messageBus, metrics)
	go func() {
		logger.Info("grpc control service listening", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics/health server listening", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	grpcServer.GracefulStop()
	_ = httpServer.Shutdown(shutdownCtx)
	if cronSched != nil {
		_ = cronSched.Stop(shutdownCtx)
	}

	return nil
}

// sampleSchedulerMetrics periodically snapshots agent status counts and
// total bus queue depth until ctx is cancelled, giving the scheduler's
// cooperative loop (which has no instrumentation hooks of its own) an
// external observability point.
func sampleSchedulerMetrics(ctx context.Context, sched *scheduler.Scheduler, orgStore *org.Store, messageBus *bus.Bus, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agents := orgStore.ListAgents()
			counts := make(map[string]int, len(agents))
			depth := 0
			for _, a := range agents {
				counts[string(sched.Status(a.AgentID))]++
				depth += messageBus.GetQueueDepth(a.AgentID)
			}
			metrics.SetSchedulerSnapshot(counts)
			metrics.BusQueueDepth.Set(float64(depth))
		}
	}
}

func dataDirFor(cfg *config.Config) string {
	if dir := strings.TrimSpace(cfg.Workspace.Path); dir != "" {
		return dir
	}
	return "./data"
}

func buildPersister(db config.DatabaseConfig) (org.Persister, error) {
	dsn := strings.TrimSpace(db.URL)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return orgsql.NewPostgresPersister(dsn, nil)
	default:
		return orgsql.NewSQLitePersister(dsn, nil)
	}
}

func registerLLMProviders(registry *llmproviders.Registry, cfg config.LLMConfig, metrics *observability.Metrics, tracer *observability.Tracer) error {
	for id, provider := range cfg.Providers {
		var dispatcher llm.Dispatcher
		var err error
		switch {
		case strings.HasPrefix(id, "anthropic"):
			dispatcher, err = llmproviders.NewAnthropicDispatcher(llmproviders.AnthropicConfig{
				APIKey:       provider.APIKey,
				BaseURL:      provider.BaseURL,
				DefaultModel: provider.DefaultModel,
			})
			if err != nil {
				return fmt.Errorf("anthropic provider %q: %w", id, err)
			}
		default:
			dispatcher, err = llmproviders.NewOpenAIDispatcher(llmproviders.OpenAIConfig{
				APIKey:       provider.APIKey,
				BaseURL:      provider.BaseURL,
				DefaultModel: provider.DefaultModel,
			})
			if err != nil {
				return fmt.Errorf("openai-compatible provider %q: %w", id, err)
			}
		}
		registry.Register(id, observability.TraceDispatcher(dispatcher, id, metrics, tracer))
	}
	return nil
}

func roleResolverFor(orgStore *org.Store) turn.RoleResolver {
	return func(agentID string) (turn.RoleBinding, error) {
		agent := orgStore.GetAgent(agentID)
		if agent == nil {
			return turn.RoleBinding{}, fmt.Errorf("serve: unknown agent %q", agentID)
		}
		role := orgStore.GetRole(agent.RoleID)
		if role == nil {
			return turn.RoleBinding{}, fmt.Errorf("serve: agent %q has unknown role %q", agentID, agent.RoleID)
		}
		prompt := role.RolePrompt
		if role.OrgPrompt != "" {
			prompt = role.OrgPrompt + "\n\n" + prompt
		}
		return turn.RoleBinding{SystemPrompt: prompt, ToolGroupIDs: role.ToolGroups}, nil
	}
}

func parentResolverFor(orgStore *org.Store) turn.ParentResolver {
	return func(agentID string) (string, bool) {
		agent := orgStore.GetAgent(agentID)
		if agent == nil || agent.ParentAgentID == "" {
			return "", false
		}
		return agent.ParentAgentID, true
	}
}

type registeredBridge struct {
	platform bridge.Platform
	outbound bridge.Outbound
}

type startable interface {
	Start(ctx context.Context) error
}

func startChatBridges(ctx context.Context, cfg config.ChannelsConfig, sched bridge.Scheduler, logger *slog.Logger) ([]registeredBridge, error) {
	var out []registeredBridge

	if cfg.Discord.Enabled {
		b, err := bridge.NewDiscordBridge(bridge.DiscordConfig{Token: cfg.Discord.BotToken, Logger: logger}, sched)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		if err := startBridge(ctx, b, logger, "discord"); err != nil {
			return nil, err
		}
		out = append(out, registeredBridge{bridge.PlatformDiscord, b})
	}

	if cfg.Telegram.Enabled {
		b, err := bridge.NewTelegramBridge(bridge.TelegramConfig{Token: cfg.Telegram.BotToken, Logger: logger}, sched)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		if err := startBridge(ctx, b, logger, "telegram"); err != nil {
			return nil, err
		}
		out = append(out, registeredBridge{bridge.PlatformTelegram, b})
	}

	if cfg.Slack.Enabled {
		b, err := bridge.NewSlackBridge(bridge.SlackConfig{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
			Logger:   logger,
		}, sched)
		if err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		if err := startBridge(ctx, b, logger, "slack"); err != nil {
			return nil, err
		}
		out = append(out, registeredBridge{bridge.PlatformSlack, b})
	}

	if cfg.WhatsApp.Enabled {
		b, err := bridge.NewWhatsAppBridge(ctx, bridge.WhatsAppConfig{SessionPath: cfg.WhatsApp.SessionPath, Logger: logger}, sched)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		if err := startBridge(ctx, b, logger, "whatsapp"); err != nil {
			return nil, err
		}
		out = append(out, registeredBridge{bridge.PlatformWhatsApp, b})
	}

	return out, nil
}

func startBridge(ctx context.Context, b startable, logger *slog.Logger, name string) error {
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start %s bridge: %w", name, err)
	}
	logger.Info("chat bridge started", "platform", name)
	return nil
}

func startCron(ctx context.Context, cfg config.CronConfig, sched *scheduler.Scheduler, router *bridge.Router, logger *slog.Logger, metrics *observability.Metrics) (*cron.Scheduler, error) {
	if len(cfg.Jobs) == 0 {
		return nil, nil
	}
	cronSched, err := cron.NewScheduler(cfg)
	if err != nil {
		return nil, fmt.Errorf("build cron scheduler: %w", err)
	}
	cronSched.SetAgentRunner(observability.TraceAgentRunner(cronbridge.NewAgentRunner(sched), metrics))
	cronSched.SetMessageSender(observability.TraceMessageSender(cronbridge.NewMessageSender(router), metrics))
	if err := cronSched.Start(ctx); err != nil {
		return nil, fmt.Errorf("start cron scheduler: %w", err)
	}
	logger.Info("cron scheduler started", "jobs", len(cfg.Jobs))
	return cronSched, nil
}
