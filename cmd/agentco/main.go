// agentco is the orchestrator server. It serves the HTTP API and runs
// the dispatch pool that drives workflows through their five phases.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/api"
	"github.com/kawanishi0117/agent-company-sub006/pkg/approval"
	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/chatlog"
	"github.com/kawanishi0117/agent-company-sub006/pkg/cleanup"
	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
	"github.com/kawanishi0117/agent-company-sub006/pkg/knowledge"
	"github.com/kawanishi0117/agent-company-sub006/pkg/mailbox"
	"github.com/kawanishi0117/agent-company-sub006/pkg/masking"
	"github.com/kawanishi0117/agent-company-sub006/pkg/meeting"
	"github.com/kawanishi0117/agent-company-sub006/pkg/metrics"
	"github.com/kawanishi0117/agent-company-sub006/pkg/quality"
	"github.com/kawanishi0117/agent-company-sub006/pkg/queue"
	"github.com/kawanishi0117/agent-company-sub006/pkg/retry"
	"github.com/kawanishi0117/agent-company-sub006/pkg/services"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
	"github.com/kawanishi0117/agent-company-sub006/pkg/tickets"
	"github.com/kawanishi0117/agent-company-sub006/pkg/version"
	"github.com/kawanishi0117/agent-company-sub006/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica claim
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// setupLogger installs a text slog handler at the level named by
// LOG_LEVEL (debug, info, warn, error; default info).
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	logger := setupLogger()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()

	slog.Info("Starting agentco",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the durable state store
	st, err := store.New(cfg.Runtime.BaseDir)
	if err != nil {
		slog.Error("Failed to open state store", "base_dir", cfg.Runtime.BaseDir, "error", err)
		os.Exit(1)
	}
	slog.Info("State store opened", "base_dir", st.BaseDir())

	// 3. Load runtime settings (state/config.json wins over bootstrap values)
	settings, err := config.NewSettingsStore(st, cfg.Settings, logger)
	if err != nil {
		slog.Error("Failed to load runtime settings", "error", err)
		os.Exit(1)
	}

	// 4. Open the message queue backend selected by the settings
	queueType := mailbox.Type(settings.Get().MessageQueueType)
	q, err := mailbox.Open(mailbox.Options{Type: queueType, BaseDir: cfg.Runtime.BaseDir})
	if err != nil {
		slog.Error("Failed to open message queue", "type", string(queueType), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("Error closing message queue", "error", err)
		}
	}()
	slog.Info("Message queue opened", "type", string(queueType))

	// 5. Masking, chat log capture, agent bus, metrics
	masker := masking.NewMasker()
	capture := chatlog.New(st, masker)
	agentBus := bus.New(q, st, capture)
	m := metrics.New()
	agentBus.SetMetrics(m)

	// 6. Domain services
	registry := agent.DefaultRegistry()
	gate := approval.NewGate(st, logger)
	ticketStore := tickets.NewStore(st)
	meetings := meeting.New(st, registry,
		meeting.WithChatCapture(capture),
		meeting.WithLogger(logger))
	retryEngine := retry.New(st,
		retry.WithLogger(logger),
		retry.WithTicketMarker(ticketStore),
		retry.WithNotifier(agentBus))
	qualityGate := quality.NewGate(st, quality.Config{
		LintCommand:    cfg.Quality.LintCommand,
		TestCommand:    cfg.Quality.TestCommand,
		CommandTimeout: cfg.Quality.CommandTimeout,
		DisableTests:   cfg.Quality.DisableTests,
	}, quality.WithMasker(masker), quality.WithGateLogger(logger))
	kb := knowledge.New(st, logger)
	slog.Info("Services initialized")

	// 7. Workflow engine
	engine := workflow.New(workflow.Deps{
		Store:     st,
		Bus:       agentBus,
		Approvals: gate,
		Retry:     retryEngine,
		Tickets:   ticketStore,
		Meetings:  meetings,
		Quality:   qualityGate,
		Registry:  registry,
		Knowledge: kb,
		Metrics:   m,
		Logger:    logger,
	})

	// runCtx bounds every background loop; cancelling it is the
	// last-resort abort when graceful shutdown overruns its budget.
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	// 8. Agent runners and availability prober
	driver := agent.NewSimulatedDriver()
	workspaces := agent.NewLocalWorkspaceProvider(cfg.Runtime.BaseDir, settings.Get().IntegrationBranch)
	runners := agent.NewRunnerPool(registry, driver, agentBus, logger,
		agent.WithWorkspace(workspaces))
	runners.Start(runCtx)
	slog.Info("Agent runners started", "workers", len(registry.Workers()))

	codingAgents := agent.NewCodingAgentRegistry()
	for _, name := range cfg.Agents.CodingAgents {
		codingAgents.Register(name, agent.NewSimulatedDriver(agent.WithName(name)))
	}
	prober := agent.NewProber(agent.ProberConfig{
		Endpoint:     cfg.Agents.LocalLlmEndpoint,
		Driver:       driver,
		CodingAgents: codingAgents,
		Logger:       logger,
	})

	// 9. Dispatch pool: recover interrupted workflows, then start
	pool := queue.NewPool(podID, st, &cfg.Queue, engine,
		queue.WithLogger(logger),
		queue.WithTerminator(engine),
		queue.WithApprovalCanceller(gate),
		queue.WithMaxConcurrent(settings.Get().MaxConcurrentWorkers))
	settings.OnChange(func(s config.Settings) {
		pool.SetConcurrencyLimit(s.MaxConcurrentWorkers)
	})

	recovered, err := pool.Recover(ctx)
	if err != nil {
		slog.Error("Startup recovery failed", "error", err)
		// Non-fatal: the periodic recovery scan retries
	} else if recovered > 0 {
		slog.Info("Recovered interrupted workflows", "count", recovered)
	}

	if err := pool.Start(runCtx); err != nil {
		slog.Error("Failed to start dispatch pool", "error", err)
		os.Exit(1)
	}

	// 10. Retention cleanup and settings watcher
	cleaner := cleanup.NewService(st, settings, &cfg.Retention, logger)
	cleaner.Start(runCtx)

	watcher := config.NewWatcher(settings, st, logger)
	if err := watcher.Start(runCtx); err != nil {
		slog.Error("Failed to start settings watcher", "error", err)
		// Non-fatal: updates via PUT /api/v1/config still apply
	}

	// 11. Create HTTP server
	srv, err := api.NewServer(api.Config{
		Addr:      ":" + strconv.Itoa(cfg.Server.Port),
		BodyLimit: cfg.Server.BodyLimit,
		Tasks:     services.NewTaskService(st, pool, engine, prober, m, logger),
		Workflows: services.NewWorkflowService(st, pool, engine, gate, meetings, logger),
		Activity:  services.NewActivityService(capture, logger),
		Knowledge: services.NewKnowledgeService(kb, logger),
		Settings:  services.NewConfigService(settings, logger),
		Control:   services.NewControlService(pool, prober, logger),
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("Failed to create HTTP server", "error", err)
		os.Exit(1)
	}

	// 12. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("agentco started successfully",
		"pod_id", podID,
		"port", cfg.Server.Port,
		"workers", cfg.Queue.WorkerCount,
		"max_concurrent", settings.Get().MaxConcurrentWorkers)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer shutdownCancel()

	// Background tickers stop immediately
	cleaner.Stop()
	watcher.Stop()

	// Stop the dispatch pool (waits for active workflows to finish)
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Dispatch pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, cancelling active workflows; interrupted runs resume on restart")
		runCancel()
		<-done
	}

	// Runners only after the pool drained: active workflows need them
	// to answer task assignments until the very end.
	runners.Stop()
	slog.Info("Agent runners stopped")

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
