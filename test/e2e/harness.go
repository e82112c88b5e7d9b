// Package e2e provides end-to-end test infrastructure for the agentco
// orchestrator: a complete in-process instance driven over HTTP.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/api"
	"github.com/kawanishi0117/agent-company-sub006/pkg/approval"
	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/chatlog"
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
	"github.com/kawanishi0117/agent-company-sub006/pkg/workflow"
)

// TestApp boots a complete agentco instance for e2e testing.
type TestApp struct {
	// Core
	Config *config.Config
	Store  *store.Store
	Queue  mailbox.Queue
	Bus    *bus.Bus

	// Domain services
	Gate      *approval.Gate
	Tickets   *tickets.Store
	Meetings  *meeting.Coordinator
	Knowledge *knowledge.Base
	Settings  *config.SettingsStore
	Capture   *chatlog.Capture
	Engine    *workflow.Engine
	Pool      *queue.Pool

	// Agent roster: real runners and mailboxes, simulated executions
	Driver  *agent.SimulatedDriver
	Runners *agent.RunnerPool
	Prober  *agent.Prober

	// Runtime
	Server  *api.Server
	BaseURL string // e.g. "http://127.0.0.1:54321"

	runCancel context.CancelFunc
	stopOnce  sync.Once
	t         *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	baseDir         string
	podID           string
	workerCount     int
	claimTTL        time.Duration
	driverOpts      []agent.SimulatedOption
	lintCommand     string
	testCommand     string
	disableTests    bool
	startupRecovery bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithBaseDir places the durable state tree in an existing directory
// instead of a fresh t.TempDir(). Restart and multi-replica tests use
// it so a second instance adopts the first one's state.
func WithBaseDir(dir string) TestAppOption {
	return func(c *testAppConfig) { c.baseDir = dir }
}

// WithPodID overrides the auto-generated pod ID. Restart tests pass the
// previous instance's ID so startup recovery treats leftover claims as
// this pod's own; multi-replica tests pass distinct IDs.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// WithWorkerCount sets the number of scheduler worker goroutines.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithClaimTTL sets the claim staleness threshold, which also paces the
// periodic recovery scan. Tests that trigger recovery manually set it
// high so the background scan stays out of the way.
func WithClaimTTL(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.claimTTL = d }
}

// WithDriverOptions configures the simulated driver backing the agent
// roster, typically to inject failures.
func WithDriverOptions(opts ...agent.SimulatedOption) TestAppOption {
	return func(c *testAppConfig) { c.driverOpts = append(c.driverOpts, opts...) }
}

// WithQualityCommands sets the lint and test commands the quality gate
// runs in the run workspace, and enables the test stage.
func WithQualityCommands(lint, test string) TestAppOption {
	return func(c *testAppConfig) {
		c.lintCommand = lint
		c.testCommand = test
		c.disableTests = false
	}
}

// WithoutStartupRecovery skips the boot-time recovery scan. Restart
// tests use it to submit decisions before interrupted workflows are
// re-dispatched.
func WithoutStartupRecovery() TestAppOption {
	return func(c *testAppConfig) { c.startupRecovery = false }
}

// NewTestApp creates and starts a full agentco test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workerCount:     2,
		claimTTL:        10 * time.Second,
		lintCommand:     "true",
		disableTests:    true,
		startupRecovery: true,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.baseDir == "" {
		tc.baseDir = t.TempDir()
	}
	if tc.podID == "" {
		tc.podID = fmt.Sprintf("e2e-test-%s", t.Name())
	}

	cfg := config.Default()
	cfg.Runtime.BaseDir = tc.baseDir
	cfg.Queue.WorkerCount = tc.workerCount
	cfg.Queue.PollInterval = 50 * time.Millisecond
	cfg.Queue.PollIntervalJitter = 25 * time.Millisecond
	cfg.Queue.HeartbeatInterval = 1 * time.Second
	cfg.Queue.ClaimTTL = tc.claimTTL
	cfg.Queue.GracefulShutdownTimeout = 10 * time.Second
	cfg.Quality.LintCommand = tc.lintCommand
	cfg.Quality.TestCommand = tc.testCommand
	cfg.Quality.CommandTimeout = 30 * time.Second
	cfg.Quality.DisableTests = tc.disableTests

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// 1. Durable state store and runtime settings.
	st, err := store.New(cfg.Runtime.BaseDir)
	require.NoError(t, err)
	settings, err := config.NewSettingsStore(st, cfg.Settings, logger)
	require.NoError(t, err)

	// 2. Message queue, masking, chat capture, bus.
	q, err := mailbox.Open(mailbox.Options{Type: mailbox.TypeFile, BaseDir: cfg.Runtime.BaseDir})
	require.NoError(t, err)
	masker := masking.NewMasker()
	capture := chatlog.New(st, masker)
	b := bus.New(q, st, capture)
	m := metrics.New()
	b.SetMetrics(m)

	// 3. Domain services around the store.
	registry := agent.DefaultRegistry()
	gate := approval.NewGate(st, logger)
	ticketStore := tickets.NewStore(st)
	meetings := meeting.New(st, registry,
		meeting.WithChatCapture(capture),
		meeting.WithLogger(logger))
	retryEngine := retry.New(st,
		retry.WithLogger(logger),
		retry.WithPolicy(retry.Policy{
			MaxRetries:        3,
			InitialDelay:      time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxDelay:          4 * time.Millisecond,
		}),
		retry.WithTicketMarker(ticketStore),
		retry.WithNotifier(b))
	qualityGate := quality.NewGate(st, quality.Config{
		LintCommand:    cfg.Quality.LintCommand,
		TestCommand:    cfg.Quality.TestCommand,
		CommandTimeout: cfg.Quality.CommandTimeout,
		DisableTests:   cfg.Quality.DisableTests,
	}, quality.WithMasker(masker), quality.WithGateLogger(logger))
	kb := knowledge.New(st, logger)

	// 4. Workflow engine.
	engine := workflow.New(workflow.Deps{
		Store:     st,
		Bus:       b,
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

	runCtx, runCancel := context.WithCancel(context.Background())

	// 5. Agent runners and availability prober.
	driver := agent.NewSimulatedDriver(tc.driverOpts...)
	workspaces := agent.NewLocalWorkspaceProvider(tc.baseDir, settings.Get().IntegrationBranch)
	runners := agent.NewRunnerPool(registry, driver, b, logger,
		agent.WithWorkspace(workspaces))
	runners.Start(runCtx)
	prober := agent.NewProber(agent.ProberConfig{
		Driver:       driver,
		CodingAgents: agent.NewCodingAgentRegistry(),
		Logger:       logger,
	})

	// 6. Dispatch pool.
	pool := queue.NewPool(tc.podID, st, &cfg.Queue, engine,
		queue.WithLogger(logger),
		queue.WithTerminator(engine),
		queue.WithApprovalCanceller(gate),
		queue.WithMaxConcurrent(settings.Get().MaxConcurrentWorkers))
	if tc.startupRecovery {
		_, err = pool.Recover(runCtx)
		require.NoError(t, err)
	}
	require.NoError(t, pool.Start(runCtx))

	// 7. HTTP server on an ephemeral port.
	srv, err := api.NewServer(api.Config{
		Addr:      "127.0.0.1:0",
		Tasks:     services.NewTaskService(st, pool, engine, prober, m, logger),
		Workflows: services.NewWorkflowService(st, pool, engine, gate, meetings, logger),
		Activity:  services.NewActivityService(capture, logger),
		Knowledge: services.NewKnowledgeService(kb, logger),
		Settings:  services.NewConfigService(settings, logger),
		Control:   services.NewControlService(pool, prober, logger),
		Metrics:   m,
		Logger:    logger,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = srv.StartWithListener(ln)
	}()

	app := &TestApp{
		Config:    cfg,
		Store:     st,
		Queue:     q,
		Bus:       b,
		Gate:      gate,
		Tickets:   ticketStore,
		Meetings:  meetings,
		Knowledge: kb,
		Settings:  settings,
		Capture:   capture,
		Engine:    engine,
		Pool:      pool,
		Driver:    driver,
		Runners:   runners,
		Prober:    prober,
		Server:    srv,
		BaseURL:   fmt.Sprintf("http://%s", ln.Addr().String()),
		runCancel: runCancel,
		t:         t,
	}

	t.Cleanup(app.Stop)
	return app
}

// Stop shuts the instance down. The run context is cancelled before the
// pool stops so workflows suspended on a rendezvous unwind and keep
// resumable state on disk instead of blocking the drain. Safe to call
// more than once; t.Cleanup invokes it as a backstop.
func (app *TestApp) Stop() {
	app.stopOnce.Do(func() {
		app.runCancel()
		app.Pool.Stop()
		app.Runners.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		_ = app.Queue.Close()
	})
}
