package services

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/approval"
	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
	"github.com/kawanishi0117/agent-company-sub006/pkg/mailbox"
	"github.com/kawanishi0117/agent-company-sub006/pkg/meeting"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/quality"
	"github.com/kawanishi0117/agent-company-sub006/pkg/queue"
	"github.com/kawanishi0117/agent-company-sub006/pkg/retry"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
	"github.com/kawanishi0117/agent-company-sub006/pkg/tickets"
	"github.com/kawanishi0117/agent-company-sub006/pkg/workflow"
)

// executorFunc adapts a function to the queue.Executor interface.
type executorFunc func(ctx context.Context, wf *models.Workflow) error

func (f executorFunc) Execute(ctx context.Context, wf *models.Workflow) error {
	return f(ctx, wf)
}

// fixture wires the service layer over a temp store. The dispatch pool
// is never started, so admitted workflows stay queued and tests observe
// them without racing an executor.
type fixture struct {
	t        *testing.T
	store    *store.Store
	pool     *queue.Pool
	engine   *workflow.Engine
	gate     *approval.Gate
	meetings *meeting.Coordinator
	driver   *agent.SimulatedDriver
	prober   *agent.Prober
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	q, err := mailbox.NewFileQueue(filepath.Join(st.BaseDir(), "mailbox"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(q, st, nil)
	gate := approval.NewGate(st, logger)
	ticketStore := tickets.NewStore(st)
	registry := agent.DefaultRegistry()
	meetings := meeting.New(st, registry, meeting.WithLogger(logger))

	engine := workflow.New(workflow.Deps{
		Store:     st,
		Bus:       b,
		Approvals: gate,
		Retry:     retry.New(st, retry.WithLogger(logger)),
		Tickets:   ticketStore,
		Meetings:  meetings,
		Quality: quality.NewGate(st, quality.Config{
			LintCommand:  "true",
			DisableTests: true,
		}, quality.WithGateLogger(logger)),
		Registry: registry,
		Logger:   logger,
	})

	noop := executorFunc(func(context.Context, *models.Workflow) error { return nil })
	pool := queue.NewPool("svc-test-pod", st, &config.QueueConfig{
		WorkerCount:             1,
		PollInterval:            5 * time.Millisecond,
		HeartbeatInterval:       10 * time.Millisecond,
		ClaimTTL:                100 * time.Millisecond,
		GracefulShutdownTimeout: 5 * time.Second,
	}, noop,
		queue.WithLogger(logger),
		queue.WithTerminator(engine),
		queue.WithApprovalCanceller(gate),
	)

	driver := agent.NewSimulatedDriver()
	prober := agent.NewProber(agent.ProberConfig{
		Driver:   driver,
		CacheTTL: time.Nanosecond,
		Logger:   logger,
	})

	return &fixture{
		t:        t,
		store:    st,
		pool:     pool,
		engine:   engine,
		gate:     gate,
		meetings: meetings,
		driver:   driver,
		prober:   prober,
	}
}

func (f *fixture) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) taskService() *TaskService {
	return NewTaskService(f.store, f.pool, f.engine, f.prober, nil, f.logger())
}

func (f *fixture) workflowService() *WorkflowService {
	return NewWorkflowService(f.store, f.pool, f.engine, f.gate, f.meetings, f.logger())
}

// saveWorkflow persists a workflow document directly, bypassing
// admission.
func (f *fixture) saveWorkflow(wf *models.Workflow) *models.Workflow {
	f.t.Helper()
	if wf.WorkflowID == "" {
		wf.WorkflowID = uuid.New().String()
	}
	if wf.ProjectID == "" {
		wf.ProjectID = "proj-test"
	}
	if wf.Instruction == "" {
		wf.Instruction = "検索機能を改善してください"
	}
	if wf.Phase == "" {
		wf.Phase = models.PhaseProposal
	}
	if wf.Status == "" {
		wf.Status = models.StatusRunning
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	wf.UpdatedAt = wf.CreatedAt
	require.NoError(f.t, f.store.Save("runs", wf.WorkflowID+"/state", wf))
	return wf
}

// reload reads the persisted state document back.
func (f *fixture) reload(workflowID string) *models.Workflow {
	f.t.Helper()
	var wf models.Workflow
	require.NoError(f.t, f.store.Load("runs", workflowID+"/state", &wf))
	return &wf
}
