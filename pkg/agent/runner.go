package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// defaultPollTimeout bounds one mailbox poll so the loop notices stop
// signals promptly.
const defaultPollTimeout = 200 * time.Millisecond

// Runner drains one worker agent's mailbox and turns task assignments
// into driver executions. Replies go back to the sender's mailbox.
type Runner struct {
	agent     *Agent
	driver    Driver
	bus       *bus.Bus
	workspace WorkspaceProvider
	logger    *slog.Logger

	pollTimeout time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkspace makes the runner prepare a workspace per task
// assignment and hand its directory to the driver.
func WithWorkspace(p WorkspaceProvider) RunnerOption {
	return func(r *Runner) { r.workspace = p }
}

// NewRunner creates a runner for one worker agent.
func NewRunner(a *Agent, driver Driver, b *bus.Bus, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		agent:       a,
		driver:      driver,
		bus:         b,
		logger:      logger.With("agent_id", a.ID),
		pollTimeout: defaultPollTimeout,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the polling loop in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop signals the runner to stop and waits for the loop to exit. Safe
// to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	if err := r.bus.Register(r.agent.ID); err != nil {
		r.logger.Warn("failed to register mailbox", "error", err)
	}
	r.logger.Debug("agent runner started")

	for {
		select {
		case <-r.stopCh:
			r.logger.Debug("agent runner shutting down")
			return
		case <-ctx.Done():
			return
		default:
			msgs, err := r.bus.Poll(ctx, r.agent.ID, r.pollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("mailbox poll failed", "error", err)
				continue
			}
			for _, msg := range msgs {
				r.handle(ctx, msg)
			}
		}
	}
}

// handle dispatches one inbound message. Unknown or malformed messages
// are logged and dropped; the sender's retry policy owns recovery.
func (r *Runner) handle(ctx context.Context, msg *models.AgentMessage) {
	switch msg.Type {
	case models.MessageTypeTaskAssign:
		r.handleTaskAssign(ctx, msg)
	case models.MessageTypeReviewRequest:
		r.handleReviewRequest(ctx, msg)
	case models.MessageTypeStatusRequest:
		r.handleStatusRequest(ctx, msg)
	default:
		r.logger.Debug("ignoring message", "type", msg.Type, "from", msg.From)
	}
}

func (r *Runner) handleTaskAssign(ctx context.Context, msg *models.AgentMessage) {
	var payload models.TaskAssignPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		r.logger.Warn("malformed task_assign payload", "from", msg.From, "error", err)
		return
	}

	task := Task{
		TaskID:      payload.TaskID,
		WorkflowID:  msg.WorkflowID,
		Title:       payload.Title,
		Description: payload.Description,
		WorkerType:  r.agent.WorkerType,
		Branch:      payload.GitBranch,
		Acceptance:  payload.Acceptance,
	}

	var ws *Workspace
	if r.workspace != nil {
		prepared, err := r.workspace.PrepareWorkspace(ctx, msg.WorkflowID, payload.TaskID)
		if err != nil {
			r.logger.Warn("workspace preparation failed, running without one",
				"task_id", payload.TaskID, "error", err)
		} else {
			ws = prepared
			task.Dir = ws.Dir
			if task.Branch == "" {
				task.Branch = ws.Branch
			}
		}
	}

	result, err := r.driver.Execute(ctx, task)
	if err != nil && ws != nil {
		// Failed work leaves no half-written workspace behind;
		// successful output stays for the delivery phase.
		if cerr := r.workspace.Cleanup(ctx, ws); cerr != nil {
			r.logger.Warn("workspace cleanup failed", "task_id", payload.TaskID, "error", cerr)
		}
	}

	reply := models.TaskResultPayload{TaskID: payload.TaskID, Epoch: payload.Epoch}
	msgType := models.MessageTypeTaskComplete
	if err != nil {
		msgType = models.MessageTypeTaskFailed
		reply.Error = err.Error()
		r.logger.Info("task failed", "task_id", payload.TaskID, "error", err)
	} else {
		reply.Output = result.Output
		reply.Artifacts = result.Artifacts
		r.logger.Info("task completed", "task_id", payload.TaskID)
	}
	r.reply(ctx, msg, msgType, reply)
}

func (r *Runner) handleReviewRequest(ctx context.Context, msg *models.AgentMessage) {
	var payload models.ReviewPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		r.logger.Warn("malformed review_request payload", "from", msg.From, "error", err)
		return
	}

	result, err := r.driver.Execute(ctx, Task{
		TaskID:     "review-" + payload.TaskID,
		WorkflowID: msg.WorkflowID,
		Title:      fmt.Sprintf("review task %s", payload.TaskID),
		WorkerType: r.agent.WorkerType,
	})

	reply := models.ReviewPayload{
		TaskID:   payload.TaskID,
		TicketID: payload.TicketID,
		Epoch:    payload.Epoch,
	}
	if err != nil {
		reply.Approved = false
		reply.Feedback = err.Error()
	} else {
		reply.Approved = true
		reply.Feedback = result.Output
	}
	r.logger.Info("review finished", "task_id", payload.TaskID, "approved", reply.Approved)
	r.reply(ctx, msg, models.MessageTypeReviewResponse, reply)
}

func (r *Runner) handleStatusRequest(ctx context.Context, msg *models.AgentMessage) {
	r.reply(ctx, msg, models.MessageTypeStatusResponse, map[string]any{
		"agentId":    r.agent.ID,
		"workerType": r.agent.WorkerType,
		"state":      "idle",
	})
}

func (r *Runner) reply(ctx context.Context, inbound *models.AgentMessage, msgType models.MessageType, payload any) {
	msg, err := bus.NewMessage(msgType, r.agent.ID, inbound.From, payload)
	if err != nil {
		r.logger.Warn("failed to build reply", "type", msgType, "error", err)
		return
	}
	msg.WorkflowID = inbound.WorkflowID
	if err := r.bus.Send(ctx, msg); err != nil {
		r.logger.Warn("failed to send reply", "type", msgType, "error", err)
	}
}

// RunnerPool runs one Runner per worker agent in the roster.
type RunnerPool struct {
	runners []*Runner
}

// NewRunnerPool creates runners for every worker in the registry, all
// sharing one driver.
func NewRunnerPool(reg *Registry, driver Driver, b *bus.Bus, logger *slog.Logger, opts ...RunnerOption) *RunnerPool {
	pool := &RunnerPool{}
	for _, a := range reg.Workers() {
		pool.runners = append(pool.runners, NewRunner(a, driver, b, logger, opts...))
	}
	return pool
}

// Start launches every runner.
func (p *RunnerPool) Start(ctx context.Context) {
	for _, r := range p.runners {
		r.Start(ctx)
	}
}

// Stop stops every runner and waits for the loops to exit.
func (p *RunnerPool) Stop() {
	for _, r := range p.runners {
		r.Stop()
	}
}
