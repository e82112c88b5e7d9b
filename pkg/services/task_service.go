package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/metrics"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/queue"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
	"github.com/kawanishi0117/agent-company-sub006/pkg/workflow"
)

// SubmitTaskInput contains the domain-level data needed to admit a
// task. Transformed from the HTTP request by the handler.
type SubmitTaskInput struct {
	Instruction string
	ProjectID   string
	Priority    string
	Tags        []string
	Deadline    *time.Time
}

func (in SubmitTaskInput) metadata() *models.TaskMetadata {
	if in.Priority == "" && len(in.Tags) == 0 && in.Deadline == nil {
		return nil
	}
	return &models.TaskMetadata{
		Priority: in.Priority,
		Tags:     in.Tags,
		Deadline: in.Deadline,
	}
}

// TaskStatus is the submission-side status document. A task and its
// workflow share one id.
type TaskStatus struct {
	TaskID      string                  `json:"taskId"`
	ProjectID   string                  `json:"projectId"`
	Instruction string                  `json:"instruction"`
	Phase       models.Phase            `json:"phase"`
	Status      models.WorkflowStatus   `json:"status"`
	Progress    *models.SubtaskProgress `json:"progress,omitempty"`
	Metadata    *models.TaskMetadata    `json:"metadata,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// TaskService handles task submission, status, and cancellation.
type TaskService struct {
	store   *store.Store
	pool    *queue.Pool
	engine  *workflow.Engine
	prober  *agent.Prober
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewTaskService creates a new TaskService. The metrics sink may be
// nil.
func NewTaskService(st *store.Store, pool *queue.Pool, engine *workflow.Engine, prober *agent.Prober, m *metrics.Metrics, logger *slog.Logger) *TaskService {
	if st == nil {
		panic("NewTaskService: store must not be nil")
	}
	if pool == nil {
		panic("NewTaskService: pool must not be nil")
	}
	if engine == nil {
		panic("NewTaskService: engine must not be nil")
	}
	if prober == nil {
		panic("NewTaskService: prober must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		store:   st,
		pool:    pool,
		engine:  engine,
		prober:  prober,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SubmitTask admits a new task after the AI availability gate. The
// created workflow starts in the proposal phase and is queued for
// dispatch.
func (s *TaskService) SubmitTask(ctx context.Context, input SubmitTaskInput) (*models.Workflow, error) {
	if strings.TrimSpace(input.Instruction) == "" {
		return nil, NewValidationError("instruction", "instruction is required")
	}
	if strings.TrimSpace(input.ProjectID) == "" {
		return nil, NewValidationError("projectId", "project id is required")
	}

	probe, err := s.prober.Check(ctx)
	if err != nil {
		return nil, &AIUnavailableError{Result: probe}
	}

	wf := newWorkflowDoc(input.Instruction, input.ProjectID, input.metadata(), s.now())
	if err := admitWorkflow(s.store, s.pool, s.logger, wf); err != nil {
		return nil, err
	}

	s.metrics.WorkflowStarted()
	s.logger.Info("task submitted", "task_id", wf.WorkflowID, "project_id", wf.ProjectID)
	return wf, nil
}

// GetTaskStatus returns the status document for a submitted task,
// including development progress once it exists.
func (s *TaskService) GetTaskStatus(taskID string) (*TaskStatus, error) {
	var wf models.Workflow
	if err := s.store.Load(runsKind, taskID+"/state", &wf); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, err
	}

	status := &TaskStatus{
		TaskID:      wf.WorkflowID,
		ProjectID:   wf.ProjectID,
		Instruction: wf.Instruction,
		Phase:       wf.Phase,
		Status:      wf.Status,
		Metadata:    wf.Metadata,
		CreatedAt:   wf.CreatedAt,
		UpdatedAt:   wf.UpdatedAt,
	}

	var progress models.SubtaskProgress
	if err := s.store.Load(runsKind, taskID+"/progress", &progress); err == nil {
		status.Progress = &progress
	}
	return status, nil
}

// CancelTask terminates the owning workflow: the terminal status is
// persisted first, then any suspended rendezvous and the executing
// context are released. Completed subtasks stay recorded.
func (s *TaskService) CancelTask(taskID string) (*models.Workflow, error) {
	wf, err := s.engine.Terminate(taskID, "cancelled by user")
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrWorkflowNotFound):
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		case errors.Is(err, workflow.ErrWorkflowTerminal):
			return nil, fmt.Errorf("%w: task already finished", ErrInvalidState)
		default:
			return nil, err
		}
	}

	interrupted := s.pool.CancelWorkflow(taskID)
	s.logger.Info("task cancelled", "task_id", taskID, "interrupted", interrupted)
	return wf, nil
}
