package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// TicketMarker marks tickets failed on terminal worker failure.
type TicketMarker interface {
	UpdateStatus(ticketID string, status models.TicketStatus) (*models.Ticket, error)
}

// Notifier delivers the failure notice to the manager mailbox.
type Notifier interface {
	Send(ctx context.Context, msg *models.AgentMessage) error
}

// WorkerFailure describes a failing worker operation.
type WorkerFailure struct {
	WorkflowID string
	TicketID   string
	AgentID    string
	TaskID     string
	Operation  Operation
	OpName     string
}

// HandleWorkerFailure runs the operation under the retry budget. On
// exhaustion it marks the owning ticket failed and notifies the
// manager with a recommended action. The two side effects are
// independent: one failing does not stop the other, and their errors
// are joined.
func (e *Engine) HandleWorkerFailure(ctx context.Context, in WorkerFailure) (Result, error) {
	res := e.WithRetry(ctx, in.Operation, OpContext{
		RunID:     in.WorkflowID,
		AgentID:   in.AgentID,
		Operation: in.OpName,
	})
	if res.Success {
		return res, nil
	}
	if ctx.Err() != nil {
		// Cancellation is not a worker failure: shutdown and rollback
		// own their own cleanup.
		return res, nil
	}

	category := CategoryUnknown
	var exhausted *ExhaustedError
	if errors.As(res.Err, &exhausted) {
		category = exhausted.Category
	}

	var errs []error
	if e.tickets != nil && in.TicketID != "" {
		if _, err := e.tickets.UpdateStatus(in.TicketID, models.TicketStatusFailed); err != nil {
			e.logger.Warn("failed to mark ticket failed", "ticket_id", in.TicketID, "error", err)
			errs = append(errs, fmt.Errorf("mark ticket failed: %w", err))
		}
	}
	if e.bus != nil {
		if err := e.notifyManager(ctx, in, res, category); err != nil {
			e.logger.Warn("failed to notify manager", "run_id", in.WorkflowID, "error", err)
			errs = append(errs, fmt.Errorf("notify manager: %w", err))
		}
	}
	return res, errors.Join(errs...)
}

func (e *Engine) notifyManager(ctx context.Context, in WorkerFailure, res Result, category Category) error {
	msg, err := bus.NewMessage(models.MessageTypeEscalate, in.AgentID, e.managerID, models.EscalationPayload{
		RunID:             in.WorkflowID,
		AgentID:           in.AgentID,
		Category:          string(category),
		Error:             res.Err.Error(),
		Attempts:          res.Attempts,
		Reason:            fmt.Sprintf("worker failed terminally on %s", in.OpName),
		RecommendedAction: category.RecommendedAction(),
		Timestamp:         e.now().UTC(),
	})
	if err != nil {
		return err
	}
	msg.WorkflowID = in.WorkflowID
	return e.bus.Send(ctx, msg)
}

// HandleAIUnavailable snapshots run progress into paused-state.json and
// records one FATAL AI_UNAVAILABLE_ERROR line. The returned state
// equals the persisted document.
func (e *Engine) HandleAIUnavailable(runID string, progress models.PausedProgress) (*models.PausedState, error) {
	paused := &models.PausedState{
		RunID:      runID,
		PausedAt:   e.now().UTC(),
		TaskStatus: "paused",
		Progress:   progress,
		Reason:     "AI service unavailable",
		RecoveryInstructions: "Restore the AI adapter connection, confirm /health/ai reports available, " +
			"then resume the run; execution continues from the last processed subtask.",
	}
	if err := e.store.Save(runsKind, runID+"/paused-state", paused); err != nil {
		return nil, err
	}
	e.appendErrorLog(runID, errorLine(e.now(), "AI_UNAVAILABLE_ERROR", true,
		fmt.Sprintf("AI service unavailable, run paused at %d/%d subtasks",
			progress.CompletedSubTasks, progress.TotalSubTasks)))
	return paused, nil
}

// LoadPausedState reloads a snapshot written by HandleAIUnavailable.
func (e *Engine) LoadPausedState(runID string) (*models.PausedState, error) {
	var paused models.PausedState
	if err := e.store.Load(runsKind, runID+"/paused-state", &paused); err != nil {
		return nil, err
	}
	return &paused, nil
}
