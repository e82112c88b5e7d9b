// Package workflow drives the five-phase state machine: proposal,
// approval, development, quality_assurance, delivery, ending in a
// terminal status. It composes the meeting coordinator, approval gate,
// ticket tree, agent bus, retry engine, and quality gate; state.json on
// disk is the single source of truth, reloaded before every phase step
// so a workflow can resume wherever a previous process left it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/approval"
	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/knowledge"
	"github.com/kawanishi0117/agent-company-sub006/pkg/meeting"
	"github.com/kawanishi0117/agent-company-sub006/pkg/metrics"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/quality"
	"github.com/kawanishi0117/agent-company-sub006/pkg/retry"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
	"github.com/kawanishi0117/agent-company-sub006/pkg/tickets"
)

const runsKind = "runs"

// errStateChanged signals that state.json changed underneath a running
// phase (rollback, cancellation, external termination). The execute
// loop reloads and re-dispatches instead of failing the workflow.
var errStateChanged = errors.New("workflow state changed externally")

// Deps are the collaborators an Engine composes. Reporter, Registry,
// Knowledge, Metrics, and Logger may be nil; the rest are required.
type Deps struct {
	Store     *store.Store
	Bus       *bus.Bus
	Approvals *approval.Gate
	Retry     *retry.Engine
	Tickets   *tickets.Store
	Meetings  *meeting.Coordinator
	Quality   *quality.Gate
	Reporter  *quality.Reporter
	Registry  *agent.Registry
	Knowledge *knowledge.Base
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Engine executes workflows phase by phase. It keeps no per-workflow
// state of its own between steps.
type Engine struct {
	store     *store.Store
	bus       *bus.Bus
	approvals *approval.Gate
	retry     *retry.Engine
	tickets   *tickets.Store
	meetings  *meeting.Coordinator
	quality   *quality.Gate
	reporter  *quality.Reporter
	registry  *agent.Registry
	knowledge *knowledge.Base
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// pollTimeout bounds one engine mailbox poll.
	pollTimeout time.Duration
	// watchInterval is how often a running development phase re-reads
	// state.json to notice rollbacks and cancellations.
	watchInterval time.Duration
	// maxReviewRounds caps revision loops per task before it fails.
	maxReviewRounds int

	now func() time.Time
}

// New creates an engine from its collaborators.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = quality.NewReporter()
	}
	registry := deps.Registry
	if registry == nil {
		registry = agent.DefaultRegistry()
	}
	return &Engine{
		store:           deps.Store,
		bus:             deps.Bus,
		approvals:       deps.Approvals,
		retry:           deps.Retry,
		tickets:         deps.Tickets,
		meetings:        deps.Meetings,
		quality:         deps.Quality,
		reporter:        reporter,
		registry:        registry,
		knowledge:       deps.Knowledge,
		metrics:         deps.Metrics,
		logger:          logger,
		pollTimeout:     200 * time.Millisecond,
		watchInterval:   250 * time.Millisecond,
		maxReviewRounds: 3,
		now:             time.Now,
	}
}

// Execute drives the workflow until it reaches a terminal status or
// ctx is cancelled. The state document is reloaded before every phase
// step: rollbacks and cancellations rewrite it from outside, and the
// reload is what makes those take effect.
func (e *Engine) Execute(ctx context.Context, wf *models.Workflow) error {
	workflowID := wf.WorkflowID
	logger := e.logger.With("workflow_id", workflowID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, err := e.loadWorkflow(workflowID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			logger.Info("workflow finished", "status", current.Status, "phase", current.Phase)
			return nil
		}

		logger.Info("executing phase", "phase", current.Phase, "status", current.Status)
		err = e.runPhase(ctx, current)
		switch {
		case err == nil:
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, errStateChanged):
			logger.Info("state changed externally, reloading", "phase", current.Phase)
			continue
		default:
			var cancelled *approval.CancelledError
			if errors.As(err, &cancelled) {
				logger.Info("rendezvous cancelled, reloading", "reason", cancelled.Reason)
				continue
			}
			return e.failWorkflow(workflowID, current.Phase, err)
		}
	}
}

func (e *Engine) runPhase(ctx context.Context, wf *models.Workflow) error {
	switch wf.Phase {
	case models.PhaseProposal:
		return e.runProposal(ctx, wf)
	case models.PhaseApproval:
		return e.runApproval(ctx, wf)
	case models.PhaseDevelopment:
		return e.runDevelopment(ctx, wf)
	case models.PhaseQualityAssurance:
		return e.runQualityAssurance(ctx, wf)
	case models.PhaseDelivery:
		return e.runDelivery(ctx, wf)
	default:
		return fmt.Errorf("workflow %s: unknown phase %q", wf.WorkflowID, wf.Phase)
	}
}

// HandleEscalation resolves the pending escalation rendezvous for the
// workflow: retry re-runs the failing step, skip waives it, abort
// terminates the workflow.
func (e *Engine) HandleEscalation(workflowID string, decision models.EscalationDecision) error {
	resolved, err := e.approvals.SubmitEscalation(workflowID, decision)
	if err != nil {
		return err
	}
	if !resolved {
		return ErrNoPendingEscalation
	}
	e.logger.Info("escalation resolved",
		"workflow_id", workflowID, "action", decision.Action, "reason", decision.Reason)
	return nil
}

// RollbackToPhase rewinds the workflow to an earlier phase: the target
// must strictly precede the current phase. The rolled-back state is
// persisted first, then any outstanding rendezvous is cancelled so the
// suspended executor wakes up and reloads it. The dispatch epoch bump
// makes in-flight agent replies stale.
func (e *Engine) RollbackToPhase(workflowID string, target models.Phase) (*models.Workflow, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("workflow: unknown phase %q", target)
	}
	wf, err := e.loadWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		return nil, ErrWorkflowTerminal
	}
	if !target.Precedes(wf.Phase) {
		return nil, &RollbackInvalidError{Current: wf.Phase, Target: target}
	}

	from := wf.Phase
	e.appendTransition(wf, string(target), "rollback")
	wf.Phase = target
	wf.Status = models.StatusRunning
	wf.DispatchEpoch++
	wf.DeliverableID = ""
	if target == models.PhaseProposal {
		wf.ProposalID = ""
	}
	if target.Precedes(models.PhaseQualityAssurance) {
		wf.QaFailureCount = 0
	}
	if err := e.saveWorkflow(wf); err != nil {
		return nil, err
	}

	if target.Precedes(models.PhaseQualityAssurance) {
		if err := e.prepareRedo(wf); err != nil {
			return nil, err
		}
	}

	released := e.approvals.Cancel(workflowID, "rolled back")
	e.logger.Info("workflow rolled back",
		"workflow_id", workflowID,
		"from", from,
		"to", target,
		"dispatch_epoch", wf.DispatchEpoch,
		"waiters_released", released)
	return wf, nil
}

// Terminate forces the workflow into the terminated status and
// releases any suspended rendezvous so its executor wakes up. Used by
// task cancellation and emergency stop.
func (e *Engine) Terminate(workflowID, reason string) (*models.Workflow, error) {
	wf, err := e.loadWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		return nil, ErrWorkflowTerminal
	}
	if err := e.transitionTerminal(wf, models.StatusTerminated, reason); err != nil {
		return nil, err
	}
	released := e.approvals.Cancel(workflowID, reason)
	e.logger.Info("workflow terminated",
		"workflow_id", workflowID, "reason", reason, "waiters_released", released)
	return wf, nil
}

// failWorkflow records a terminal engine failure: transition to failed,
// failure report, metrics. The cause is treated as handled, so Execute
// returns nil afterwards.
func (e *Engine) failWorkflow(workflowID string, phase models.Phase, cause error) error {
	wf, err := e.loadWorkflow(workflowID)
	if err != nil {
		return errors.Join(cause, err)
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	e.logger.Error("workflow failed", "workflow_id", workflowID, "phase", phase, "error", cause)
	if err := e.transitionTerminal(wf, models.StatusFailed, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	if err := e.writeFailureReport(wf, cause); err != nil {
		e.logger.Warn("failed to write failure report", "workflow_id", workflowID, "error", err)
	}
	return nil
}

// transitionPhase records the edge and advances the phase.
func (e *Engine) transitionPhase(wf *models.Workflow, to models.Phase, reason string) error {
	e.appendTransition(wf, string(to), reason)
	wf.Phase = to
	return e.saveWorkflow(wf)
}

// transitionTerminal records the edge into a terminal status.
func (e *Engine) transitionTerminal(wf *models.Workflow, status models.WorkflowStatus, reason string) error {
	e.appendTransition(wf, string(status), reason)
	wf.Status = status
	if err := e.saveWorkflow(wf); err != nil {
		return err
	}
	switch status {
	case models.StatusCompleted:
		e.metrics.WorkflowCompleted()
	case models.StatusFailed, models.StatusTerminated:
		e.metrics.WorkflowFailed()
	}
	return nil
}

func (e *Engine) appendTransition(wf *models.Workflow, to, reason string) {
	wf.PhaseHistory = append(wf.PhaseHistory, models.PhaseTransition{
		From:      string(wf.Phase),
		To:        to,
		Timestamp: e.now().UTC(),
		Reason:    reason,
	})
	e.metrics.PhaseTransition(to)
}

func (e *Engine) loadWorkflow(workflowID string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := e.store.Load(runsKind, workflowID+"/state", &wf); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return &wf, nil
}

func (e *Engine) saveWorkflow(wf *models.Workflow) error {
	wf.UpdatedAt = e.now().UTC()
	return e.store.Save(runsKind, wf.WorkflowID+"/state", wf)
}

// recordRetryMetrics counts each failed attempt by classified category.
func (e *Engine) recordRetryMetrics(res retry.Result) {
	for _, msg := range res.ErrorHistory {
		e.metrics.RetryAttempt(string(retry.Classify(errors.New(msg))))
	}
}
