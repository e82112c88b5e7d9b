package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/bus"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/quality"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// runQualityAssurance drives one pass of the quality gate and the
// failure ladder: first failure retries in place, second reassigns the
// developer tasks, third raises an escalation rendezvous with the
// quality authority. wf.QaFailureCount carries the rung across process
// restarts; a passing gate resets it.
func (e *Engine) runQualityAssurance(ctx context.Context, wf *models.Workflow) error {
	// The gate persists its own result over runs/<id>/quality, so the
	// accumulated history has to be read before it runs.
	prior := e.loadQualityHistory(wf.WorkflowID)

	result, err := e.quality.Execute(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}

	aggregate, err := e.buildQualityAggregate(wf, prior, result)
	if err != nil {
		return err
	}
	if err := e.store.Save(runsKind, wf.WorkflowID+"/quality", aggregate); err != nil {
		return err
	}

	if aggregate.OverallPassed {
		wf.QaFailureCount = 0
		e.logger.Info("quality gate passed",
			"workflow_id", wf.WorkflowID,
			"error_count", aggregate.ErrorCount,
			"warning_count", aggregate.WarningCount)
		return e.transitionPhase(wf, models.PhaseDelivery, "")
	}

	wf.QaFailureCount++
	if err := e.saveWorkflow(wf); err != nil {
		return err
	}

	payload := e.reporter.BuildFailurePayload(wf.WorkflowID, wf.WorkflowID, result)
	rec := e.reporter.GenerateDecisionRecommendation(payload, wf.QaFailureCount)
	e.logger.Warn("quality gate failed",
		"workflow_id", wf.WorkflowID,
		"failure_count", wf.QaFailureCount,
		"action", rec.Action,
		"failed_gates", strings.Join(payload.FailedGates, ","))

	if err := e.notifyQualityFailure(ctx, wf, payload, rec); err != nil {
		e.logger.Warn("quality failure notification failed",
			"workflow_id", wf.WorkflowID, "error", err)
	}

	switch rec.Action {
	case quality.ActionRetry:
		// Loop re-enters the phase and re-runs the gate in place.
		return nil
	case quality.ActionReassign:
		return e.reassignDevelopment(wf)
	case quality.ActionEscalate:
		return e.escalateQualityFailure(ctx, wf, payload, rec)
	default:
		return fmt.Errorf("workflow %s: unknown quality recommendation %q", wf.WorkflowID, rec.Action)
	}
}

// loadQualityHistory returns the accumulated per-pass results. A bare
// gate result left by a crash between the gate and the aggregate save
// loads as an empty history, which only costs that one entry.
func (e *Engine) loadQualityHistory(workflowID string) []models.QualityGateResult {
	var doc models.QualityResultsData
	err := e.store.Load(runsKind, workflowID+"/quality", &doc)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("failed to load quality history",
				"workflow_id", workflowID, "error", err)
		}
		return nil
	}
	return doc.Results
}

// buildQualityAggregate folds the latest gate result into the
// accumulated aggregate and synthesizes the review stage from the
// development progress record.
func (e *Engine) buildQualityAggregate(wf *models.Workflow, prior []models.QualityGateResult, result *models.QualityGateResult) (*models.QualityResultsData, error) {
	progress, err := e.loadOrRebuildProgress(wf)
	if err != nil {
		return nil, err
	}

	review := models.StageResult{
		Executed: true,
		Passed:   progress.Failed == 0,
		Output:   fmt.Sprintf("%d/%d subtasks passed review", progress.Completed, progress.Total),
	}

	aggregate := &models.QualityResultsData{
		WorkflowID:    wf.WorkflowID,
		Results:       append(prior, *result),
		Lint:          result.Lint,
		Test:          result.Test,
		Review:        &review,
		ErrorCount:    result.ErrorCount,
		WarningCount:  result.WarningCount,
		OverallPassed: result.OverallPassed && review.Passed,
		ComplianceReport: fmt.Sprintf("lint: %s; tests: %s; review: %d/%d approved",
			stageVerdict(result.Lint), stageVerdict(result.Test), progress.Completed, progress.Total),
		ExecutedAt: result.ExecutedAt,
	}
	return aggregate, nil
}

func stageVerdict(stage models.StageResult) string {
	switch {
	case stage.SkipReason != "":
		return "skipped"
	case stage.Passed:
		return "pass"
	default:
		return "fail"
	}
}

// notifyQualityFailure tells the responsible agent about the failing
// gate: the manager for retry and reassign, the quality authority once
// the ladder escalates.
func (e *Engine) notifyQualityFailure(ctx context.Context, wf *models.Workflow, payload *quality.FailurePayload, rec quality.DecisionRecommendation) error {
	recipient := agent.ManagerID
	if rec.Action == quality.ActionEscalate {
		recipient = agent.QualityAuthorityID
	}
	msg, err := bus.NewMessage(models.MessageTypeEscalate, engineMailbox(wf.WorkflowID), recipient, models.EscalationPayload{
		RunID:             wf.WorkflowID,
		AgentID:           agent.ManagerID,
		Category:          "quality",
		Error:             strings.Join(payload.Errors, "; "),
		Attempts:          wf.QaFailureCount,
		Reason:            rec.Reason,
		RecommendedAction: rec.Action,
		Timestamp:         e.now().UTC(),
	})
	if err != nil {
		return err
	}
	msg.WorkflowID = wf.WorkflowID
	return e.bus.Send(ctx, msg)
}

// reassignDevelopment rolls the workflow back to development with only
// the developer tasks reopened. QaFailureCount is kept: a reassignment
// that fails the gate again must climb the ladder, not restart it.
func (e *Engine) reassignDevelopment(wf *models.Workflow) error {
	if err := e.reopenWorkerTasks(wf, models.WorkerTypeDeveloper); err != nil {
		return err
	}
	wf.DispatchEpoch++
	e.logger.Info("reassigning developer tasks after quality failure",
		"workflow_id", wf.WorkflowID,
		"failure_count", wf.QaFailureCount,
		"dispatch_epoch", wf.DispatchEpoch)
	return e.transitionPhase(wf, models.PhaseDevelopment, "rollback: quality gate reassignment")
}

// reopenWorkerTasks reopens the parent chain and the leaves of one
// worker type, returning their progress items to pending.
func (e *Engine) reopenWorkerTasks(wf *models.Workflow, wt models.WorkerType) error {
	if wf.ParentTicketID == "" {
		return nil
	}
	parent, err := e.tickets.Get(wf.ParentTicketID)
	if err != nil {
		return err
	}
	if err := e.reopenNode(parent); err != nil {
		return err
	}
	children, err := e.tickets.Children(wf.ParentTicketID)
	if err != nil {
		return err
	}
	reopened := make(map[string]bool)
	for _, child := range children {
		if child.WorkerType != wt {
			continue
		}
		if err := e.reopenNode(child); err != nil {
			return err
		}
		leaves, err := e.tickets.Children(child.TicketID)
		if err != nil {
			return err
		}
		for _, leaf := range leaves {
			if err := e.reopenNode(leaf); err != nil {
				return err
			}
			reopened[leaf.TicketID] = true
		}
	}

	var doc models.SubtaskProgress
	err = e.store.Load(runsKind, wf.WorkflowID+"/progress", &doc)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := e.now().UTC()
	for i := range doc.Items {
		if !reopened[doc.Items[i].TaskID] {
			continue
		}
		doc.Items[i].Status = models.SubtaskStatusPending
		doc.Items[i].Error = ""
		doc.Items[i].UpdatedAt = now
	}
	recount(&doc)
	return e.store.Save(runsKind, wf.WorkflowID+"/progress", &doc)
}

// escalateQualityFailure blocks on a human decision from the quality
// authority: retry re-runs the gate, skip waives it into delivery,
// abort terminates the workflow.
func (e *Engine) escalateQualityFailure(ctx context.Context, wf *models.Workflow, payload *quality.FailurePayload, rec quality.DecisionRecommendation) error {
	decision, err := e.approvals.RequestEscalation(ctx, wf.WorkflowID, models.EscalationPayload{
		RunID:             wf.WorkflowID,
		AgentID:           agent.QualityAuthorityID,
		Category:          "quality",
		Error:             strings.Join(payload.Errors, "; "),
		Attempts:          wf.QaFailureCount,
		Reason:            rec.Reason,
		RecommendedAction: rec.Action,
		Timestamp:         e.now().UTC(),
	})
	if err != nil {
		return err
	}

	switch decision.Action {
	case models.EscalationActionRetry:
		return nil
	case models.EscalationActionSkip:
		e.logger.Warn("quality gate waived",
			"workflow_id", wf.WorkflowID, "reason", decision.Reason)
		return e.transitionPhase(wf, models.PhaseDelivery, "waiver: "+decision.Reason)
	case models.EscalationActionAbort:
		return e.transitionTerminal(wf, models.StatusTerminated, "aborted: "+decision.Reason)
	default:
		return fmt.Errorf("workflow %s: unknown escalation action %q", wf.WorkflowID, decision.Action)
	}
}
