package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/knowledge"
	"github.com/kawanishi0117/agent-company-sub006/pkg/meeting"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// runProposal convenes the planning meeting, derives the proposal from
// its minutes, and advances to approval.
func (e *Engine) runProposal(ctx context.Context, wf *models.Workflow) error {
	minutes, err := e.meetings.Convene(ctx, wf.WorkflowID, wf.Instruction, agent.FacilitatorID)
	if err != nil {
		return err
	}
	wf.MeetingMinutesIDs = append(wf.MeetingMinutesIDs, minutes.MeetingID)

	proposal := e.deriveProposal(wf, minutes)
	if err := e.store.Save(runsKind, wf.WorkflowID+"/proposal", proposal); err != nil {
		return err
	}
	wf.ProposalID = proposal.ProposalID

	e.logger.Info("proposal drafted",
		"workflow_id", wf.WorkflowID,
		"proposal_id", proposal.ProposalID,
		"version", proposal.Version,
		"tasks", len(proposal.TaskBreakdown),
		"risks", len(proposal.Risks))
	return e.transitionPhase(wf, models.PhaseApproval, "")
}

// runApproval gates the proposal on a human decision.
func (e *Engine) runApproval(ctx context.Context, wf *models.Workflow) error {
	proposal, err := e.loadProposal(wf.WorkflowID)
	if err != nil {
		return err
	}

	decision, err := e.nextDecision(ctx, wf, "approval", proposal)
	if err != nil {
		return err
	}

	switch decision.Action {
	case models.ApprovalActionApprove:
		return e.transitionPhase(wf, models.PhaseDevelopment, "")
	case models.ApprovalActionRequestRevision:
		wf.DispatchEpoch++
		return e.transitionPhase(wf, models.PhaseProposal, "rollback: "+decision.Feedback)
	case models.ApprovalActionReject:
		return e.transitionTerminal(wf, models.StatusTerminated, "rejected: "+decision.Feedback)
	default:
		return fmt.Errorf("workflow %s: unknown approval action %q", wf.WorkflowID, decision.Action)
	}
}

// runDelivery packages the deliverable and gates it on the final human
// decision.
func (e *Engine) runDelivery(ctx context.Context, wf *models.Workflow) error {
	deliverable, err := e.buildDeliverable(wf)
	if err != nil {
		return err
	}
	if err := e.store.Save(runsKind, wf.WorkflowID+"/deliverable", deliverable); err != nil {
		return err
	}
	wf.DeliverableID = deliverable.DeliverableID
	if err := e.saveWorkflow(wf); err != nil {
		return err
	}

	decision, err := e.nextDecision(ctx, wf, "delivery", deliverable)
	if err != nil {
		return err
	}

	switch decision.Action {
	case models.ApprovalActionApprove:
		if err := e.transitionTerminal(wf, models.StatusCompleted, ""); err != nil {
			return err
		}
		e.recordKnowledge(wf, deliverable)
		return nil
	case models.ApprovalActionRequestRevision:
		wf.DeliverableID = ""
		wf.DispatchEpoch++
		wf.QaFailureCount = 0
		if err := e.prepareRedo(wf); err != nil {
			return err
		}
		return e.transitionPhase(wf, models.PhaseDevelopment, "rollback: "+decision.Feedback)
	case models.ApprovalActionReject:
		return e.transitionTerminal(wf, models.StatusFailed, "rejected: "+decision.Feedback)
	default:
		return fmt.Errorf("workflow %s: unknown approval action %q", wf.WorkflowID, decision.Action)
	}
}

// nextDecision obtains the next human decision for the given gate
// phase. Decisions already persisted but not yet consumed (a restart
// landed between acceptance and application) are applied directly;
// otherwise the workflow suspends on the approval gate. The bumped
// DecisionsApplied count and the restored running status are persisted
// by the caller's follow-up transition, so a crash before it replays
// the same decision.
func (e *Engine) nextDecision(ctx context.Context, wf *models.Workflow, phase string, content any) (*models.ApprovalDecision, error) {
	history, err := e.approvals.GetApprovalHistory(wf.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.DecisionsApplied < len(history) {
		decision := history[wf.DecisionsApplied]
		wf.DecisionsApplied++
		wf.Status = models.StatusRunning
		e.metrics.ApprovalDecision(string(decision.Action))
		e.logger.Info("applying persisted decision",
			"workflow_id", wf.WorkflowID,
			"phase", phase,
			"action", decision.Action,
			"decisions_applied", wf.DecisionsApplied)
		return &decision, nil
	}

	wf.Status = models.StatusWaitingApproval
	if err := e.saveWorkflow(wf); err != nil {
		return nil, err
	}
	decision, err := e.approvals.RequestApproval(ctx, wf.WorkflowID, phase, content)
	if err != nil {
		return nil, err
	}
	wf.Status = models.StatusRunning
	wf.DecisionsApplied++
	e.metrics.ApprovalDecision(string(decision.Action))
	e.logger.Info("decision received",
		"workflow_id", wf.WorkflowID,
		"phase", phase,
		"action", decision.Action)
	return decision, nil
}

// buildDeliverable assembles the delivery artifact from the ticket
// tree and the development progress record.
func (e *Engine) buildDeliverable(wf *models.Workflow) (*models.Deliverable, error) {
	progress, err := e.loadOrRebuildProgress(wf)
	if err != nil {
		return nil, err
	}

	var (
		changes   []string
		artifacts []string
		reviews   []string
		completed int
		failed    int
		skipped   int
	)
	leaves, err := e.leafTickets(wf.ParentTicketID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Ticket, len(leaves))
	for _, leaf := range leaves {
		byID[leaf.TicketID] = leaf
	}

	for _, item := range progress.Items {
		switch item.Status {
		case models.SubtaskStatusCompleted:
			completed++
			changes = append(changes, fmt.Sprintf("task %d: %s", item.TaskNumber, item.Title))
			reviews = append(reviews, fmt.Sprintf("task %d review approved", item.TaskNumber))
			if leaf := byID[item.TaskID]; leaf != nil {
				artifacts = append(artifacts, leaf.Artifacts...)
			}
		case models.SubtaskStatusFailed:
			failed++
		case models.SubtaskStatusSkipped:
			skipped++
			reviews = append(reviews, fmt.Sprintf("task %d waived", item.TaskNumber))
		}
	}

	return &models.Deliverable{
		DeliverableID: uuid.New().String(),
		WorkflowID:    wf.WorkflowID,
		SummaryReport: fmt.Sprintf("Delivered %d of %d tasks for: %s",
			completed, progress.Total, truncate(wf.Instruction, 120)),
		Changes: changes,
		TestResults: models.TestResults{
			Total:   progress.Total,
			Passed:  completed,
			Failed:  failed,
			Skipped: skipped,
		},
		Artifacts:     artifacts,
		ReviewHistory: reviews,
		CreatedAt:     e.now().UTC(),
	}, nil
}

// recordKnowledge writes the completion entry into the knowledge base.
// Best effort: a knowledge write never fails a completed workflow.
func (e *Engine) recordKnowledge(wf *models.Workflow, deliverable *models.Deliverable) {
	if e.knowledge == nil {
		return
	}
	tags := []string{"workflow"}
	for _, m := range meeting.MatchTopics(wf.Instruction) {
		tags = append(tags, m.ID)
	}
	_, err := e.knowledge.Add(knowledge.AddInput{
		WorkflowID: wf.WorkflowID,
		Title:      truncate(wf.Instruction, 80),
		Summary:    deliverable.SummaryReport,
		Tags:       tags,
		Outcome:    string(models.StatusCompleted),
	})
	if err != nil {
		e.logger.Warn("failed to record knowledge entry", "workflow_id", wf.WorkflowID, "error", err)
	}
}
