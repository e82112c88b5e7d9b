package services

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/approval"
	"github.com/kawanishi0117/agent-company-sub006/pkg/meeting"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/queue"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
	"github.com/kawanishi0117/agent-company-sub006/pkg/workflow"
)

const runsKind = "runs"

// StartWorkflowInput contains the data needed to start a workflow
// directly, without the task submission envelope.
type StartWorkflowInput struct {
	Instruction string
	ProjectID   string
}

// WorkflowService exposes workflow lifecycle operations: start, list,
// inspect, approve, escalate, roll back, and artifact access.
type WorkflowService struct {
	store    *store.Store
	pool     *queue.Pool
	engine   *workflow.Engine
	gate     *approval.Gate
	meetings *meeting.Coordinator
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorkflowService creates a new WorkflowService. The meeting
// coordinator may be nil when minutes are not captured.
func NewWorkflowService(st *store.Store, pool *queue.Pool, engine *workflow.Engine, gate *approval.Gate, meetings *meeting.Coordinator, logger *slog.Logger) *WorkflowService {
	if st == nil {
		panic("NewWorkflowService: store must not be nil")
	}
	if pool == nil {
		panic("NewWorkflowService: pool must not be nil")
	}
	if engine == nil {
		panic("NewWorkflowService: engine must not be nil")
	}
	if gate == nil {
		panic("NewWorkflowService: gate must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{
		store:    st,
		pool:     pool,
		engine:   engine,
		gate:     gate,
		meetings: meetings,
		logger:   logger,
		now:      time.Now,
	}
}

// newWorkflowDoc builds the initial state document for an admitted
// instruction.
func newWorkflowDoc(instruction, projectID string, meta *models.TaskMetadata, now time.Time) *models.Workflow {
	now = now.UTC()
	return &models.Workflow{
		WorkflowID:  uuid.New().String(),
		ProjectID:   projectID,
		Instruction: instruction,
		Phase:       models.PhaseProposal,
		Status:      models.StatusRunning,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// admitWorkflow persists the state document and queues the workflow for
// dispatch. When admission is gated the document is removed again so no
// orphan state survives the rejection.
func admitWorkflow(st *store.Store, pool *queue.Pool, logger *slog.Logger, wf *models.Workflow) error {
	if err := st.Save(runsKind, wf.WorkflowID+"/state", wf); err != nil {
		return fmt.Errorf("persisting workflow state: %w", err)
	}
	if err := pool.Enqueue(wf.WorkflowID); err != nil {
		if rmErr := st.RemoveDir(runsKind + "/" + wf.WorkflowID); rmErr != nil {
			logger.Warn("failed to remove state of rejected workflow",
				"workflow_id", wf.WorkflowID, "error", rmErr)
		}
		if errors.Is(err, queue.ErrEmergencyStopped) {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return err
	}
	return nil
}

// StartWorkflow admits a workflow straight into the proposal phase.
func (s *WorkflowService) StartWorkflow(input StartWorkflowInput) (*models.Workflow, error) {
	if strings.TrimSpace(input.Instruction) == "" {
		return nil, NewValidationError("instruction", "instruction is required")
	}
	if strings.TrimSpace(input.ProjectID) == "" {
		return nil, NewValidationError("projectId", "project id is required")
	}

	wf := newWorkflowDoc(input.Instruction, input.ProjectID, nil, s.now())
	if err := admitWorkflow(s.store, s.pool, s.logger, wf); err != nil {
		return nil, err
	}

	s.logger.Info("workflow started", "workflow_id", wf.WorkflowID, "project_id", wf.ProjectID)
	return wf, nil
}

// ListWorkflows returns summaries of all workflows, newest first,
// optionally filtered by status.
func (s *WorkflowService) ListWorkflows(status string) ([]models.WorkflowSummary, error) {
	if status != "" && !models.WorkflowStatus(status).IsValid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	ids, err := s.store.List(runsKind)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}

	summaries := make([]models.WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		var wf models.Workflow
		if err := s.store.Load(runsKind, id+"/state", &wf); err != nil {
			// A directory without state.json is not a workflow.
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable workflow state", "workflow_id", id, "error", err)
			continue
		}
		if status != "" && wf.Status != models.WorkflowStatus(status) {
			continue
		}
		summaries = append(summaries, wf.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].WorkflowID < summaries[j].WorkflowID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// GetWorkflow returns the full state document.
func (s *WorkflowService) GetWorkflow(workflowID string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := s.store.Load(runsKind, workflowID+"/state", &wf); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, workflow.ErrWorkflowNotFound)
		}
		return nil, err
	}
	return &wf, nil
}

// SubmitApproval records a human decision for a waiting workflow. The
// decision is persisted before any suspended rendezvous resolves, so a
// crash in between never loses it.
func (s *WorkflowService) SubmitApproval(workflowID string, action models.ApprovalAction, feedback string) (*approval.SubmitResult, error) {
	if !action.IsValid() {
		return nil, NewValidationError("action", fmt.Sprintf("unknown action %q", action))
	}

	wf, err := s.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.StatusWaitingApproval {
		return nil, fmt.Errorf("%w: workflow is %s, not waiting for approval", ErrInvalidState, wf.Status)
	}

	phase := string(wf.Phase)
	if pending, ok := s.gate.Pending(workflowID); ok {
		phase = pending.Phase
	}
	result, err := s.gate.SubmitDecision(workflowID, models.ApprovalDecision{
		Phase:    phase,
		Action:   action,
		Feedback: feedback,
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitEscalation resolves a pending retry-exhaustion escalation.
func (s *WorkflowService) SubmitEscalation(workflowID string, action models.EscalationAction, reason string) error {
	if !action.IsValid() {
		return NewValidationError("action", fmt.Sprintf("unknown action %q", action))
	}

	if _, err := s.GetWorkflow(workflowID); err != nil {
		return err
	}
	err := s.engine.HandleEscalation(workflowID, models.EscalationDecision{
		Action: action,
		Reason: reason,
	})
	if errors.Is(err, workflow.ErrNoPendingEscalation) {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}

// Rollback rewinds the workflow to an earlier phase and re-queues it so
// an idle workflow resumes from the target.
func (s *WorkflowService) Rollback(workflowID string, target string) (*models.Workflow, error) {
	phase := models.Phase(target)
	if !phase.IsValid() {
		return nil, NewValidationError("targetPhase", fmt.Sprintf("unknown phase %q", target))
	}

	wf, err := s.engine.RollbackToPhase(workflowID, phase)
	if err != nil {
		var invalid *workflow.RollbackInvalidError
		switch {
		case errors.As(err, &invalid):
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		case errors.Is(err, workflow.ErrWorkflowTerminal):
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		default:
			return nil, err
		}
	}

	// The executor may have already exited (crash, prior terminal error).
	// Enqueue is dedup-safe, so re-queuing a live workflow is a no-op.
	if err := s.pool.Enqueue(workflowID); err != nil && !errors.Is(err, queue.ErrEmergencyStopped) {
		s.logger.Warn("failed to re-queue rolled back workflow",
			"workflow_id", workflowID, "error", err)
	}
	return wf, nil
}

// GetProposal returns the proposal artifact, or nil when the phase has
// not produced one yet.
func (s *WorkflowService) GetProposal(workflowID string) (*models.Proposal, error) {
	var doc models.Proposal
	if err := s.loadArtifact(workflowID, "proposal", &doc); err != nil || doc.ProposalID == "" {
		return nil, err
	}
	return &doc, nil
}

// GetDeliverable returns the deliverable artifact, or nil when the
// delivery phase has not run yet.
func (s *WorkflowService) GetDeliverable(workflowID string) (*models.Deliverable, error) {
	var doc models.Deliverable
	if err := s.loadArtifact(workflowID, "deliverable", &doc); err != nil || doc.DeliverableID == "" {
		return nil, err
	}
	return &doc, nil
}

// GetProgress returns the development progress snapshot, or nil before
// development starts.
func (s *WorkflowService) GetProgress(workflowID string) (*models.SubtaskProgress, error) {
	var doc models.SubtaskProgress
	if err := s.loadArtifact(workflowID, "progress", &doc); err != nil || doc.WorkflowID == "" {
		return nil, err
	}
	return &doc, nil
}

// GetQuality returns the aggregated quality results, or nil before the
// quality gate runs.
func (s *WorkflowService) GetQuality(workflowID string) (*models.QualityResultsData, error) {
	var doc models.QualityResultsData
	if err := s.loadArtifact(workflowID, "quality", &doc); err != nil || doc.WorkflowID == "" {
		return nil, err
	}
	return &doc, nil
}

// GetApprovalHistory returns all recorded decisions for the workflow.
func (s *WorkflowService) GetApprovalHistory(workflowID string) ([]models.ApprovalDecision, error) {
	if _, err := s.GetWorkflow(workflowID); err != nil {
		return nil, err
	}
	return s.gate.GetApprovalHistory(workflowID)
}

// GetMeetings returns the meeting minutes recorded for the workflow.
func (s *WorkflowService) GetMeetings(workflowID string) ([]*models.MeetingMinutes, error) {
	if _, err := s.GetWorkflow(workflowID); err != nil {
		return nil, err
	}
	if s.meetings == nil {
		return nil, nil
	}
	return s.meetings.List(workflowID)
}

// loadArtifact reads one optional artifact document. A missing artifact
// is not an error when the workflow itself exists.
func (s *WorkflowService) loadArtifact(workflowID, name string, out any) error {
	if _, err := s.GetWorkflow(workflowID); err != nil {
		return err
	}
	if err := s.store.Load(runsKind, workflowID+"/"+name, out); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}
