package models

import "time"

// Phase identifies one stage of the canonical workflow sequence.
type Phase string

const (
	PhaseProposal         Phase = "proposal"
	PhaseApproval         Phase = "approval"
	PhaseDevelopment      Phase = "development"
	PhaseQualityAssurance Phase = "quality_assurance"
	PhaseDelivery         Phase = "delivery"
)

// phaseOrder is the canonical progression. Terminal statuses follow
// delivery and are represented as Status values, not phases.
var phaseOrder = []Phase{
	PhaseProposal,
	PhaseApproval,
	PhaseDevelopment,
	PhaseQualityAssurance,
	PhaseDelivery,
}

// IsValid checks if the phase is a member of the canonical sequence.
func (p Phase) IsValid() bool {
	return p.Index() >= 0
}

// Index returns the position of the phase in the canonical order,
// or -1 when the phase is unknown.
func (p Phase) Index() int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Next returns the canonical successor phase and true, or false when
// the phase is delivery (whose successors are terminal statuses).
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[i+1], true
}

// Precedes reports whether p comes strictly before other in the
// canonical order.
func (p Phase) Precedes(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi < oi
}

// Phases returns the canonical phase sequence.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// WorkflowStatus is the runtime status of a workflow.
type WorkflowStatus string

const (
	StatusRunning         WorkflowStatus = "running"
	StatusWaitingApproval WorkflowStatus = "waiting_approval"
	StatusCompleted       WorkflowStatus = "completed"
	StatusFailed          WorkflowStatus = "failed"
	StatusTerminated      WorkflowStatus = "terminated"
)

// IsValid checks if the status is a recognized workflow status.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case StatusRunning, StatusWaitingApproval, StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// PhaseTransition records one edge of the workflow state machine.
// To may name a phase or a terminal status. A transition whose To does
// not immediately follow From in canonical order must carry a reason
// starting with "rollback".
type PhaseTransition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Workflow is the top-level unit of execution: one user instruction
// driven through the five-phase sequence with human gates.
type Workflow struct {
	WorkflowID  string         `json:"workflowId"`
	ProjectID   string         `json:"projectId"`
	Instruction string         `json:"instruction"`
	Phase       Phase          `json:"phase"`
	Status      WorkflowStatus `json:"status"`

	PhaseHistory []PhaseTransition `json:"phaseHistory"`

	ProposalID        string   `json:"proposalId,omitempty"`
	DeliverableID     string   `json:"deliverableId,omitempty"`
	MeetingMinutesIDs []string `json:"meetingMinutesIds,omitempty"`
	ParentTicketID    string   `json:"parentTicketId,omitempty"`

	// DecisionsApplied counts approval decisions already consumed from
	// approvals.json; on restart the engine applies any decision beyond
	// this count before re-registering a rendezvous.
	DecisionsApplied int `json:"decisionsApplied"`

	// DispatchEpoch increments on every rollback. Agent replies carrying
	// an older epoch are ignored.
	DispatchEpoch int `json:"dispatchEpoch"`

	// QaFailureCount counts consecutive quality gate failures; it picks
	// the recommendation ladder step (retry, reassign, escalate) and
	// resets when the gate passes.
	QaFailureCount int `json:"qaFailureCount,omitempty"`

	Metadata *TaskMetadata `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskMetadata is the optional metadata attached at task submission.
type TaskMetadata struct {
	Priority string     `json:"priority,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// WorkflowSummary is the list-view projection of a workflow.
type WorkflowSummary struct {
	WorkflowID  string         `json:"workflowId"`
	ProjectID   string         `json:"projectId"`
	Instruction string         `json:"instruction"`
	Phase       Phase          `json:"phase"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Summary projects the workflow into its list representation.
func (w *Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		WorkflowID:  w.WorkflowID,
		ProjectID:   w.ProjectID,
		Instruction: w.Instruction,
		Phase:       w.Phase,
		Status:      w.Status,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}
