package models

import "time"

// ApprovalAction is the human decision on a waiting workflow.
type ApprovalAction string

const (
	ApprovalActionApprove         ApprovalAction = "approve"
	ApprovalActionRequestRevision ApprovalAction = "request_revision"
	ApprovalActionReject          ApprovalAction = "reject"
)

// IsValid checks if the action is recognized.
func (a ApprovalAction) IsValid() bool {
	switch a {
	case ApprovalActionApprove, ApprovalActionRequestRevision, ApprovalActionReject:
		return true
	default:
		return false
	}
}

// ApprovalDecision is one accepted human decision.
type ApprovalDecision struct {
	WorkflowID string         `json:"workflowId"`
	Phase      string         `json:"phase"`
	Action     ApprovalAction `json:"action"`
	Feedback   string         `json:"feedback,omitempty"`
	DecidedAt  time.Time      `json:"decidedAt"`
}

// ApprovalHistory is the persisted approvals.json document.
type ApprovalHistory struct {
	WorkflowID string             `json:"workflowId"`
	Decisions  []ApprovalDecision `json:"decisions"`
}

// EscalationAction is the human response to an escalation.
type EscalationAction string

const (
	EscalationActionRetry EscalationAction = "retry"
	EscalationActionSkip  EscalationAction = "skip"
	EscalationActionAbort EscalationAction = "abort"
)

// IsValid checks if the escalation action is recognized.
func (a EscalationAction) IsValid() bool {
	switch a {
	case EscalationActionRetry, EscalationActionSkip, EscalationActionAbort:
		return true
	default:
		return false
	}
}

// EscalationDecision is the human-supplied resolution of an escalation.
type EscalationDecision struct {
	Action    EscalationAction `json:"action"`
	Reason    string           `json:"reason,omitempty"`
	DecidedAt time.Time        `json:"decidedAt"`
}
