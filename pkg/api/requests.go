package api

import "time"

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Instruction string     `json:"instruction"`
	ProjectID   string     `json:"projectId"`
	Priority    string     `json:"priority,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// StartWorkflowRequest is the body of POST /api/v1/workflows.
type StartWorkflowRequest struct {
	Instruction string `json:"instruction"`
	ProjectID   string `json:"projectId"`
}

// ApprovalRequest is the body of POST /api/v1/workflows/:id/approval.
type ApprovalRequest struct {
	Action   string `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

// EscalationRequest is the body of POST /api/v1/workflows/:id/escalation.
type EscalationRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// RollbackRequest is the body of POST /api/v1/workflows/:id/rollback.
type RollbackRequest struct {
	TargetPhase string `json:"targetPhase"`
}
