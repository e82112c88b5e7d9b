package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/queue"
)

// successEnvelope wraps every successful response. Data is always
// present so absent artifacts render as an explicit null.
type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// errorEnvelope wraps every failed response with a stable machine code.
// Data carries structured detail when one exists (validation results,
// availability breakdowns).
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *echo.Context, status int, data any) error {
	return c.JSON(status, successEnvelope{Success: true, Data: data})
}

func respondOK(c *echo.Context, data any) error {
	return respond(c, http.StatusOK, data)
}

func respondError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, errorEnvelope{Success: false, Error: message, Code: code})
}

// SubmitTaskResponse is returned by POST /api/v1/tasks.
type SubmitTaskResponse struct {
	TaskID string                `json:"taskId"`
	Phase  models.Phase          `json:"phase"`
	Status models.WorkflowStatus `json:"status"`
}

// CancelTaskResponse is returned by POST /api/v1/tasks/:id/cancel.
type CancelTaskResponse struct {
	TaskID string                `json:"taskId"`
	Status models.WorkflowStatus `json:"status"`
}

// StartWorkflowResponse is returned by POST /api/v1/workflows.
type StartWorkflowResponse struct {
	WorkflowID string                `json:"workflowId"`
	Phase      models.Phase          `json:"phase"`
	Status     models.WorkflowStatus `json:"status"`
}

// ApprovalResponse is returned by POST /api/v1/workflows/:id/approval.
// HadResolver reports whether a suspended request consumed the decision
// immediately; false means it was persisted for replay on resume.
type ApprovalResponse struct {
	WorkflowID  string                `json:"workflowId"`
	Action      models.ApprovalAction `json:"action"`
	HadResolver bool                  `json:"hadResolver"`
}

// EscalationResponse is returned by POST /api/v1/workflows/:id/escalation.
type EscalationResponse struct {
	WorkflowID string                  `json:"workflowId"`
	Action     models.EscalationAction `json:"action"`
}

// RollbackResponse is returned by POST /api/v1/workflows/:id/rollback.
type RollbackResponse struct {
	WorkflowID    string       `json:"workflowId"`
	Phase         models.Phase `json:"phase"`
	DispatchEpoch int          `json:"dispatchEpoch"`
}

// ControlResponse is returned by the pool control routes.
type ControlResponse struct {
	Status           string `json:"status"`
	WorkflowsStopped int    `json:"workflowsStopped,omitempty"`
}

// HealthCheck is one component verdict inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks"`
	Scheduler *queue.PoolHealth      `json:"scheduler,omitempty"`
}
