package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/kawanishi0117/agent-company-sub006/pkg/services"
)

// submitTaskHandler handles POST /api/v1/tasks. Admission is gated on
// AI availability; a refusal returns 503 with setup hints.
func (s *Server) submitTaskHandler(c *echo.Context) error {
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}

	wf, err := s.tasks.SubmitTask(c.Request().Context(), services.SubmitTaskInput{
		Instruction: req.Instruction,
		ProjectID:   req.ProjectID,
		Priority:    req.Priority,
		Tags:        req.Tags,
		Deadline:    req.Deadline,
	})
	if err != nil {
		return s.fail(c, err)
	}

	return respond(c, http.StatusAccepted, SubmitTaskResponse{
		TaskID: wf.WorkflowID,
		Phase:  wf.Phase,
		Status: wf.Status,
	})
}

// getTaskStatusHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskStatusHandler(c *echo.Context) error {
	status, err := s.tasks.GetTaskStatus(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, status)
}

// cancelTaskHandler handles POST /api/v1/tasks/:id/cancel.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	wf, err := s.tasks.CancelTask(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, CancelTaskResponse{TaskID: wf.WorkflowID, Status: wf.Status})
}
