package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/services"
)

// startWorkflowHandler handles POST /api/v1/workflows.
func (s *Server) startWorkflowHandler(c *echo.Context) error {
	var req StartWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}

	wf, err := s.workflows.StartWorkflow(services.StartWorkflowInput{
		Instruction: req.Instruction,
		ProjectID:   req.ProjectID,
	})
	if err != nil {
		return s.fail(c, err)
	}

	return respond(c, http.StatusCreated, StartWorkflowResponse{
		WorkflowID: wf.WorkflowID,
		Phase:      wf.Phase,
		Status:     wf.Status,
	})
}

// listWorkflowsHandler handles GET /api/v1/workflows?status=.
func (s *Server) listWorkflowsHandler(c *echo.Context) error {
	summaries, err := s.workflows.ListWorkflows(c.QueryParam("status"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, summaries)
}

// getWorkflowHandler handles GET /api/v1/workflows/:id.
func (s *Server) getWorkflowHandler(c *echo.Context) error {
	wf, err := s.workflows.GetWorkflow(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, wf)
}

// approveWorkflowHandler handles POST /api/v1/workflows/:id/approval.
// The decision is durable once this returns: hadResolver=false means it
// was persisted for the engine to apply on resume.
func (s *Server) approveWorkflowHandler(c *echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}

	workflowID := c.Param("id")
	result, err := s.workflows.SubmitApproval(workflowID, models.ApprovalAction(req.Action), req.Feedback)
	if err != nil {
		return s.fail(c, err)
	}

	s.logger.Info("approval decision accepted",
		"workflow_id", workflowID,
		"action", result.Decision.Action,
		"had_resolver", result.HadResolver,
		"author", extractAuthor(c))

	return respondOK(c, ApprovalResponse{
		WorkflowID:  workflowID,
		Action:      result.Decision.Action,
		HadResolver: result.HadResolver,
	})
}

// escalateWorkflowHandler handles POST /api/v1/workflows/:id/escalation.
func (s *Server) escalateWorkflowHandler(c *echo.Context) error {
	var req EscalationRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}

	workflowID := c.Param("id")
	action := models.EscalationAction(req.Action)
	if err := s.workflows.SubmitEscalation(workflowID, action, req.Reason); err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, EscalationResponse{WorkflowID: workflowID, Action: action})
}

// rollbackWorkflowHandler handles POST /api/v1/workflows/:id/rollback.
func (s *Server) rollbackWorkflowHandler(c *echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}

	wf, err := s.workflows.Rollback(c.Param("id"), req.TargetPhase)
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, RollbackResponse{
		WorkflowID:    wf.WorkflowID,
		Phase:         wf.Phase,
		DispatchEpoch: wf.DispatchEpoch,
	})
}

// getProposalHandler handles GET /api/v1/workflows/:id/proposal.
// Data is null until the proposal phase produces one.
func (s *Server) getProposalHandler(c *echo.Context) error {
	doc, err := s.workflows.GetProposal(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, doc)
}

// getDeliverableHandler handles GET /api/v1/workflows/:id/deliverable.
func (s *Server) getDeliverableHandler(c *echo.Context) error {
	doc, err := s.workflows.GetDeliverable(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, doc)
}

// getProgressHandler handles GET /api/v1/workflows/:id/progress.
func (s *Server) getProgressHandler(c *echo.Context) error {
	doc, err := s.workflows.GetProgress(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, doc)
}

// getQualityHandler handles GET /api/v1/workflows/:id/quality.
func (s *Server) getQualityHandler(c *echo.Context) error {
	doc, err := s.workflows.GetQuality(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, doc)
}

// getMeetingsHandler handles GET /api/v1/workflows/:id/meetings.
func (s *Server) getMeetingsHandler(c *echo.Context) error {
	minutes, err := s.workflows.GetMeetings(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, minutes)
}

// getApprovalsHandler handles GET /api/v1/workflows/:id/approvals.
func (s *Server) getApprovalsHandler(c *echo.Context) error {
	history, err := s.workflows.GetApprovalHistory(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, history)
}
