package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

func TestStartWorkflowEndpoint(t *testing.T) {
	t.Run("creates and queues a workflow", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/api/v1/workflows", map[string]any{
			"instruction": "CSVエクスポート機能を追加してください",
			"projectId":   "proj-export",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp StartWorkflowResponse
		decodeData(t, rec, &resp)
		assert.NotEmpty(t, resp.WorkflowID)
		assert.Equal(t, models.PhaseProposal, resp.Phase)
		assert.Equal(t, models.StatusRunning, resp.Status)
		assert.Equal(t, 1, ts.pool.QueueDepth())
	})

	t.Run("missing project id is a validation error", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/api/v1/workflows", map[string]any{
			"instruction": "CSVエクスポート機能を追加してください",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeValidationError, decodeError(t, rec).Code)
	})
}

func TestListWorkflowsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	ts.saveWorkflow(&models.Workflow{WorkflowID: "wf-old", CreatedAt: base})
	ts.saveWorkflow(&models.Workflow{
		WorkflowID: "wf-done",
		Status:     models.StatusCompleted,
		CreatedAt:  base.Add(time.Hour),
	})
	ts.saveWorkflow(&models.Workflow{WorkflowID: "wf-new", CreatedAt: base.Add(2 * time.Hour)})

	t.Run("lists newest first", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var summaries []map[string]any
		decodeData(t, rec, &summaries)
		require.Len(t, summaries, 3)
		assert.Equal(t, "wf-new", summaries[0]["workflowId"])
		assert.Equal(t, "wf-done", summaries[1]["workflowId"])
		assert.Equal(t, "wf-old", summaries[2]["workflowId"])
	})

	t.Run("filters by status", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows?status=completed", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var summaries []map[string]any
		decodeData(t, rec, &summaries)
		require.Len(t, summaries, 1)
		assert.Equal(t, "wf-done", summaries[0]["workflowId"])
	})

	t.Run("unknown status is a validation error", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows?status=paused", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeValidationError, decodeError(t, rec).Code)
	})
}

func TestGetWorkflowEndpoint(t *testing.T) {
	ts := newTestServer(t)
	wf := ts.saveWorkflow(&models.Workflow{})

	t.Run("returns the workflow document", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/"+wf.WorkflowID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.Workflow
		decodeData(t, rec, &got)
		assert.Equal(t, wf.WorkflowID, got.WorkflowID)
		assert.Equal(t, wf.Instruction, got.Instruction)
	})

	t.Run("unknown workflow is 404", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/no-such-workflow", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, CodeWorkflowNotFound, decodeError(t, rec).Code)
	})
}

func TestApprovalEndpoint(t *testing.T) {
	t.Run("accepts a decision for a waiting workflow", func(t *testing.T) {
		ts := newTestServer(t)
		wf := ts.saveWorkflow(&models.Workflow{
			Phase:  models.PhaseApproval,
			Status: models.StatusWaitingApproval,
		})

		rec := ts.do(http.MethodPost, "/api/v1/workflows/"+wf.WorkflowID+"/approval", map[string]any{
			"action":   "approve",
			"feedback": "進めてください",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ApprovalResponse
		decodeData(t, rec, &resp)
		assert.Equal(t, wf.WorkflowID, resp.WorkflowID)
		assert.Equal(t, models.ApprovalActionApprove, resp.Action)
		assert.False(t, resp.HadResolver, "no rendezvous is registered, decision must persist for resume")

		rec = ts.do(http.MethodGet, "/api/v1/workflows/"+wf.WorkflowID+"/approvals", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var history []models.ApprovalDecision
		decodeData(t, rec, &history)
		require.Len(t, history, 1)
		assert.Equal(t, models.ApprovalActionApprove, history[0].Action)
		assert.Equal(t, "進めてください", history[0].Feedback)
	})

	t.Run("workflow not waiting is a state conflict", func(t *testing.T) {
		ts := newTestServer(t)
		wf := ts.saveWorkflow(&models.Workflow{})

		rec := ts.do(http.MethodPost, "/api/v1/workflows/"+wf.WorkflowID+"/approval", map[string]any{
			"action": "approve",
		})
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, CodeInvalidState, decodeError(t, rec).Code)
	})

	t.Run("unknown action is a validation error", func(t *testing.T) {
		ts := newTestServer(t)
		wf := ts.saveWorkflow(&models.Workflow{Status: models.StatusWaitingApproval})

		rec := ts.do(http.MethodPost, "/api/v1/workflows/"+wf.WorkflowID+"/approval", map[string]any{
			"action": "postpone",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeValidationError, decodeError(t, rec).Code)
	})
}

func TestEscalationEndpoint(t *testing.T) {
	t.Run("no pending escalation is a state conflict", func(t *testing.T) {
		ts := newTestServer(t)
		wf := ts.saveWorkflow(&models.Workflow{})

		rec := ts.do(http.MethodPost, "/api/v1/workflows/"+wf.WorkflowID+"/escalation", map[string]any{
			"action": "retry",
			"reason": "再試行",
		})
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, CodeInvalidState, decodeError(t, rec).Code)
	})

	t.Run("unknown workflow is 404", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/api/v1/workflows/no-such-workflow/escalation", map[string]any{
			"action": "abort",
		})
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, CodeWorkflowNotFound, decodeError(t, rec).Code)
	})
}

func TestRollbackEndpoint(t *testing.T) {
	t.Run("rewinds to an earlier phase", func(t *testing.T) {
		ts := newTestServer(t)
		wf := ts.saveWorkflow(&models.Workflow{
			Phase:          models.PhaseQualityAssurance,
			QaFailureCount: 2,
		})

		rec := ts.do(http.MethodPost, "/api/v1/workflows/"+wf.WorkflowID+"/rollback", map[string]any{
			"targetPhase": "development",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp RollbackResponse
		decodeData(t, rec, &resp)
		assert.Equal(t, models.PhaseDevelopment, resp.Phase)
		assert.Equal(t, 1, resp.DispatchEpoch)
		assert.Equal(t, 1, ts.pool.QueueDepth(), "idle workflow must be re-queued")
	})

	t.Run("unknown phase is a validation error", func(t *testing.T) {
		ts := newTestServer(t)
		wf := ts.saveWorkflow(&models.Workflow{Phase: models.PhaseQualityAssurance})

		rec := ts.do(http.MethodPost, "/api/v1/workflows/"+wf.WorkflowID+"/rollback", map[string]any{
			"targetPhase": "shipping",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeValidationError, decodeError(t, rec).Code)
	})

	t.Run("terminal workflow is a state conflict", func(t *testing.T) {
		ts := newTestServer(t)
		wf := ts.saveWorkflow(&models.Workflow{
			Phase:  models.PhaseDelivery,
			Status: models.StatusCompleted,
		})

		rec := ts.do(http.MethodPost, "/api/v1/workflows/"+wf.WorkflowID+"/rollback", map[string]any{
			"targetPhase": "development",
		})
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, CodeInvalidState, decodeError(t, rec).Code)
	})
}

func TestWorkflowArtifactEndpoints(t *testing.T) {
	ts := newTestServer(t)
	wf := ts.saveWorkflow(&models.Workflow{Phase: models.PhaseDelivery})

	t.Run("absent artifact renders explicit null data", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/"+wf.WorkflowID+"/proposal", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true,"data":null}`, rec.Body.String())
	})

	t.Run("returns persisted artifacts", func(t *testing.T) {
		require.NoError(t, ts.store.Save("runs", wf.WorkflowID+"/proposal", models.Proposal{
			ProposalID: "prop-1",
			WorkflowID: wf.WorkflowID,
			Summary:    "検索インデックスの再構築",
			Version:    1,
		}))
		require.NoError(t, ts.store.Save("runs", wf.WorkflowID+"/quality", models.QualityResultsData{
			WorkflowID:    wf.WorkflowID,
			OverallPassed: true,
		}))

		rec := ts.do(http.MethodGet, "/api/v1/workflows/"+wf.WorkflowID+"/proposal", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var proposal models.Proposal
		decodeData(t, rec, &proposal)
		assert.Equal(t, "prop-1", proposal.ProposalID)

		rec = ts.do(http.MethodGet, "/api/v1/workflows/"+wf.WorkflowID+"/quality", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var qualityDoc models.QualityResultsData
		decodeData(t, rec, &qualityDoc)
		assert.True(t, qualityDoc.OverallPassed)
	})

	t.Run("artifact of unknown workflow is 404", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/no-such-workflow/deliverable", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, CodeWorkflowNotFound, decodeError(t, rec).Code)
	})

	t.Run("meetings of a fresh workflow are empty", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/workflows/"+wf.WorkflowID+"/meetings", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var minutes []models.MeetingMinutes
		decodeData(t, rec, &minutes)
		assert.Empty(t, minutes)
	})
}
