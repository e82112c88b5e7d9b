package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

func TestSubmitTaskEndpoint(t *testing.T) {
	t.Run("accepts a task and queues the workflow", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/api/v1/tasks", map[string]any{
			"instruction": "ユーザー検索のレスポンスを改善してください",
			"projectId":   "proj-search",
			"priority":    "high",
			"tags":        []string{"performance"},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp SubmitTaskResponse
		decodeData(t, rec, &resp)
		assert.NotEmpty(t, resp.TaskID)
		assert.Equal(t, models.PhaseProposal, resp.Phase)
		assert.Equal(t, models.StatusRunning, resp.Status)
		assert.Equal(t, 1, ts.pool.QueueDepth())

		var wf models.Workflow
		require.NoError(t, ts.store.Load("runs", resp.TaskID+"/state", &wf))
		assert.Equal(t, "proj-search", wf.ProjectID)
		require.NotNil(t, wf.Metadata)
		assert.Equal(t, "high", wf.Metadata.Priority)
	})

	t.Run("missing instruction is a validation error", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/api/v1/tasks", map[string]any{
			"projectId": "proj-search",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		env := decodeError(t, rec)
		assert.Equal(t, CodeValidationError, env.Code)
		assert.Contains(t, env.Error, "instruction")
	})

	t.Run("malformed body is a validation error", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/api/v1/tasks", `{"instruction":`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		env := decodeError(t, rec)
		assert.Equal(t, CodeValidationError, env.Code)
	})

	t.Run("AI unavailable refuses admission with hints", func(t *testing.T) {
		ts := newTestServer(t)
		ts.driver.SetAvailabilityError(errors.New("adapter offline"))

		rec := ts.do(http.MethodPost, "/api/v1/tasks", map[string]any{
			"instruction": "ユーザー検索のレスポンスを改善してください",
			"projectId":   "proj-search",
		})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		env := decodeError(t, rec)
		assert.Equal(t, CodeAIUnavailable, env.Code)

		var result agent.ProbeResult
		require.NoError(t, json.Unmarshal(env.Data, &result))
		assert.False(t, result.Available)
		assert.NotEmpty(t, result.SetupHints)
		assert.Equal(t, 0, ts.pool.QueueDepth())
	})
}

func TestGetTaskStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	wf := ts.saveWorkflow(&models.Workflow{Phase: models.PhaseDevelopment})

	t.Run("returns the current status", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/tasks/"+wf.WorkflowID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var status map[string]any
		decodeData(t, rec, &status)
		assert.Equal(t, wf.WorkflowID, status["taskId"])
		assert.Equal(t, "development", status["phase"])
		assert.Equal(t, "running", status["status"])
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/tasks/no-such-task", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)

		env := decodeError(t, rec)
		assert.Equal(t, CodeNotFound, env.Code)
	})
}

func TestCancelTaskEndpoint(t *testing.T) {
	ts := newTestServer(t)

	t.Run("cancels a running task", func(t *testing.T) {
		wf := ts.saveWorkflow(&models.Workflow{})

		rec := ts.do(http.MethodPost, "/api/v1/tasks/"+wf.WorkflowID+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp CancelTaskResponse
		decodeData(t, rec, &resp)
		assert.Equal(t, wf.WorkflowID, resp.TaskID)
		assert.Equal(t, models.StatusTerminated, resp.Status)
	})

	t.Run("finished task is a state conflict", func(t *testing.T) {
		wf := ts.saveWorkflow(&models.Workflow{Status: models.StatusCompleted})

		rec := ts.do(http.MethodPost, "/api/v1/tasks/"+wf.WorkflowID+"/cancel", nil)
		require.Equal(t, http.StatusConflict, rec.Code)

		env := decodeError(t, rec)
		assert.Equal(t, CodeInvalidState, env.Code)
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/api/v1/tasks/no-such-task/cancel", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}
