package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

func TestPauseResumeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/agents/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ControlResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "paused", resp.Status)
	assert.True(t, ts.pool.Health().Paused)

	rec = ts.do(http.MethodPost, "/api/v1/agents/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	decodeData(t, rec, &resp)
	assert.Equal(t, "running", resp.Status)
	assert.False(t, ts.pool.Health().Paused)
}

func TestEmergencyStopEndpoint(t *testing.T) {
	ts := newTestServer(t)
	wf := ts.saveWorkflow(&models.Workflow{})
	require.NoError(t, ts.pool.Enqueue(wf.WorkflowID))

	rec := ts.do(http.MethodPost, "/api/v1/agents/emergency-stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ControlResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "stopped", resp.Status)
	assert.Equal(t, 1, resp.WorkflowsStopped)

	var stopped models.Workflow
	require.NoError(t, ts.store.Load("runs", wf.WorkflowID+"/state", &stopped))
	assert.Equal(t, models.StatusTerminated, stopped.Status)

	t.Run("admission stays gated until resume", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/api/v1/tasks", map[string]any{
			"instruction": "新しいタスク",
			"projectId":   "proj-test",
		})
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, CodeInvalidState, decodeError(t, rec).Code)

		ts.do(http.MethodPost, "/api/v1/agents/resume", nil)
		rec = ts.do(http.MethodPost, "/api/v1/tasks", map[string]any{
			"instruction": "新しいタスク",
			"projectId":   "proj-test",
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}
