package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/approval"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// SubmitTask posts a natural-language instruction and returns the
// parsed response data (taskId, phase, status).
func (app *TestApp) SubmitTask(t *testing.T, instruction, projectID string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{
		"instruction": instruction,
		"projectId":   projectID,
	}
	env := app.postJSON(t, "/api/v1/tasks", body, http.StatusAccepted)
	return dataObject(t, env)
}

// StartWorkflow posts to the workflow collection directly and returns
// the parsed response data (workflowId, phase, status).
func (app *TestApp) StartWorkflow(t *testing.T, instruction, projectID string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{
		"instruction": instruction,
		"projectId":   projectID,
	}
	env := app.postJSON(t, "/api/v1/workflows", body, http.StatusCreated)
	return dataObject(t, env)
}

// GetWorkflow retrieves a workflow by ID.
func (app *TestApp) GetWorkflow(t *testing.T, workflowID string) map[string]interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/workflows/"+workflowID, http.StatusOK)
	return dataObject(t, env)
}

// GetTask retrieves the task-status view of a workflow.
func (app *TestApp) GetTask(t *testing.T, taskID string) map[string]interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/tasks/"+taskID, http.StatusOK)
	return dataObject(t, env)
}

// CancelTask cancels a submitted task and returns the response data.
func (app *TestApp) CancelTask(t *testing.T, taskID string) map[string]interface{} {
	t.Helper()
	env := app.postJSON(t, "/api/v1/tasks/"+taskID+"/cancel", nil, http.StatusOK)
	return dataObject(t, env)
}

// SubmitApproval posts a human decision for a workflow suspended at an
// approval rendezvous and returns the response data.
func (app *TestApp) SubmitApproval(t *testing.T, workflowID, action, feedback string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"action": action}
	if feedback != "" {
		body["feedback"] = feedback
	}
	env := app.postJSON(t, "/api/v1/workflows/"+workflowID+"/approval", body, http.StatusOK)
	return dataObject(t, env)
}

// SubmitEscalation posts a human decision for a pending escalation.
func (app *TestApp) SubmitEscalation(t *testing.T, workflowID, action, reason string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"action": action}
	if reason != "" {
		body["reason"] = reason
	}
	env := app.postJSON(t, "/api/v1/workflows/"+workflowID+"/escalation", body, http.StatusOK)
	return dataObject(t, env)
}

// Rollback rewinds a workflow to an earlier phase and returns the
// response data (workflowId, phase, dispatchEpoch).
func (app *TestApp) Rollback(t *testing.T, workflowID, targetPhase string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"targetPhase": targetPhase}
	env := app.postJSON(t, "/api/v1/workflows/"+workflowID+"/rollback", body, http.StatusOK)
	return dataObject(t, env)
}

// GetProposal retrieves the committed proposal document.
func (app *TestApp) GetProposal(t *testing.T, workflowID string) map[string]interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/workflows/"+workflowID+"/proposal", http.StatusOK)
	return dataObject(t, env)
}

// GetDeliverable retrieves the committed deliverable document.
func (app *TestApp) GetDeliverable(t *testing.T, workflowID string) map[string]interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/workflows/"+workflowID+"/deliverable", http.StatusOK)
	return dataObject(t, env)
}

// GetProgress retrieves the per-task progress document.
func (app *TestApp) GetProgress(t *testing.T, workflowID string) map[string]interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/workflows/"+workflowID+"/progress", http.StatusOK)
	return dataObject(t, env)
}

// GetApprovals retrieves the decision history for a workflow.
func (app *TestApp) GetApprovals(t *testing.T, workflowID string) []interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/workflows/"+workflowID+"/approvals", http.StatusOK)
	return dataArray(t, env)
}

// GetQuality retrieves the aggregated quality report for a workflow.
func (app *TestApp) GetQuality(t *testing.T, workflowID string) map[string]interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/workflows/"+workflowID+"/quality", http.StatusOK)
	return dataObject(t, env)
}

// GetMeetings retrieves the meeting minutes recorded for a workflow.
func (app *TestApp) GetMeetings(t *testing.T, workflowID string) []interface{} {
	t.Helper()
	env := app.getJSON(t, "/api/v1/workflows/"+workflowID+"/meetings", http.StatusOK)
	return dataArray(t, env)
}

// GetActivity retrieves recent activity feed entries.
func (app *TestApp) GetActivity(t *testing.T, limit int) []interface{} {
	t.Helper()
	path := "/api/v1/activity"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	env := app.getJSON(t, path, http.StatusOK)
	return dataArray(t, env)
}

// SearchKnowledge queries the knowledge base over HTTP.
func (app *TestApp) SearchKnowledge(t *testing.T, query string) []interface{} {
	t.Helper()
	path := "/api/v1/knowledge"
	if query != "" {
		path += "?query=" + query
	}
	env := app.getJSON(t, path, http.StatusOK)
	return dataArray(t, env)
}

func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) putJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, app.BaseURL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "PUT %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// dataObject asserts the envelope reports success and returns its data
// payload as an object.
func dataObject(t *testing.T, env map[string]interface{}) map[string]interface{} {
	t.Helper()
	require.Equal(t, true, env["success"], "envelope: %v", env)
	data, ok := env["data"].(map[string]interface{})
	require.True(t, ok, "envelope data is not an object: %v", env)
	return data
}

// dataArray asserts the envelope reports success and returns its data
// payload as an array.
func dataArray(t *testing.T, env map[string]interface{}) []interface{} {
	t.Helper()
	require.Equal(t, true, env["success"], "envelope: %v", env)
	if env["data"] == nil {
		return nil
	}
	data, ok := env["data"].([]interface{})
	require.True(t, ok, "envelope data is not an array: %v", env)
	return data
}

// ────────────────────────────────────────────────────────────
// Durable State Helpers
// ────────────────────────────────────────────────────────────

// LoadWorkflow reads a workflow's persisted state straight from the
// store, bypassing the HTTP surface.
func (app *TestApp) LoadWorkflow(t *testing.T, workflowID string) *models.Workflow {
	t.Helper()
	var wf models.Workflow
	require.NoError(t, app.Store.Load("runs", workflowID+"/state", &wf))
	return &wf
}

// ArtifactsDir returns the workspace directory the quality gate
// inspects for a given workflow run.
func (app *TestApp) ArtifactsDir(workflowID string) string {
	return filepath.Join(app.Store.BaseDir(), "runs", workflowID, "artifacts")
}

// ErrorLog returns the raw contents of a run's errors.log, or an empty
// string when none was written.
func (app *TestApp) ErrorLog(t *testing.T, workflowID string) string {
	t.Helper()
	content, err := app.Store.ReadLog("runs", workflowID+"/errors")
	if err != nil {
		return ""
	}
	return content
}

// phaseEdges flattens a workflow's phase history into "from>to" pairs.
func phaseEdges(wf *models.Workflow) []string {
	out := make([]string, 0, len(wf.PhaseHistory))
	for _, tr := range wf.PhaseHistory {
		out = append(out, fmt.Sprintf("%s>%s", tr.From, tr.To))
	}
	return out
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForWorkflowStatus polls the HTTP API until the workflow reaches
// one of the expected statuses.
func (app *TestApp) WaitForWorkflowStatus(t *testing.T, workflowID string, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		wf := app.GetWorkflow(t, workflowID)
		actual, _ = wf["status"].(string)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"workflow %s did not reach status %v (last: %s)", workflowID, expected, actual)
	return actual
}

// WaitForStoredStatus polls the on-disk state until the workflow
// reaches one of the expected statuses. Restart tests use it because
// the HTTP view and the disk view must agree before an instance stops.
func (app *TestApp) WaitForStoredStatus(t *testing.T, workflowID string, expected ...models.WorkflowStatus) {
	t.Helper()
	var actual models.WorkflowStatus
	require.Eventually(t, func() bool {
		var wf models.Workflow
		if err := app.Store.Load("runs", workflowID+"/state", &wf); err != nil {
			return false
		}
		actual = wf.Status
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"workflow %s never persisted status %v (last: %s)", workflowID, expected, actual)
}

// AwaitPendingApproval blocks until the workflow suspends at an
// approval rendezvous for the given phase, and returns the pending
// request.
func (app *TestApp) AwaitPendingApproval(t *testing.T, workflowID, phase string) *approval.PendingApproval {
	t.Helper()
	var pending *approval.PendingApproval
	require.Eventually(t, func() bool {
		p, ok := app.Gate.Pending(workflowID)
		if !ok || p.Phase != phase {
			return false
		}
		pending = p
		return true
	}, 30*time.Second, 50*time.Millisecond,
		"workflow %s never suspended for %s approval", workflowID, phase)
	return pending
}

// AwaitPendingEscalation blocks until the workflow parks an escalation
// for human resolution, and returns the payload.
func (app *TestApp) AwaitPendingEscalation(t *testing.T, workflowID string) *models.EscalationPayload {
	t.Helper()
	var payload *models.EscalationPayload
	require.Eventually(t, func() bool {
		p, ok := app.Gate.PendingEscalation(workflowID)
		if !ok {
			return false
		}
		payload = p
		return true
	}, 30*time.Second, 50*time.Millisecond,
		"workflow %s never parked an escalation", workflowID)
	return payload
}
