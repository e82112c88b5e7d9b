package e2e

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario 4: Retry Exhaustion Escalates to the Manager
// ────────────────────────────────────────────────────────────

// A research instruction staffs four roles in a dependency chain. The
// research task fails on every attempt, so its exhaustion blocks the
// whole chain and the manager receives one escalation covering all of
// it. A retry decision after the operator fixes the connection drives
// the workflow to completion.
func TestE2E_RetryExhaustion(t *testing.T) {
	app := NewTestApp(t, WithDriverOptions(
		agent.WithFailure("Research", errors.New("Connection refused"))))

	resp := app.SubmitTask(t, "パフォーマンス低下の原因を調査してください", "proj-perf")
	workflowID := resp["taskId"].(string)

	app.AwaitPendingApproval(t, workflowID, "approval")
	app.SubmitApproval(t, workflowID, "approve", "")

	// Three scheduled retries burn down, the fourth attempt is fatal,
	// and the chain behind the research task never runs.
	payload := app.AwaitPendingEscalation(t, workflowID)
	assert.Equal(t, "ai_connection", payload.Category)
	assert.Equal(t, 4, payload.Attempts)
	assert.Equal(t, agent.ManagerID, payload.AgentID)
	assert.Equal(t, "reassign", payload.RecommendedAction)

	// Workflow stays running while parked: escalations rendezvous
	// without flipping the status the way approvals do.
	parked := app.GetWorkflow(t, workflowID)
	assert.Equal(t, "running", parked["status"])

	progress := app.GetProgress(t, workflowID)
	assert.EqualValues(t, 4, progress["total"])
	assert.EqualValues(t, 4, progress["failed"])

	// Every failed attempt is journaled before the escalation fires.
	errLog := app.ErrorLog(t, workflowID)
	assert.Equal(t, 3, strings.Count(errLog, "[AI_CONNECTION_ERROR] [RECOVERABLE]"))
	assert.Equal(t, 1, strings.Count(errLog, "[AI_CONNECTION_ERROR] [FATAL]"))

	// The dead connection also snapshots run progress for the operator.
	var paused models.PausedState
	require.NoError(t, app.Store.Load("runs", workflowID+"/paused-state", &paused))
	assert.Equal(t, 4, paused.Progress.TotalSubTasks)
	assert.Equal(t, 0, paused.Progress.CompletedSubTasks)
	assert.Equal(t, "AI service unavailable", paused.Reason)

	// Fix the connection, then retry through the API.
	app.Driver.SetFailure("", nil)
	resolved := app.SubmitEscalation(t, workflowID, "retry", "接続を復旧した")
	assert.Equal(t, "retry", resolved["action"])

	app.AwaitPendingApproval(t, workflowID, "delivery")
	app.SubmitApproval(t, workflowID, "approve", "")
	app.WaitForWorkflowStatus(t, workflowID, "completed")
	assert.False(t, app.Store.Exists("runs", workflowID+"/paused-state"),
		"the retry decision cleared the pause snapshot")

	finalProgress := app.GetProgress(t, workflowID)
	assert.EqualValues(t, 4, finalProgress["completed"])
	assert.EqualValues(t, 0, finalProgress["failed"])

	// The recovered pass leaves a single clean transition trail.
	final := app.LoadWorkflow(t, workflowID)
	assert.Equal(t, []string{
		"proposal>approval",
		"approval>development",
		"development>quality_assurance",
		"quality_assurance>delivery",
		"delivery>completed",
	}, phaseEdges(final))
}

// ────────────────────────────────────────────────────────────
// Scenario 5: Quality Gate Ladder up to the Quality Authority
// ────────────────────────────────────────────────────────────

func TestE2E_QualityGateLadder(t *testing.T) {
	app := NewTestApp(t, WithQualityCommands("true", "false"))

	resp := app.SubmitTask(t, authInstruction, "proj-auth")
	workflowID := resp["taskId"].(string)

	// Plant a test file so the failing test command actually runs.
	artifacts := app.ArtifactsDir(workflowID)
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "login_test.py"),
		[]byte("def test_login(): pass\n"), 0o644))

	app.AwaitPendingApproval(t, workflowID, "approval")
	app.SubmitApproval(t, workflowID, "approve", "")

	// Rung 1 retries in place, rung 2 reassigns development, rung 3
	// parks the decision on the quality authority.
	payload := app.AwaitPendingEscalation(t, workflowID)
	assert.Equal(t, "quality", payload.Category)
	assert.Equal(t, 3, payload.Attempts)
	assert.Equal(t, agent.QualityAuthorityID, payload.AgentID)

	parked := app.LoadWorkflow(t, workflowID)
	assert.Equal(t, 3, parked.QaFailureCount)
	assert.Equal(t, 1, parked.DispatchEpoch)

	report := app.GetQuality(t, workflowID)
	assert.Equal(t, false, report["overallPassed"])
	assert.Len(t, report["results"].([]interface{}), 3)

	// The authority waives the gate for this release.
	app.SubmitEscalation(t, workflowID, "skip", "リリース判断で許容")

	app.AwaitPendingApproval(t, workflowID, "delivery")
	app.SubmitApproval(t, workflowID, "approve", "")
	app.WaitForWorkflowStatus(t, workflowID, "completed")

	final := app.LoadWorkflow(t, workflowID)
	assert.Equal(t, []string{
		"proposal>approval",
		"approval>development",
		"development>quality_assurance",
		"quality_assurance>development",
		"development>quality_assurance",
		"quality_assurance>delivery",
		"delivery>completed",
	}, phaseEdges(final))
	assert.Equal(t, "rollback: quality gate reassignment", final.PhaseHistory[3].Reason)
	assert.Equal(t, "waiver: リリース判断で許容", final.PhaseHistory[5].Reason)
	assert.Equal(t, 3, final.QaFailureCount, "a waiver does not reset the ladder")

	// Rungs 1 and 2 notified the manager; rung 3 the quality authority.
	history, err := app.Bus.GetMessageHistory(context.Background(), workflowID)
	require.NoError(t, err)
	var recipients []string
	for _, msg := range history {
		if msg.Type == models.MessageTypeEscalate {
			recipients = append(recipients, msg.To)
		}
	}
	assert.Equal(t, []string{agent.ManagerID, agent.ManagerID, agent.QualityAuthorityID}, recipients)
}
