package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

func newTestGate(t *testing.T) (*Gate, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return NewGate(st, nil), st
}

// requestAsync runs RequestApproval on a goroutine and returns the
// channel its outcome lands on.
func requestAsync(g *Gate, workflowID, phase string, content any) chan struct {
	decision *models.ApprovalDecision
	err      error
} {
	ch := make(chan struct {
		decision *models.ApprovalDecision
		err      error
	}, 1)
	go func() {
		d, err := g.RequestApproval(context.Background(), workflowID, phase, content)
		ch <- struct {
			decision *models.ApprovalDecision
			err      error
		}{d, err}
	}()
	return ch
}

func waitForWaiter(t *testing.T, g *Gate, workflowID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := g.Pending(workflowID)
		return ok
	}, time.Second, time.Millisecond)
}

func TestRequestApprovalResolvedBySubmit(t *testing.T) {
	g, _ := newTestGate(t)

	resultCh := requestAsync(g, "wf-1", "approval", map[string]string{"summary": "plan"})
	waitForWaiter(t, g, "wf-1")

	pending, ok := g.Pending("wf-1")
	require.True(t, ok)
	assert.Equal(t, "approval", pending.Phase)

	res, err := g.SubmitDecision("wf-1", models.ApprovalDecision{
		Phase:  "approval",
		Action: models.ApprovalActionApprove,
	})
	require.NoError(t, err)
	assert.True(t, res.HadResolver)

	out := <-resultCh
	require.NoError(t, out.err)
	require.NotNil(t, out.decision)
	assert.Equal(t, models.ApprovalActionApprove, out.decision.Action)
	assert.Equal(t, "wf-1", out.decision.WorkflowID)
	assert.False(t, out.decision.DecidedAt.IsZero())

	_, ok = g.Pending("wf-1")
	assert.False(t, ok, "resolved waiter must be cleared")

	history, err := g.GetApprovalHistory("wf-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ApprovalActionApprove, history[0].Action)
}

func TestSecondRequestRejectedWhileWaiting(t *testing.T) {
	g, _ := newTestGate(t)

	resultCh := requestAsync(g, "wf-1", "approval", nil)
	waitForWaiter(t, g, "wf-1")

	_, err := g.RequestApproval(context.Background(), "wf-1", "approval", nil)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	// A different workflow is unaffected.
	otherCh := requestAsync(g, "wf-2", "approval", nil)
	waitForWaiter(t, g, "wf-2")

	g.CancelApproval("wf-1", "test teardown")
	g.CancelApproval("wf-2", "test teardown")
	<-resultCh
	<-otherCh
}

func TestSubmitWithoutWaiterPersists(t *testing.T) {
	g, _ := newTestGate(t)

	res, err := g.SubmitDecision("wf-1", models.ApprovalDecision{
		Phase:    "approval",
		Action:   models.ApprovalActionRequestRevision,
		Feedback: "スコープ絞って",
	})
	require.NoError(t, err)
	assert.False(t, res.HadResolver, "no waiter after a restart")

	history, err := g.GetApprovalHistory("wf-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ApprovalActionRequestRevision, history[0].Action)
	assert.Equal(t, "スコープ絞って", history[0].Feedback)
}

func TestCancelApprovalFailsWaiter(t *testing.T) {
	g, _ := newTestGate(t)

	resultCh := requestAsync(g, "wf-1", "delivery", nil)
	waitForWaiter(t, g, "wf-1")

	assert.True(t, g.CancelApproval("wf-1", "rolled back"))

	out := <-resultCh
	require.Error(t, out.err)
	var cancelled *CancelledError
	require.ErrorAs(t, out.err, &cancelled)
	assert.Equal(t, "rolled back", cancelled.Reason)

	assert.False(t, g.CancelApproval("wf-1", "again"), "nothing left to cancel")

	history, err := g.GetApprovalHistory("wf-1")
	require.NoError(t, err)
	assert.Empty(t, history, "cancellations are not decisions")
}

func TestContextCancellationLeavesNoZombieWaiter(t *testing.T) {
	g, _ := newTestGate(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(ctx, "wf-1", "approval", nil)
		errCh <- err
	}()
	waitForWaiter(t, g, "wf-1")

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	require.Eventually(t, func() bool {
		_, ok := g.Pending("wf-1")
		return !ok
	}, time.Second, time.Millisecond)

	// The slot is free for a fresh request.
	resultCh := requestAsync(g, "wf-1", "approval", nil)
	waitForWaiter(t, g, "wf-1")
	g.CancelApproval("wf-1", "test teardown")
	<-resultCh
}

func TestSubmitDecisionRejectsUnknownAction(t *testing.T) {
	g, _ := newTestGate(t)

	_, err := g.SubmitDecision("wf-1", models.ApprovalDecision{Action: "maybe"})
	assert.Error(t, err)

	history, err := g.GetApprovalHistory("wf-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEscalationRendezvous(t *testing.T) {
	g, _ := newTestGate(t)

	type escResult struct {
		decision *models.EscalationDecision
		err      error
	}
	ch := make(chan escResult, 1)
	go func() {
		d, err := g.RequestEscalation(context.Background(), "wf-1", models.EscalationPayload{
			RunID:    "wf-1",
			Category: "ai_connection",
			Reason:   "retry budget exhausted after 4 attempts",
		})
		ch <- escResult{d, err}
	}()
	require.Eventually(t, func() bool {
		_, ok := g.PendingEscalation("wf-1")
		return ok
	}, time.Second, time.Millisecond)

	payload, ok := g.PendingEscalation("wf-1")
	require.True(t, ok)
	assert.Equal(t, "ai_connection", payload.Category)

	hadResolver, err := g.SubmitEscalation("wf-1", models.EscalationDecision{
		Action: models.EscalationActionRetry,
		Reason: "transient outage, retry",
	})
	require.NoError(t, err)
	assert.True(t, hadResolver)

	out := <-ch
	require.NoError(t, out.err)
	assert.Equal(t, models.EscalationActionRetry, out.decision.Action)
	assert.False(t, out.decision.DecidedAt.IsZero())

	hadResolver, err = g.SubmitEscalation("wf-1", models.EscalationDecision{Action: models.EscalationActionSkip})
	require.NoError(t, err)
	assert.False(t, hadResolver, "nothing waiting anymore")
}

func TestCancelReleasesBothFamilies(t *testing.T) {
	g, _ := newTestGate(t)

	approvalCh := requestAsync(g, "wf-1", "approval", nil)
	waitForWaiter(t, g, "wf-1")

	escCh := make(chan error, 1)
	go func() {
		_, err := g.RequestEscalation(context.Background(), "wf-2", models.EscalationPayload{RunID: "wf-2"})
		escCh <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := g.PendingEscalation("wf-2")
		return ok
	}, time.Second, time.Millisecond)

	released := g.CancelAll("emergency stop")
	assert.Equal(t, 2, released)

	out := <-approvalCh
	var cancelled *CancelledError
	require.ErrorAs(t, out.err, &cancelled)
	assert.Equal(t, "emergency stop", cancelled.Reason)

	require.ErrorAs(t, <-escCh, &cancelled)
}

func TestApprovalHistorySurvivesRestart(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	g1 := NewGate(st, nil)
	_, err = g1.SubmitDecision("wf-1", models.ApprovalDecision{Phase: "approval", Action: models.ApprovalActionApprove})
	require.NoError(t, err)
	_, err = g1.SubmitDecision("wf-1", models.ApprovalDecision{Phase: "delivery", Action: models.ApprovalActionReject, Feedback: "not yet"})
	require.NoError(t, err)

	// New gate instance over the same store: the process restarted.
	g2 := NewGate(st, nil)
	history, err := g2.LoadApprovals("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", history.WorkflowID)
	require.Len(t, history.Decisions, 2)
	assert.Equal(t, "approval", history.Decisions[0].Phase)
	assert.Equal(t, models.ApprovalActionReject, history.Decisions[1].Action)
}
