package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

func writeClaimAt(t *testing.T, st *store.Store, workflowID, podID string, heartbeatAt time.Time) {
	t.Helper()
	claim := &Claim{
		WorkflowID:  workflowID,
		WorkerID:    podID + "-worker-0",
		PodID:       podID,
		ClaimedAt:   heartbeatAt,
		HeartbeatAt: heartbeatAt,
	}
	require.NoError(t, st.Save(runsKind, claimKey(workflowID), claim))
}

func TestRecoverStartup(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	// Interrupted, never claimed.
	saveWorkflowState(t, st, "run-a", models.StatusRunning)
	// Finished: must stay untouched.
	saveWorkflowState(t, st, "run-b", models.StatusCompleted)
	// Claim went stale on another pod.
	saveWorkflowState(t, st, "run-c", models.StatusRunning)
	writeClaimAt(t, st, "run-c", "other-pod", now.Add(-time.Hour))
	// Live claim on another pod: leave alone.
	saveWorkflowState(t, st, "run-d", models.StatusRunning)
	writeClaimAt(t, st, "run-d", "other-pod", now)
	// Fresh claim bearing our own pod id: leftover from the previous
	// process, cleared at startup.
	saveWorkflowState(t, st, "run-e", models.StatusWaitingApproval)
	writeClaimAt(t, st, "run-e", "pod-test", now)
	// Artifact directory without a state document.
	require.NoError(t, os.MkdirAll(filepath.Join(st.BaseDir(), runsKind, "zz-junk"), 0o755))

	p := NewPool("pod-test", st, queueTestConfig(), markCompleted(st), WithLogger(discardLogger()))

	recovered, err := p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, recovered)
	assert.Equal(t, 3, p.QueueDepth())

	// store.List is sorted, so re-enqueue order is deterministic.
	for _, want := range []string{"run-a", "run-c", "run-e"} {
		id, err := p.reserve()
		require.NoError(t, err)
		assert.Equal(t, want, id)
		p.unregister(id)
	}

	assert.False(t, st.Exists(runsKind, "run-c/claim"), "stale claim should be cleared")
	assert.False(t, st.Exists(runsKind, "run-e/claim"), "own leftover claim should be cleared")
	assert.True(t, st.Exists(runsKind, "run-d/claim"), "live foreign claim should survive")

	health := p.Health()
	assert.False(t, health.LastRecoveryScan.IsZero())
	assert.Equal(t, 3, health.OrphansRecovered)
}

func TestRecoverSkipsTrackedWorkflows(t *testing.T) {
	st := newTestStore(t)
	saveWorkflowState(t, st, "run-a", models.StatusRunning)

	p := NewPool("pod-test", st, queueTestConfig(), markCompleted(st), WithLogger(discardLogger()))
	require.NoError(t, p.Enqueue("run-a"))

	recovered, err := p.recoverWorkflows(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
	assert.Equal(t, 1, p.QueueDepth())
}

func TestPeriodicScanLeavesOwnFreshClaims(t *testing.T) {
	st := newTestStore(t)
	saveWorkflowState(t, st, "run-a", models.StatusRunning)
	writeClaimAt(t, st, "run-a", "pod-test", time.Now().UTC())

	p := NewPool("pod-test", st, queueTestConfig(), markCompleted(st), WithLogger(discardLogger()))

	// Outside startup a fresh claim is owned even when it carries our
	// pod id: a worker here may hold it without pool tracking after a
	// partial failure.
	recovered, err := p.recoverWorkflows(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
	assert.True(t, st.Exists(runsKind, "run-a/claim"))
}

func TestRecoverReEnqueuesWaitingApproval(t *testing.T) {
	st := newTestStore(t)
	saveWorkflowState(t, st, "run-a", models.StatusWaitingApproval)

	p := NewPool("pod-test", st, queueTestConfig(), markCompleted(st), WithLogger(discardLogger()))

	recovered, err := p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	id, err := p.reserve()
	require.NoError(t, err)
	assert.Equal(t, "run-a", id)
}

func TestRecoverHonoursContextCancellation(t *testing.T) {
	st := newTestStore(t)
	saveWorkflowState(t, st, "run-a", models.StatusRunning)

	p := NewPool("pod-test", st, queueTestConfig(), markCompleted(st), WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Recover(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
