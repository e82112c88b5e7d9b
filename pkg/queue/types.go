// Package queue provides workflow admission and dispatch: a FIFO
// admission queue drained by a pool of workers that claim workflows
// through exclusive claim files and drive them with an Executor.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// Sentinel errors for scheduler operations.
var (
	// ErrNoWorkflowsAvailable indicates no pending workflows are in the queue.
	ErrNoWorkflowsAvailable = errors.New("no workflows available")

	// ErrAtCapacity indicates the concurrent workflow limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrEmergencyStopped indicates admission is gated by an emergency
	// stop and stays gated until Resume.
	ErrEmergencyStopped = errors.New("scheduler is emergency-stopped")
)

// Executor drives one workflow to a terminal status.
//
// The executor owns the ENTIRE workflow lifecycle internally: phase
// transitions, rendezvous suspension, retries, and terminal state are
// all persisted progressively by the executor itself. The worker only
// handles claiming, heartbeat, and emergency finalization. A nil
// return means the workflow reached a terminal status (including
// handled failures); context errors mean the run was interrupted and
// its state is resumable.
type Executor interface {
	Execute(ctx context.Context, wf *models.Workflow) error
}

// Terminator forces a workflow into the terminated status. Used when
// an emergency stop interrupts execution: the executor exits with a
// context error and leaves resumable state, which the worker then
// finalizes.
type Terminator interface {
	Terminate(workflowID, reason string) (*models.Workflow, error)
}

// ApprovalCanceller releases every suspended approval and escalation
// rendezvous. Satisfied by the approval gate.
type ApprovalCanceller interface {
	CancelAll(reason string) int
}

// Claim is the ownership document a worker writes to
// runs/<id>/claim.json while it executes the workflow. A claim whose
// heartbeat is older than the claim TTL is stale and may be taken
// over or cleared by recovery.
type Claim struct {
	WorkflowID  string    `json:"workflow_id"`
	WorkerID    string    `json:"worker_id"`
	PodID       string    `json:"pod_id"`
	ClaimedAt   time.Time `json:"claimed_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// PoolHealth contains health information for the entire scheduler pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	PodID            string         `json:"pod_id"`
	Paused           bool           `json:"paused"`
	EmergencyStopped bool           `json:"emergency_stopped"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveWorkflows  int            `json:"active_workflows"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastRecoveryScan time.Time      `json:"last_recovery_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"` // "idle" or "working"
	CurrentWorkflowID  string    `json:"current_workflow_id,omitempty"`
	WorkflowsProcessed int       `json:"workflows_processed"`
	LastActivity       time.Time `json:"last_activity"`
}
