package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single scheduler worker that polls for and executes
// workflows.
type Worker struct {
	id       string
	podID    string
	store    *store.Store
	config   *config.QueueConfig
	executor Executor
	pool     *Pool
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                 sync.RWMutex
	status             WorkerStatus
	currentWorkflowID  string
	workflowsProcessed int
	lastActivity       time.Time
}

func newWorker(id, podID string, st *store.Store, cfg *config.QueueConfig, executor Executor, pool *Pool, logger *slog.Logger) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        st,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		logger:       logger.With("worker_id", id, "pod_id", podID),
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. The
// worker finishes its current workflow first; interrupting it is the
// caller's job (cancel the Start context). It is safe to call Stop
// multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                 w.id,
		Status:             string(w.status),
		CurrentWorkflowID:  w.currentWorkflowID,
		WorkflowsProcessed: w.workflowsProcessed,
		LastActivity:       w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	w.logger.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoWorkflowsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				w.logger.Error("error processing workflow", "error", err)
				w.sleep(time.Second) // brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess reserves a pending workflow, claims it on disk, and
// drives it with the executor.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Reservation counts against the concurrency limit until the
	// deferred unregister releases it.
	workflowID, err := w.pool.reserve()
	if err != nil {
		return err
	}
	defer w.pool.unregister(workflowID)

	log := w.logger.With("workflow_id", workflowID)

	wf, err := w.loadWorkflow(workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("pending workflow has no state document, dropping")
			return nil
		}
		return fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}
	if wf.Status.IsTerminal() {
		log.Debug("pending workflow already terminal, dropping", "status", wf.Status)
		return nil
	}

	claim, err := acquireClaim(w.store, workflowID, w.id, w.podID, w.config.ClaimTTL)
	if err != nil {
		if errors.Is(err, errClaimHeld) {
			log.Debug("workflow claimed by another worker, skipping")
			return nil
		}
		return fmt.Errorf("claiming workflow %s: %w", workflowID, err)
	}

	log.Info("workflow claimed")
	w.setStatus(WorkerStatusWorking, workflowID)
	defer w.setStatus(WorkerStatusIdle, "")

	wfCtx, cancelWorkflow := context.WithCancel(ctx)
	defer cancelWorkflow()
	w.pool.register(workflowID, cancelWorkflow)

	// The heartbeat keeps running while a cancelled executor unwinds,
	// so the claim stays fresh until it is released below.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, claim)

	execErr := w.executor.Execute(wfCtx, wf)

	cancelHeartbeat()
	if err := releaseClaim(w.store, workflowID); err != nil {
		log.Warn("failed to release claim", "error", err)
	}

	switch {
	case execErr == nil:
		w.mu.Lock()
		w.workflowsProcessed++
		w.mu.Unlock()
		log.Info("workflow processing complete")
	case errors.Is(execErr, context.Canceled), errors.Is(execErr, context.DeadlineExceeded):
		if w.pool.emergencyStopped() {
			w.pool.terminate(workflowID, "emergency stop")
		} else {
			log.Info("workflow execution interrupted, state kept for resume")
		}
	default:
		// State stays on disk unclaimed; the next recovery scan
		// re-enqueues it.
		log.Error("workflow execution failed", "error", execErr)
		return execErr
	}
	return nil
}

// runHeartbeat periodically refreshes the claim so recovery scans on
// other pods see the workflow as owned.
func (w *Worker) runHeartbeat(ctx context.Context, claim *Claim) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := refreshClaim(w.store, claim); err != nil {
				w.logger.Warn("claim heartbeat failed",
					"workflow_id", claim.WorkflowID, "error", err)
			}
		}
	}
}

func (w *Worker) loadWorkflow(workflowID string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := w.store.Load(runsKind, workflowID+"/state", &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, workflowID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentWorkflowID = workflowID
	w.lastActivity = time.Now()
}
