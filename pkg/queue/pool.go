package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// Pool manages the admission queue and the scheduler workers draining
// it. Admission (Enqueue) and dispatch (worker reserve) share one
// lock, so the concurrency limit is exact.
type Pool struct {
	podID    string
	store    *store.Store
	config   *config.QueueConfig
	executor Executor
	logger   *slog.Logger

	terminator Terminator
	approvals  ApprovalCanceller

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	started       bool
	paused        bool
	stopped       bool
	maxConcurrent int
	pending       []string
	pendingSet    map[string]struct{}
	// Workflow cancel registry: workflow_id -> cancel function. A
	// reservation holds a placeholder until execution starts.
	active map[string]context.CancelFunc

	recovery recoveryState
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTerminator sets the hook that finalizes workflows interrupted by
// an emergency stop. Without one their state is left as-is.
func WithTerminator(t Terminator) Option {
	return func(p *Pool) { p.terminator = t }
}

// WithApprovalCanceller sets the gate whose suspended rendezvous an
// emergency stop releases.
func WithApprovalCanceller(c ApprovalCanceller) Option {
	return func(p *Pool) { p.approvals = c }
}

// WithMaxConcurrent sets the initial concurrency limit. Defaults to
// the configured worker count.
func WithMaxConcurrent(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.maxConcurrent = n
		}
	}
}

// NewPool creates a scheduler pool.
func NewPool(podID string, st *store.Store, cfg *config.QueueConfig, executor Executor, opts ...Option) *Pool {
	p := &Pool{
		podID:         podID,
		store:         st,
		config:        cfg,
		executor:      executor,
		logger:        slog.Default(),
		maxConcurrent: cfg.WorkerCount,
		stopCh:        make(chan struct{}),
		pendingSet:    make(map[string]struct{}),
		active:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start spawns the worker goroutines and the periodic recovery scan.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("scheduler pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("starting scheduler pool",
		"pod_id", p.podID,
		"worker_count", p.config.WorkerCount,
		"max_concurrent", p.MaxConcurrent())

	workers := make([]*Worker, 0, p.config.WorkerCount)
	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		workers = append(workers, newWorker(workerID, p.podID, p.store, p.config, p.executor, p, p.logger))
	}
	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()
	for _, worker := range workers {
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runRecoveryScan(ctx)
	}()

	p.logger.Info("scheduler pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current workflows. For a bounded shutdown cancel the Start context
// first; interrupted workflows keep resumable state on disk.
func (p *Pool) Stop() {
	p.logger.Info("stopping scheduler pool")

	active := p.activeWorkflowIDs()
	if len(active) > 0 {
		p.logger.Info("waiting for active workflows",
			"count", len(active), "workflow_ids", active)
	}

	p.mu.RLock()
	workers := p.workers
	p.mu.RUnlock()
	for _, worker := range workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.logger.Info("scheduler pool stopped")
}

// Enqueue admits a workflow for dispatch. Enqueueing a workflow that
// is already pending or active is a no-op. Fails with
// ErrEmergencyStopped while admission is gated.
func (p *Pool) Enqueue(workflowID string) error {
	if workflowID == "" {
		return errors.New("queue: empty workflow id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrEmergencyStopped
	}
	if _, ok := p.pendingSet[workflowID]; ok {
		return nil
	}
	if _, ok := p.active[workflowID]; ok {
		return nil
	}
	p.pending = append(p.pending, workflowID)
	p.pendingSet[workflowID] = struct{}{}
	return nil
}

// reserve pops the oldest pending workflow and counts it against the
// concurrency limit. Capacity is checked under the same lock, so
// concurrent workers cannot overshoot. The caller must end the
// reservation with unregister.
func (p *Pool) reserve() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.stopped || len(p.pending) == 0 {
		return "", ErrNoWorkflowsAvailable
	}
	if len(p.active) >= p.maxConcurrent {
		return "", ErrAtCapacity
	}
	workflowID := p.pending[0]
	p.pending = p.pending[1:]
	delete(p.pendingSet, workflowID)
	p.active[workflowID] = func() {} // placeholder until register
	return workflowID, nil
}

// register arms the cancel function once execution starts. If an
// emergency stop landed between reserve and register the context is
// cancelled immediately so the executor exits at its first check.
func (p *Pool) register(workflowID string, cancel context.CancelFunc) {
	p.mu.Lock()
	stopped := p.stopped
	p.active[workflowID] = cancel
	p.mu.Unlock()
	if stopped {
		cancel()
	}
}

func (p *Pool) unregister(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, workflowID)
}

// CancelWorkflow triggers context cancellation for a workflow running
// on this pool. Returns true if the workflow was found.
func (p *Pool) CancelWorkflow(workflowID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[workflowID]; ok {
		cancel()
		return true
	}
	return false
}

// Pause stops dispatching queued workflows. Running workflows finish;
// admission stays open.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.logger.Info("scheduler paused")
}

// Resume restarts dispatch and lifts an emergency stop.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	wasStopped := p.stopped
	p.stopped = false
	p.mu.Unlock()
	p.logger.Info("scheduler resumed", "emergency_stop_lifted", wasStopped)
}

// EmergencyStop halts the scheduler: queued workflows are dropped and
// terminated, every active workflow context is cancelled, suspended
// rendezvous are released, and admission stays gated until Resume.
// It waits for active workflows to drain until ctx expires. Returns
// the number of workflows interrupted or dropped.
func (p *Pool) EmergencyStop(ctx context.Context) int {
	p.mu.Lock()
	p.stopped = true
	pending := p.pending
	p.pending = nil
	p.pendingSet = make(map[string]struct{})
	cancels := make([]context.CancelFunc, 0, len(p.active))
	for _, cancel := range p.active {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	p.logger.Warn("emergency stop",
		"active", len(cancels), "pending", len(pending))

	for _, cancel := range cancels {
		cancel()
	}
	if p.approvals != nil {
		if released := p.approvals.CancelAll("emergency stop"); released > 0 {
			p.logger.Info("released suspended rendezvous", "count", released)
		}
	}
	for _, workflowID := range pending {
		p.terminate(workflowID, "emergency stop")
	}

	// Workers observe the cancelled contexts, finalize their workflows
	// and unregister them; wait for the registry to drain.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for p.ActiveWorkflows() > 0 {
		select {
		case <-ctx.Done():
			p.logger.Warn("emergency stop drain timed out",
				"still_active", p.ActiveWorkflows())
			return len(cancels) + len(pending)
		case <-ticker.C:
		}
	}

	p.logger.Info("emergency stop complete",
		"interrupted", len(cancels), "dropped", len(pending))
	return len(cancels) + len(pending)
}

// terminate finalizes an interrupted workflow through the terminator.
func (p *Pool) terminate(workflowID, reason string) {
	if p.terminator == nil {
		p.logger.Warn("no terminator configured, leaving workflow state as-is",
			"workflow_id", workflowID)
		return
	}
	if _, err := p.terminator.Terminate(workflowID, reason); err != nil {
		p.logger.Warn("failed to terminate workflow",
			"workflow_id", workflowID, "reason", reason, "error", err)
	}
}

// SetConcurrencyLimit updates the maximum number of concurrently
// executing workflows. Values below 1 are clamped to 1. Lowering the
// limit does not interrupt workflows already running.
func (p *Pool) SetConcurrencyLimit(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	changed := p.maxConcurrent != n
	p.maxConcurrent = n
	p.mu.Unlock()
	if changed {
		p.logger.Info("concurrency limit updated", "max_concurrent", n)
	}
}

// MaxConcurrent returns the current concurrency limit.
func (p *Pool) MaxConcurrent() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxConcurrent
}

// ActiveWorkflows returns the number of workflows reserved or
// executing on this pool.
func (p *Pool) ActiveWorkflows() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// QueueDepth returns the number of workflows awaiting dispatch.
func (p *Pool) QueueDepth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

func (p *Pool) emergencyStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// tracked reports whether the workflow is already pending or active
// on this pool.
func (p *Pool) tracked(workflowID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.pendingSet[workflowID]; ok {
		return true
	}
	_, ok := p.active[workflowID]
	return ok
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	p.mu.RLock()
	workers := p.workers
	queueDepth := len(p.pending)
	activeWorkflows := len(p.active)
	paused := p.paused
	stopped := p.stopped
	maxConcurrent := p.maxConcurrent
	p.mu.RUnlock()

	workerStats := make([]WorkerHealth, len(workers))
	activeWorkers := 0
	for i, worker := range workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	p.recovery.mu.Lock()
	lastScan := p.recovery.lastScan
	recovered := p.recovery.recovered
	p.recovery.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        len(workers) > 0 && activeWorkflows <= maxConcurrent && !stopped,
		PodID:            p.podID,
		Paused:           paused,
		EmergencyStopped: stopped,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(workers),
		ActiveWorkflows:  activeWorkflows,
		MaxConcurrent:    maxConcurrent,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastRecoveryScan: lastScan,
		OrphansRecovered: recovered,
	}
}

// activeWorkflowIDs returns the ids of currently tracked workflows
// (for logging).
func (p *Pool) activeWorkflowIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}
