// Package approval implements the human gate: a one-shot rendezvous
// between a workflow waiting on a decision and the API call that
// delivers it, with every accepted decision persisted for replay after
// a restart.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const runsKind = "runs"

// ErrAlreadyWaiting indicates a second rendezvous was requested while
// one is outstanding for the same workflow.
var ErrAlreadyWaiting = errors.New("approval gate: a request is already waiting for this workflow")

// CancelledError resolves a suspended request when the rendezvous is
// cancelled (rollback, emergency stop, task cancellation).
type CancelledError struct {
	Reason string
}

// Error returns the formatted error message.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("approval request cancelled: %s", e.Reason)
}

// PendingApproval describes the outstanding request for the status
// surface.
type PendingApproval struct {
	Phase       string    `json:"phase"`
	Content     any       `json:"content,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// SubmitResult tells the submitter whether an in-memory waiter consumed
// the decision. HadResolver=false means the decision was persisted with
// nobody suspended on it (typically after a restart) and the caller
// must drive the workflow forward itself.
type SubmitResult struct {
	HadResolver bool
	Decision    models.ApprovalDecision
}

type approvalOutcome struct {
	decision *models.ApprovalDecision
	err      error
}

type approvalWaiter struct {
	pending PendingApproval
	ch      chan approvalOutcome
}

type escalationOutcome struct {
	decision *models.EscalationDecision
	err      error
}

type escalationWaiter struct {
	payload models.EscalationPayload
	ch      chan escalationOutcome
}

// Gate hosts the rendezvous state. Two waiter families share it:
// phase approvals (approve/request_revision/reject) and escalations
// (retry/skip/abort). At most one waiter per family per workflow.
type Gate struct {
	store  *store.Store
	logger *slog.Logger

	mu          sync.Mutex
	waiters     map[string]*approvalWaiter
	escalations map[string]*escalationWaiter

	// persistMu serializes the read-modify-write of approvals.json.
	persistMu sync.Mutex

	now func() time.Time
}

// NewGate creates a gate persisting decisions through st.
func NewGate(st *store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:       st,
		logger:      logger,
		waiters:     make(map[string]*approvalWaiter),
		escalations: make(map[string]*escalationWaiter),
		now:         time.Now,
	}
}

// RequestApproval suspends the caller until a decision arrives, the
// request is cancelled, or ctx is done.
func (g *Gate) RequestApproval(ctx context.Context, workflowID, phase string, content any) (*models.ApprovalDecision, error) {
	g.mu.Lock()
	if _, exists := g.waiters[workflowID]; exists {
		g.mu.Unlock()
		return nil, ErrAlreadyWaiting
	}
	w := &approvalWaiter{
		pending: PendingApproval{Phase: phase, Content: content, RequestedAt: g.now().UTC()},
		ch:      make(chan approvalOutcome, 1),
	}
	g.waiters[workflowID] = w
	g.mu.Unlock()

	g.logger.Info("approval requested", "workflow_id", workflowID, "phase", phase)

	select {
	case <-ctx.Done():
		g.dropApprovalWaiter(workflowID, w)
		return nil, ctx.Err()
	case out := <-w.ch:
		return out.decision, out.err
	}
}

// SubmitDecision validates and persists the decision, then resolves the
// suspended request when one exists.
func (g *Gate) SubmitDecision(workflowID string, decision models.ApprovalDecision) (SubmitResult, error) {
	if !decision.Action.IsValid() {
		return SubmitResult{}, fmt.Errorf("approval gate: unknown action %q", decision.Action)
	}
	decision.WorkflowID = workflowID
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = g.now().UTC()
	}

	// Persist before resolving: a decision is never lost to a crash
	// between acceptance and consumption.
	if err := g.appendDecision(workflowID, decision); err != nil {
		return SubmitResult{}, err
	}

	g.mu.Lock()
	w, ok := g.waiters[workflowID]
	if ok {
		delete(g.waiters, workflowID)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Info("decision persisted with no waiter",
			"workflow_id", workflowID, "action", decision.Action)
		return SubmitResult{HadResolver: false, Decision: decision}, nil
	}

	w.ch <- approvalOutcome{decision: &decision}
	return SubmitResult{HadResolver: true, Decision: decision}, nil
}

// CancelApproval fails the suspended request with a CancelledError.
// Returns false when nothing was waiting.
func (g *Gate) CancelApproval(workflowID, reason string) bool {
	g.mu.Lock()
	w, ok := g.waiters[workflowID]
	if ok {
		delete(g.waiters, workflowID)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	g.logger.Info("approval request cancelled", "workflow_id", workflowID, "reason", reason)
	w.ch <- approvalOutcome{err: &CancelledError{Reason: reason}}
	return true
}

// Pending returns the outstanding approval request, if any.
func (g *Gate) Pending(workflowID string) (*PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.waiters[workflowID]
	if !ok {
		return nil, false
	}
	p := w.pending
	return &p, true
}

// dropApprovalWaiter removes the waiter if it is still the registered
// one (a concurrent submit may have already consumed it).
func (g *Gate) dropApprovalWaiter(workflowID string, w *approvalWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.waiters[workflowID]; ok && cur == w {
		delete(g.waiters, workflowID)
	}
}

// RequestEscalation suspends the caller until a human resolves the
// escalation or the request is cancelled.
func (g *Gate) RequestEscalation(ctx context.Context, workflowID string, payload models.EscalationPayload) (*models.EscalationDecision, error) {
	g.mu.Lock()
	if _, exists := g.escalations[workflowID]; exists {
		g.mu.Unlock()
		return nil, ErrAlreadyWaiting
	}
	w := &escalationWaiter{payload: payload, ch: make(chan escalationOutcome, 1)}
	g.escalations[workflowID] = w
	g.mu.Unlock()

	g.logger.Warn("escalation raised",
		"workflow_id", workflowID, "category", payload.Category, "reason", payload.Reason)

	select {
	case <-ctx.Done():
		g.dropEscalationWaiter(workflowID, w)
		return nil, ctx.Err()
	case out := <-w.ch:
		return out.decision, out.err
	}
}

// SubmitEscalation resolves a pending escalation. Returns false when
// nothing was waiting; escalation decisions are not replayed across
// restarts — the engine re-raises unresolved escalations itself.
func (g *Gate) SubmitEscalation(workflowID string, decision models.EscalationDecision) (bool, error) {
	if !decision.Action.IsValid() {
		return false, fmt.Errorf("approval gate: unknown escalation action %q", decision.Action)
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = g.now().UTC()
	}

	g.mu.Lock()
	w, ok := g.escalations[workflowID]
	if ok {
		delete(g.escalations, workflowID)
	}
	g.mu.Unlock()

	if !ok {
		return false, nil
	}
	w.ch <- escalationOutcome{decision: &decision}
	return true, nil
}

// PendingEscalation returns the outstanding escalation payload, if any.
func (g *Gate) PendingEscalation(workflowID string) (*models.EscalationPayload, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.escalations[workflowID]
	if !ok {
		return nil, false
	}
	p := w.payload
	return &p, true
}

func (g *Gate) dropEscalationWaiter(workflowID string, w *escalationWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.escalations[workflowID]; ok && cur == w {
		delete(g.escalations, workflowID)
	}
}

// Cancel fails every outstanding rendezvous for the workflow, both
// families. Returns the number of waiters released.
func (g *Gate) Cancel(workflowID, reason string) int {
	released := 0
	if g.CancelApproval(workflowID, reason) {
		released++
	}

	g.mu.Lock()
	ew, ok := g.escalations[workflowID]
	if ok {
		delete(g.escalations, workflowID)
	}
	g.mu.Unlock()
	if ok {
		ew.ch <- escalationOutcome{err: &CancelledError{Reason: reason}}
		released++
	}
	return released
}

// CancelAll releases every waiter in the gate. Used by emergency stop.
func (g *Gate) CancelAll(reason string) int {
	g.mu.Lock()
	waiters := g.waiters
	escalations := g.escalations
	g.waiters = make(map[string]*approvalWaiter)
	g.escalations = make(map[string]*escalationWaiter)
	g.mu.Unlock()

	for id, w := range waiters {
		g.logger.Info("approval request cancelled", "workflow_id", id, "reason", reason)
		w.ch <- approvalOutcome{err: &CancelledError{Reason: reason}}
	}
	for _, w := range escalations {
		w.ch <- escalationOutcome{err: &CancelledError{Reason: reason}}
	}
	return len(waiters) + len(escalations)
}

// GetApprovalHistory returns every accepted decision for the workflow,
// oldest first. A workflow with no decisions yields an empty slice.
func (g *Gate) GetApprovalHistory(workflowID string) ([]models.ApprovalDecision, error) {
	history, err := g.LoadApprovals(workflowID)
	if err != nil {
		return nil, err
	}
	return history.Decisions, nil
}

// LoadApprovals reloads the full approvals.json document, reconstructing
// state after a restart.
func (g *Gate) LoadApprovals(workflowID string) (*models.ApprovalHistory, error) {
	var history models.ApprovalHistory
	err := g.store.Load(runsKind, workflowID+"/approvals", &history)
	if errors.Is(err, store.ErrNotFound) {
		return &models.ApprovalHistory{WorkflowID: workflowID, Decisions: []models.ApprovalDecision{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &history, nil
}

// appendDecision rewrites approvals.json with the decision appended.
func (g *Gate) appendDecision(workflowID string, decision models.ApprovalDecision) error {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	history, err := g.LoadApprovals(workflowID)
	if err != nil {
		return err
	}
	history.Decisions = append(history.Decisions, decision)
	return g.store.Save(runsKind, workflowID+"/approvals", history)
}
