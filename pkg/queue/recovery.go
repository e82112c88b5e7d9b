package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// recoveryState tracks recovery scan metrics (thread-safe).
type recoveryState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// Recover performs the startup scan: every non-terminal workflow under
// runs/ has its stale claim cleared and is re-enqueued. A workflow
// that was waiting for an approval re-registers its rendezvous when
// the executor replays the gate phase, or consumes a decision that was
// persisted while the process was down. Fresh claims from other pods
// are left alone; claims bearing this pod's id are always cleared,
// since the process just booted and cannot own anything yet.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	return p.recoverWorkflows(ctx, true)
}

// runRecoveryScan periodically re-adopts workflows whose claims went
// stale (a crashed sibling pod, or a worker that died mid-run). All
// pods run this independently; claim takeover is idempotent.
func (p *Pool) runRecoveryScan(ctx context.Context) {
	interval := p.config.ClaimTTL
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.emergencyStopped() {
				continue
			}
			if _, err := p.recoverWorkflows(ctx, false); err != nil {
				p.logger.Error("recovery scan failed", "error", err)
			}
		}
	}
}

func (p *Pool) recoverWorkflows(ctx context.Context, startup bool) (int, error) {
	ids, err := p.store.List(runsKind)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, workflowID := range ids {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if p.tracked(workflowID) {
			continue
		}

		var wf models.Workflow
		if err := p.store.Load(runsKind, workflowID+"/state", &wf); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				p.logger.Warn("unreadable workflow state, skipping",
					"workflow_id", workflowID, "error", err)
			}
			continue
		}
		if wf.Status.IsTerminal() {
			continue
		}

		claim, err := readClaim(p.store, workflowID)
		switch {
		case err == nil:
			ours := claim.PodID == p.podID
			if !claim.Stale(p.config.ClaimTTL) && !(startup && ours) {
				continue // live claim on another pod
			}
			if err := releaseClaim(p.store, workflowID); err != nil {
				p.logger.Warn("failed to clear stale claim",
					"workflow_id", workflowID, "error", err)
				continue
			}
			p.logger.Info("cleared stale claim",
				"workflow_id", workflowID,
				"worker_id", claim.WorkerID,
				"heartbeat_at", claim.HeartbeatAt)
		case errors.Is(err, store.ErrNotFound):
			// Unclaimed.
		default:
			p.logger.Warn("unreadable claim, clearing",
				"workflow_id", workflowID, "error", err)
			if err := releaseClaim(p.store, workflowID); err != nil {
				continue
			}
		}

		if err := p.Enqueue(workflowID); err != nil {
			if errors.Is(err, ErrEmergencyStopped) {
				break
			}
			return recovered, err
		}
		recovered++
		p.logger.Info("workflow re-enqueued by recovery",
			"workflow_id", workflowID, "phase", wf.Phase, "status", wf.Status)
	}

	p.recovery.mu.Lock()
	p.recovery.lastScan = time.Now()
	p.recovery.recovered += recovered
	p.recovery.mu.Unlock()

	return recovered, nil
}
