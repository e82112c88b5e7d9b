package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const runsKind = "runs"

// claimKey returns the store key of the claim document for a workflow.
func claimKey(workflowID string) string {
	return workflowID + "/claim"
}

// errClaimHeld indicates a live claim from another worker exists.
var errClaimHeld = errors.New("claim held by another worker")

// acquireClaim creates runs/<id>/claim.json exclusively. An existing
// claim whose heartbeat is younger than ttl belongs to a live worker
// and yields errClaimHeld; a stale one is taken over in place. The
// takeover itself is an atomic rewrite, so two pools racing on the
// same stale claim both succeed and one silently loses, which is
// acceptable: the loser's executor reloads state the winner already
// owns and exits at the next terminal or rendezvous check.
func acquireClaim(st *store.Store, workflowID, workerID, podID string, ttl time.Duration) (*Claim, error) {
	now := time.Now().UTC()
	claim := &Claim{
		WorkflowID:  workflowID,
		WorkerID:    workerID,
		PodID:       podID,
		ClaimedAt:   now,
		HeartbeatAt: now,
	}

	abs := filepath.Join(st.BaseDir(), runsKind, workflowID, "claim.json")
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("creating claim directory: %w", err)
	}

	data, err := json.MarshalIndent(claim, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding claim: %w", err)
	}

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		if _, werr := f.Write(data); werr != nil {
			f.Close()
			return nil, fmt.Errorf("writing claim: %w", werr)
		}
		if cerr := f.Close(); cerr != nil {
			return nil, fmt.Errorf("closing claim: %w", cerr)
		}
		return claim, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("creating claim: %w", err)
	}

	existing, rerr := readClaim(st, workflowID)
	if rerr == nil && !existing.Stale(ttl) {
		return nil, errClaimHeld
	}
	// Stale or unreadable: take over.
	if err := st.Save(runsKind, claimKey(workflowID), claim); err != nil {
		return nil, fmt.Errorf("taking over stale claim: %w", err)
	}
	return claim, nil
}

// refreshClaim bumps the heartbeat timestamp of an owned claim.
func refreshClaim(st *store.Store, claim *Claim) error {
	claim.HeartbeatAt = time.Now().UTC()
	return st.Save(runsKind, claimKey(claim.WorkflowID), claim)
}

// releaseClaim removes the claim file. Releasing an absent claim is
// not an error.
func releaseClaim(st *store.Store, workflowID string) error {
	return st.Remove(runsKind, claimKey(workflowID))
}

// readClaim loads the claim document, store.ErrNotFound when absent.
func readClaim(st *store.Store, workflowID string) (*Claim, error) {
	var claim Claim
	if err := st.Load(runsKind, claimKey(workflowID), &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// Stale reports whether the claim's heartbeat is older than ttl.
func (c *Claim) Stale(ttl time.Duration) bool {
	return time.Since(c.HeartbeatAt) >= ttl
}
