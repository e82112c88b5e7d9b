package services

import (
	"context"
	"log/slog"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/queue"
)

// ControlService exposes operator controls over the dispatch pool.
type ControlService struct {
	pool   *queue.Pool
	prober *agent.Prober
	logger *slog.Logger
}

// NewControlService creates a new ControlService.
func NewControlService(pool *queue.Pool, prober *agent.Prober, logger *slog.Logger) *ControlService {
	if pool == nil {
		panic("NewControlService: pool must not be nil")
	}
	if prober == nil {
		panic("NewControlService: prober must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlService{pool: pool, prober: prober, logger: logger}
}

// Pause stops workers from claiming new workflows. Running workflows
// continue and the queue keeps accepting submissions.
func (s *ControlService) Pause() {
	s.pool.Pause()
	s.logger.Info("dispatch paused by operator")
}

// Resume reopens claiming after a pause or an emergency stop.
func (s *ControlService) Resume() {
	s.pool.Resume()
	s.logger.Info("dispatch resumed by operator")
}

// EmergencyStop terminates every running and queued workflow and gates
// admission until Resume. Returns how many workflows were stopped. The
// context bounds how long the call waits for workers to unwind.
func (s *ControlService) EmergencyStop(ctx context.Context) int {
	stopped := s.pool.EmergencyStop(ctx)
	s.logger.Warn("emergency stop executed", "workflows_stopped", stopped)
	return stopped
}

// Health returns the dispatch pool health snapshot.
func (s *ControlService) Health() queue.PoolHealth {
	return *s.pool.Health()
}

// AIHealth returns the AI availability breakdown.
func (s *ControlService) AIHealth(ctx context.Context) *agent.ProbeResult {
	return s.prober.Probe(ctx)
}
