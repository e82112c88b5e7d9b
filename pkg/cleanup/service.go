// Package cleanup enforces state retention for finished runs and old
// chat logs.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const (
	runsKind = "runs"
	logKind  = "state/chat-logs"
	dayFmt   = "2006-01-02"
)

// Service periodically enforces retention policies:
//   - Removes run directories of terminal workflows past retention
//   - Removes chat-log day files past retention
//
// Running and waiting workflows are never touched. All operations are
// idempotent.
type Service struct {
	store    *store.Store
	settings *config.SettingsStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. The retention window is
// read from the settings store on every sweep, so runtime updates
// apply without a restart.
func NewService(st *store.Store, settings *config.SettingsStore, cfg *config.RetentionConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		settings: settings,
		interval: cfg.CleanupInterval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"state_retention_days", s.settings.Get().StateRetentionDays,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Service) runAll() {
	cutoff := s.now().UTC().AddDate(0, 0, -s.settings.Get().StateRetentionDays)
	s.sweepRuns(cutoff)
	s.sweepChatLogs(cutoff)
}

// sweepRuns removes run directories whose workflow reached a terminal
// status before the cutoff.
func (s *Service) sweepRuns(cutoff time.Time) {
	ids, err := s.store.List(runsKind)
	if err != nil {
		s.logger.Error("Retention: listing runs failed", "error", err)
		return
	}

	removed := 0
	for _, id := range ids {
		var wf models.Workflow
		if err := s.store.Load(runsKind, id+"/state", &wf); err != nil {
			// A directory without state.json is not a workflow.
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.logger.Warn("Retention: skipping unreadable run", "workflow_id", id, "error", err)
			continue
		}
		if !wf.Status.IsTerminal() || wf.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.RemoveDir(runsKind + "/" + id); err != nil {
			s.logger.Error("Retention: removing run failed", "workflow_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Retention: removed expired runs", "count", removed)
	}
}

// sweepChatLogs removes day files older than the cutoff day. Day keys
// are dates in 2006-01-02 form, so lexical comparison matches
// chronological order.
func (s *Service) sweepChatLogs(cutoff time.Time) {
	days, err := s.store.List(logKind)
	if err != nil {
		s.logger.Error("Retention: listing chat logs failed", "error", err)
		return
	}

	cutoffDay := cutoff.Format(dayFmt)
	removed := 0
	for _, day := range days {
		if day >= cutoffDay {
			continue
		}
		if err := s.store.Remove(logKind, day); err != nil {
			s.logger.Error("Retention: removing chat log failed", "day", day, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Retention: removed expired chat logs", "count", removed)
	}
}
