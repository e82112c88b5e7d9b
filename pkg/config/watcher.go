package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// Watcher propagates external edits of state/config.json into the
// SettingsStore. It combines an fsnotify watch with a periodic
// re-read driven by the autoRefreshInterval setting.
type Watcher struct {
	settings *SettingsStore
	path     string
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the settings file persisted by st.
func NewWatcher(settings *SettingsStore, st *store.Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		settings: settings,
		path:     filepath.Join(st.BaseDir(), "state", "config.json"),
		logger:   logger,
	}
}

// Start launches the watch loop. The settings file is replaced by
// atomic rename on every save, so the watch is registered on the
// parent directory and events are filtered by file name.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx, fsw)

	w.logger.Info("Settings watcher started",
		"path", w.path,
		"auto_refresh_interval_s", w.settings.Get().AutoRefreshInterval)
	return nil
}

// Stop signals the watch loop to exit and waits for it to finish.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("Settings watcher stopped")
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	interval := w.settings.Get().AutoRefreshInterval

	var ticker *time.Ticker
	var tick <-chan time.Time
	rearm := func(seconds int) {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
		}
		if seconds > 0 {
			ticker = time.NewTicker(time.Duration(seconds) * time.Second)
			tick = ticker.C
		}
		interval = seconds
	}
	rearm(interval)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.reload() {
				if next := w.settings.Get().AutoRefreshInterval; next != interval {
					rearm(next)
				}
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Settings watcher error", "error", err)

		case <-tick:
			if w.reload() {
				if next := w.settings.Get().AutoRefreshInterval; next != interval {
					rearm(next)
				}
			}
		}
	}
}

func (w *Watcher) reload() bool {
	changed, err := w.settings.Reload()
	if err != nil {
		w.logger.Warn("Settings reload failed", "error", err)
		return false
	}
	return changed
}
