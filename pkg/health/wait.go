package health

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval backs up the watcher on filesystems without events.
const DefaultPollInterval = 250 * time.Millisecond

// Wait blocks until the child signals readiness or ctx is done. It watches
// the ready file's directory and polls at interval in case events are lost.
func (s *Signal) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if s.Ready() {
		return nil
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("ready_watch_unavailable", "error", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				slog.Warn("ready_watch_close_failed", "error", err)
			}
		}()
		if err := watcher.Add(filepath.Dir(s.ReadyFile)); err != nil {
			slog.Warn("ready_watch_unavailable", "dir", filepath.Dir(s.ReadyFile), "error", err)
		} else {
			events, watchErrs = watcher.Events, watcher.Errors
		}
	}

	// Re-check after the watch is in place so a signal written in between
	// is not missed.
	if s.Ready() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name != s.ReadyFile || !ev.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			slog.Warn("ready_watch_error", "error", err)
			continue
		case <-ticker.C:
		}

		if s.Ready() {
			return nil
		}
	}
}
