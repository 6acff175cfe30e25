package governance

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce coalesces bursts of editor writes into one reload.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch reloads the rule set whenever the document is written, created,
// removed or renamed. It watches the parent directory so editors that
// replace the file atomically are seen. While it runs, Snapshot serves the
// cached set without touching the filesystem. Watch blocks until ctx is done.
func (s *RuleStore) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	// Changes made before the watch was registered are picked up by one
	// forced check on the next read.
	s.watching.Store(true)
	s.Invalidate()
	defer s.watching.Store(false)

	s.logger.Info("watching rule document", zap.String("path", target))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("rule document event", zap.String("op", ev.Op.String()))
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("rule watcher error", zap.Error(err))

		case <-timer.C:
			s.Invalidate()
			set := s.Snapshot(ctx)
			s.logger.Info("rules reloaded",
				zap.String("source", set.Source),
				zap.Int("rules", len(set.Rules)),
				zap.Bool("defaulted", set.Defaulted))
		}
	}
}
