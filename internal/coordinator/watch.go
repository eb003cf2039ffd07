package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the document on file changes, on the poll interval, or
// both, until ctx is done.
func (c *Coordinator) Watch(ctx context.Context) error {
	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
		target   string
	)
	if c.watchPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer watcher.Close()

		target = filepath.Clean(c.watchPath)
		// Editors replace files on save; watching the directory survives that.
		if err := watcher.Add(filepath.Dir(target)); err != nil {
			return fmt.Errorf("watch %s: %w", target, err)
		}
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
		c.logger.Info().Str("path", target).Msg("watching spec file")
	}

	var poll <-chan time.Time
	if c.pollInterval > 0 {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	debounce := time.NewTimer(c.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce.Reset(c.debounce)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			c.logger.Warn().Err(err).Msg("spec watcher error")
		case <-debounce.C:
			c.reload(ctx, "file change")
		case <-poll:
			c.reload(ctx, "poll")
		}
	}
}

func (c *Coordinator) reload(ctx context.Context, trigger string) {
	report, err := c.Reload(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("trigger", trigger).Msg("reload failed")
		return
	}
	if report != nil && !report.Successful() {
		c.logger.Warn().Str("trigger", trigger).Msg("reload applied with failures")
	}
}
