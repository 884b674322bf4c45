package utils

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchFiles calls onChange with the cleaned path of any of files that is
// written, created or renamed into place, until ctx is done. Editors that
// replace a file instead of writing it in place are covered by watching the
// parent directories rather than the files themselves.
func WatchFiles(ctx context.Context, files []string, onChange func(path string)) error {
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return watcherErr
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Error("WatchFiles: failed to close watcher", "error", err)
		}
	}()

	wanted := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{})
	for _, f := range files {
		abs, absErr := filepath.Abs(f)
		if absErr != nil {
			return absErr
		}
		wanted[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if addErr := watcher.Add(dir); addErr != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, addErr)
		}
		slog.Debug("WatchFiles: watching directory", "directory", dir)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			name, absErr := filepath.Abs(event.Name)
			if absErr != nil {
				continue
			}
			if _, ok := wanted[name]; !ok {
				continue
			}
			slog.Debug("WatchFiles: file changed", "event", event.Op, "name", name)
			onChange(name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			slog.Warn("WatchFiles: watcher error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}
