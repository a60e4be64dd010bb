package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// WatchSeed calls apply with the re-parsed seed each time the file at path
// changes, until ctx is done. The parent directory is watched so that editors
// replacing the file by rename are picked up. A seed that fails to parse is
// logged and skipped.
func WatchSeed(ctx context.Context, path string, log *slog.Logger, apply func(context.Context, *Seed) error) error {
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("seed watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("seed watcher: watch %s: %w", filepath.Dir(path), err)
	}
	log.InfoContext(ctx, "seed.watch.start", slog.String("path", path))

	timer := time.NewTimer(reloadDebounce)
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
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "seed.watch.error", slog.String("err", err.Error()))
		case <-timer.C:
			seed, err := LoadSeed(path)
			if err != nil {
				log.WarnContext(ctx, "seed.reload.invalid", slog.String("err", err.Error()))
				continue
			}
			if err := apply(ctx, seed); err != nil {
				log.ErrorContext(ctx, "seed.reload.fail", slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "seed.reload.ok", slog.Int("workspaces", len(seed.Workspaces)))
		}
	}
}
