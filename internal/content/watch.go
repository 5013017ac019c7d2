package content

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the clip cache when files change under the clip,
// bumper, or override directories. It blocks until the context is
// cancelled. A watcher setup failure is returned so the caller can decide
// to run without live invalidation (the scheduled rescan still applies).
func (i *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := []string{i.cfg.ClipsDir, i.cfg.BumpersDir}
	for _, dir := range i.cfg.ClipsDayparts {
		dirs = append(dirs, dir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			i.logger.Warn("not watching directory",
				slog.String("dir", dir), slog.Any("error", err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				i.logger.Debug("content change detected, invalidating clip cache",
					slog.String("path", event.Name), slog.String("op", event.Op.String()))
				i.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}
