package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// Watch re-reads path whenever it changes on disk and calls onChange with
// the new config. Invalid edits are logged and skipped. It blocks until ctx
// is done.
//
// The directory is watched rather than the file so editors that save by
// renaming over the original are picked up.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: create fsnotify: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	lastHash := ""
	if cfg, err := Load(path); err == nil {
		lastHash = cfg.Hash()
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)

		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config watcher: reload failed", "path", path, "error", err)
				continue
			}
			hash := cfg.Hash()
			if hash == lastHash {
				slog.Debug("config watcher: content unchanged", "path", path)
				continue
			}
			lastHash = hash
			slog.Info("config changed", "path", path, "hash", hash)
			onChange(cfg)
		}
	}
}
