package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it is written, renamed into place
// or recreated, and calls onChange with the validated result. Invalid
// revisions are logged and skipped. Watch returns once ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() {
		if errClose := w.Close(); errClose != nil {
			log.Errorf("config watcher: close error: %v", errClose)
		}
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err = w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != abs {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			cfg, errLoad := LoadConfig(abs)
			if errLoad != nil {
				log.WithError(errLoad).Warn("config reload skipped")
				continue
			}
			log.WithField("file", abs).Info("config reloaded")
			onChange(cfg)
		case errWatch, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(errWatch).Warn("config watcher error")
		}
	}
}
