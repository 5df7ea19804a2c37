package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result to onChange. Invalid
// files are reported to onError and the previous config stays in effect. The parent
// directory is watched so atomic rename saves are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, defaults Config, onChange func(Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		case <-timer.C:
			cfg, err := Load(path, defaults)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onChange(cfg)
		}
	}
}
