package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the rooms/proactive/chronicler/costs sections when the
// config file changes on disk. Invalid files are logged and skipped;
// the running config keeps its last good state. Secrets are re-sourced
// from env on every swap, never from the file.
func (c *Config) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files by rename, which drops
	// a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// Editors fire several events per save; coalesce.
		var pending *time.Timer
		reload := func() {
			fresh, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
				return
			}
			if err := fresh.Validate(); err != nil {
				slog.Warn("config reload invalid, keeping previous", "path", path, "error", err)
				return
			}
			c.mu.Lock()
			c.Rooms = fresh.Rooms
			c.Chronicler = fresh.Chronicler
			c.Costs = fresh.Costs
			c.mu.Unlock()
			slog.Info("config reloaded", "path", path)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// ChroniclerSettings returns the chronicler section under the reload lock.
func (c *Config) ChroniclerSettings() ChroniclerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Chronicler
}

// CostSettings returns the costs section under the reload lock.
func (c *Config) CostSettings() CostsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Costs
}
