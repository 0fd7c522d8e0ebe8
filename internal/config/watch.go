package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Watch watches path's parent directory for writes to path and publishes
// keyspace.ChanConfigReload whenever the file changes, so every process
// sharing the node's config invalidates its cached system prompt (spec
// §4.7: "invalidated on config / skill / agent / MCP reload"). Blocks until
// ctx is cancelled.
func Watch(ctx context.Context, path string, rdb *redis.Client, log telemetry.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var lastFired time.Time
	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if time.Since(lastFired) < debounce {
				continue
			}
			lastFired = time.Now()
			if err := rdb.Publish(ctx, keyspace.ChanConfigReload, "config changed").Err(); err != nil {
				log.Warn(ctx, "config: publish reload failed", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn(ctx, "config: watcher error", "err", err)
		}
	}
}
