// SPDX-License-Identifier: MIT

package psl

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/hivemesh/hive/internal/log"
)

// Watch reloads the suffix list whenever the backing file changes. It is a
// no-op for indexes without a file (builtin rules). Watching stops when ctx
// is cancelled.
func (ix *Index) Watch(ctx context.Context) error {
	logger := log.WithComponent("psl")
	if ix.path == "" {
		logger.Info().
			Str("event", "psl.watcher_disabled").
			Msg("suffix list watcher disabled (builtin rules)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(ix.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch suffix list: %w", err)
	}

	logger.Info().
		Str("event", "psl.watcher_started").
		Str("path", ix.path).
		Msg("watching public suffix list for changes")

	go ix.watchLoop(ctx, watcher, logger)
	return nil
}

func (ix *Index) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, logger zerolog.Logger) {
	// Debounce rapid write bursts from editors and atomic replacers.
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("event", "psl.watcher_stopped").Msg("suffix list watcher stopped")
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := ix.Reload(); err != nil {
						logger.Error().
							Err(err).
							Str("event", "psl.reload_failed").
							Msg("suffix list reload failed, keeping previous rules")
						return
					}
					logger.Info().
						Str("event", "psl.reloaded").
						Int("rules", ix.RuleCount()).
						Msg("public suffix list reloaded")
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().
				Err(err).
				Str("event", "psl.watcher_error").
				Msg("suffix list watcher error")
		}
	}
}
