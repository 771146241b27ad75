/*
 * LifeTrace
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/lifetrace"
)

// watchDebounce coalesces bursts of file events (editors typically write
// a config file several times) into one reload.
const watchDebounce = 500 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Store is the config store to reload on changes.
	Store *Store
	// Clock is used for debouncing.
	Clock clockwork.Clock
	// Log is the watcher's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *WatcherConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentConfig)
	}
	return nil
}

// Watcher reloads the config store when either backing file changes on
// disk. Events are debounced; a failed reload keeps the previous
// snapshot and the watcher stays alive.
type Watcher struct {
	cfg     WatcherConfig
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the directories containing both config
// files. Watching directories rather than files survives the
// rename-over-write pattern most editors and our own Set use.
func NewWatcher(ctx context.Context, cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dirs := map[string]bool{
		filepath.Dir(cfg.Store.cfg.DefaultPath): true,
		filepath.Dir(cfg.Store.cfg.UserPath):    true,
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, trace.ConvertSystemError(err)
		}
	}
	w := &Watcher{cfg: cfg, watcher: fw, done: make(chan struct{})}
	go w.loop(ctx)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return trace.Wrap(err)
}

// Done returns a channel closed when the watch loop exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.cfg.Log.Debug("Config file changed on disk.", "path", ev.Name, "op", ev.Op.String())
			pending = w.cfg.Clock.After(watchDebounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.cfg.Log.Warn("Config watch error.", "error", err)
		case <-pending:
			pending = nil
			if err := w.cfg.Store.Reload(); err != nil {
				w.cfg.Log.Warn("Config reload failed.", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	return ev.Name == w.cfg.Store.cfg.DefaultPath || ev.Name == w.cfg.Store.cfg.UserPath
}
