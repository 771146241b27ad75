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

// Package cleanup enforces screenshot retention: an age cap in days and
// a count cap, oldest first. With delete_file_only the PNG goes but the
// row stays so events and OCR text survive the file.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/config"
	"github.com/gravitational/lifetrace/lib/storage"
)

var framesSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lifetrace_cleanup_screenshots_total",
	Help: "Number of screenshots removed by the retention sweeper.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(framesSwept)
}

// sweepBatch bounds one tick's work per cap so a huge backlog cannot
// starve the worker pool.
const sweepBatch = 500

// Config configures the retention sweeper.
type Config struct {
	// Storage is the relational store.
	Storage *storage.Storage
	// Params returns the current retention parameters.
	Params func() (config.CleanupParams, error)
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the sweeper logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Params == nil {
		c.Params = func() (config.CleanupParams, error) {
			var s config.Snapshot
			return s.CleanupParams()
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentCleanup)
	}
	return nil
}

// Sweeper deletes screenshots past the retention caps.
type Sweeper struct {
	cfg Config
}

// NewSweeper returns a retention sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Sweeper{cfg: cfg}, nil
}

// Tick applies the age cap then the count cap. Failures on individual
// rows are logged and skipped; the next tick retries them.
func (s *Sweeper) Tick(ctx context.Context) error {
	params, err := s.cfg.Params()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.sweepByAge(ctx, params); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.sweepByCount(ctx, params))
}

func (s *Sweeper) sweepByAge(ctx context.Context, params config.CleanupParams) error {
	if params.MaxDays <= 0 {
		return nil
	}
	cutoff := s.cfg.Clock.Now().UTC().Add(-time.Duration(params.MaxDays) * 24 * time.Hour)
	shots, err := s.cfg.Storage.Screenshots().OlderThan(ctx, cutoff, sweepBatch)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, shot := range shots {
		s.remove(ctx, shot, params.DeleteFileOnly, "age")
	}
	return nil
}

func (s *Sweeper) sweepByCount(ctx context.Context, params config.CleanupParams) error {
	if params.MaxScreenshots <= 0 {
		return nil
	}
	count, err := s.cfg.Storage.Screenshots().Count(ctx, true)
	if err != nil {
		return trace.Wrap(err)
	}
	excess := count - int64(params.MaxScreenshots)
	if excess <= 0 {
		return nil
	}
	if excess > sweepBatch {
		excess = sweepBatch
	}
	shots, err := s.cfg.Storage.Screenshots().IterOldest(ctx, int(excess))
	if err != nil {
		return trace.Wrap(err)
	}
	for _, shot := range shots {
		s.remove(ctx, shot, params.DeleteFileOnly, "count")
	}
	return nil
}

// remove deletes the backing file and then either soft-deletes or drops
// the row. A missing file is fine, the row is stale about it.
func (s *Sweeper) remove(ctx context.Context, shot storage.Screenshot, fileOnly bool, reason string) {
	if err := os.Remove(shot.FilePath); err != nil && !os.IsNotExist(err) {
		s.cfg.Log.WarnContext(ctx, "Failed to remove screenshot file.",
			"path", shot.FilePath, "error", err)
		return
	}
	var err error
	if fileOnly {
		err = s.cfg.Storage.Screenshots().MarkFileDeleted(ctx, shot.ID)
	} else {
		err = s.cfg.Storage.Screenshots().Delete(ctx, shot.ID)
	}
	if err != nil {
		s.cfg.Log.WarnContext(ctx, "Failed to update swept screenshot row.",
			"screenshot_id", shot.ID, "error", err)
		return
	}
	framesSwept.WithLabelValues(reason).Inc()
}
