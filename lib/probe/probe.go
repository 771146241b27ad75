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

// Package probe resolves the currently focused desktop window to an
// (app name, window title, screen id) triple. Each platform has its own
// tool-chain implementation; all of them sit behind a timeout guard so a
// wedged desktop session cannot stall the capture tick.
package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/defaults"
)

const (
	// UnknownApp is the sentinel app name returned on probe timeout.
	UnknownApp = "unknown_app"
	// UnknownWindow is the sentinel title returned on probe timeout.
	UnknownWindow = "unknown_window"
)

// Info identifies the focused window.
type Info struct {
	// App is the owning application's name.
	App string
	// Title is the window title.
	Title string
	// ScreenID is the monitor the window center sits on; 0 when unknown.
	ScreenID int
}

// Unknown reports whether the info is the timeout sentinel.
func (i Info) Unknown() bool {
	return i.App == UnknownApp
}

// Prober returns the focused window. Implementations may block on
// external tools; callers wrap them in a Guard.
type Prober interface {
	ActiveWindow(ctx context.Context) (Info, error)
}

// Screen is one monitor's geometry in virtual desktop coordinates.
type Screen struct {
	ID     int
	X      int
	Y      int
	Width  int
	Height int
}

// ScreenForPoint returns the id of the screen containing (x, y), falling
// back to the primary screen (id 1) when the point is on no monitor or
// the list is empty.
func ScreenForPoint(screens []Screen, x, y int) int {
	for _, s := range screens {
		if x >= s.X && x < s.X+s.Width && y >= s.Y && y < s.Y+s.Height {
			return s.ID
		}
	}
	return 1
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Prober is the wrapped platform prober.
	Prober Prober
	// Timeout bounds one probe.
	Timeout time.Duration
	// Clock drives the timeout.
	Clock clockwork.Clock
	// Log is the guard's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *GuardConfig) CheckAndSetDefaults() error {
	if c.Prober == nil {
		return trace.BadParameter("missing parameter Prober")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.WindowInfoTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentProbe)
	}
	return nil
}

// Guard bounds a prober with a timeout. A probe that does not answer in
// time yields the unknown sentinel instead of an error, so the capture
// tick can decide what to do with an unidentifiable window.
type Guard struct {
	cfg GuardConfig
}

// NewGuard wraps a prober in a timeout guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Guard{cfg: cfg}, nil
}

type probeResult struct {
	info Info
	err  error
}

// ActiveWindow probes the focused window. On timeout it logs a warning
// and returns the unknown sentinel with a nil error; probe failures
// other than timeout are returned as-is.
func (g *Guard) ActiveWindow(ctx context.Context) (Info, error) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan probeResult, 1)
	go func() {
		info, err := g.cfg.Prober.ActiveWindow(probeCtx)
		ch <- probeResult{info: info, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return Info{}, trace.Wrap(res.err)
		}
		return res.info, nil
	case <-ctx.Done():
		return Info{}, trace.Wrap(ctx.Err())
	case <-g.cfg.Clock.After(g.cfg.Timeout):
		g.cfg.Log.Warn("Window probe timed out.", "timeout", g.cfg.Timeout.String())
		return Info{App: UnknownApp, Title: UnknownWindow}, nil
	}
}
