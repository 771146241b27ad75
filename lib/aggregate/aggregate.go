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

// Package aggregate folds closed events into summarized activities, one
// per 15-minute wall-clock window, with long events carved out into
// activities of their own.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/ai"
	"github.com/gravitational/lifetrace/lib/defaults"
	"github.com/gravitational/lifetrace/lib/storage"
	"github.com/gravitational/lifetrace/lib/timeutil"
)

var activitiesCreated = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "lifetrace_activities_created_total",
	Help: "Number of activities created by the aggregator.",
})

func init() {
	prometheus.MustRegister(activitiesCreated)
}

// Config configures the aggregator.
type Config struct {
	// Storage is the relational store.
	Storage *storage.Storage
	// Oracle summarizes event groups. Optional; absent or unreachable
	// oracles degrade to deterministic title-based summaries.
	Oracle ai.Oracle
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the aggregator logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentAggregate)
	}
	return nil
}

// Aggregator summarizes cold windows of closed events.
type Aggregator struct {
	cfg Config
}

// NewAggregator returns an activity aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Aggregator{cfg: cfg}, nil
}

// Tick aggregates the previous 15-minute window if it has gone cold.
// Captures for a window can still be in flight right after it closes, so
// the window is only touched once a grace period has passed.
func (a *Aggregator) Tick(ctx context.Context) error {
	now := timeutil.NowUTC(a.cfg.Clock)
	start, end := timeutil.PreviousWindow(now)
	if now.Before(end.Add(defaults.ActivityColdGrace)) {
		a.cfg.Log.DebugContext(ctx, "Window is not cold yet, skipping.",
			"window_start", start, "window_end", end)
		return nil
	}

	events, err := a.cfg.Storage.Events().ClosedInWindow(ctx, start, end)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(events) == 0 {
		return nil
	}

	var short []storage.Event
	for _, ev := range events {
		if ev.Duration(now) >= defaults.LongEventDuration {
			if err := a.createLongEventActivity(ctx, ev); err != nil {
				a.cfg.Log.WarnContext(ctx, "Failed to create long-event activity.",
					"event_id", ev.ID, "error", err)
			}
			continue
		}
		short = append(short, ev)
	}
	if len(short) == 0 {
		return nil
	}
	if err := a.createWindowActivity(ctx, start, end, short); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// createLongEventActivity gives one long event an activity spanning the
// event itself rather than the window. AlreadyExists means a prior run
// got there first.
func (a *Aggregator) createLongEventActivity(ctx context.Context, ev storage.Event) error {
	overlaps, err := a.cfg.Storage.Activities().OverlapsWithEvent(ctx, ev)
	if err != nil {
		return trace.Wrap(err)
	}
	if overlaps {
		return nil
	}
	summary := a.summarize(ctx, []storage.Event{ev})
	_, err = a.cfg.Storage.Activities().Create(ctx, storage.Activity{
		StartTime: ev.StartTime,
		EndTime:   *ev.EndTime,
		AITitle:   summary.Title,
		AISummary: summary.Text,
	}, []int64{ev.ID})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	activitiesCreated.Inc()
	return nil
}

// createWindowActivity covers the full window with one activity linking
// every remaining short event.
func (a *Aggregator) createWindowActivity(ctx context.Context, start, end time.Time, events []storage.Event) error {
	exists, err := a.cfg.Storage.Activities().ExistsForTimeWindow(ctx, start, end)
	if err != nil {
		return trace.Wrap(err)
	}
	if exists {
		return nil
	}
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	summary := a.summarize(ctx, events)
	_, err = a.cfg.Storage.Activities().Create(ctx, storage.Activity{
		StartTime: start,
		EndTime:   end,
		AITitle:   summary.Title,
		AISummary: summary.Text,
	}, ids)
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	activitiesCreated.Inc()
	return nil
}

// summarize asks the oracle for a title and summary, falling back to a
// deterministic digest of window titles when the oracle is absent,
// unreachable, or returns nothing.
func (a *Aggregator) summarize(ctx context.Context, events []storage.Event) ai.Summary {
	if a.cfg.Oracle != nil {
		s, err := a.cfg.Oracle.Summarize(ctx, a.digests(ctx, events))
		if err == nil && s.Title != "" {
			return s
		}
		if err != nil && !ai.IsUnavailable(err) {
			a.cfg.Log.WarnContext(ctx, "Summary oracle failed.", "error", err)
		}
	}
	return fallbackSummary(events, a.cfg.Clock.Now().UTC())
}

// digests converts events into the oracle's request shape, sampling one
// screenshot's recognized text per event when available.
func (a *Aggregator) digests(ctx context.Context, events []storage.Event) []ai.EventDigest {
	now := timeutil.NowUTC(a.cfg.Clock)
	out := make([]ai.EventDigest, 0, len(events))
	for _, ev := range events {
		d := ai.EventDigest{
			App:      ev.AppName,
			Title:    ev.WindowTitle,
			Duration: ev.Duration(now),
		}
		d.OCRSample = a.ocrSample(ctx, ev.ID)
		out = append(out, d)
	}
	return out
}

func (a *Aggregator) ocrSample(ctx context.Context, eventID int64) string {
	shots, err := a.cfg.Storage.Events().Screenshots(ctx, eventID)
	if err != nil || len(shots) == 0 {
		return ""
	}
	res, err := a.cfg.Storage.OCR().GetByScreenshot(ctx, shots[0].ID)
	if err != nil {
		return ""
	}
	const maxSample = 500
	if len(res.TextContent) > maxSample {
		return res.TextContent[:maxSample]
	}
	return res.TextContent
}

// fallbackSummary builds a deterministic summary from app names and
// window titles. The title names the app with the most accumulated time.
func fallbackSummary(events []storage.Event, now time.Time) ai.Summary {
	perApp := map[string]time.Duration{}
	for _, ev := range events {
		perApp[ev.AppName] += ev.Duration(now)
	}
	apps := make([]string, 0, len(perApp))
	for app := range perApp {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool {
		if perApp[apps[i]] != perApp[apps[j]] {
			return perApp[apps[i]] > perApp[apps[j]]
		}
		return apps[i] < apps[j]
	})

	var parts []string
	for _, ev := range events {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)",
			ev.AppName, ev.WindowTitle, ev.Duration(now).Round(time.Second)))
	}
	title := fmt.Sprintf("Using %s", apps[0])
	if len(apps) > 1 {
		title = fmt.Sprintf("Using %s and %d other apps", apps[0], len(apps)-1)
	}
	return ai.Summary{Title: title, Text: strings.Join(parts, "; ")}
}
