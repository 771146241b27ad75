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

package capture

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/lifetrace/lib/storage"
	"github.com/gravitational/lifetrace/lib/timeutil"
)

// EventTracker drives the active-event state machine from the capture
// stream. A capture of the currently focused pair keeps its event open;
// a differing pair closes it and opens a new one; an excluded or
// unidentifiable window closes it.
type EventTracker struct {
	events *storage.EventManager
	clock  clockwork.Clock
	log    *slog.Logger
}

// NewEventTracker returns a tracker over the event manager.
func NewEventTracker(events *storage.EventManager, clock clockwork.Clock, log *slog.Logger) *EventTracker {
	return &EventTracker{events: events, clock: clock, log: log}
}

// RecordCapture routes one capture through the state machine and
// returns the id of the event the capture belongs to.
func (t *EventTracker) RecordCapture(ctx context.Context, app, title string) (int64, error) {
	id, err := t.events.GetOrCreate(ctx, app, title, timeutil.NowUTC(t.clock))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// CloseActive closes the active event, if any. Called on blacklist hits
// and screen exclusions so an excluded window does not keep inflating
// the previous event.
func (t *EventTracker) CloseActive(ctx context.Context) error {
	return trace.Wrap(t.events.CloseActive(ctx, timeutil.NowUTC(t.clock)))
}
