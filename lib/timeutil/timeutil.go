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

// Package timeutil centralizes wall-clock access and the 15-minute bucket
// math used by the activity aggregator. Components never call time.Now
// directly; they hold a clockwork.Clock so tests can drive time.
package timeutil

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Window is the aggregation bucket size. Aggregation windows are aligned
// to multiples of it since midnight UTC.
const Window = 15 * time.Minute

// NowUTC returns the clock's current time normalized to UTC.
func NowUTC(clock clockwork.Clock) time.Time {
	return clock.Now().UTC()
}

// NaiveAsUTC reinterprets a timestamp that carries no meaningful zone as
// UTC without shifting the wall-clock fields.
func NaiveAsUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// RoundDown15 truncates t to the start of its 15-minute bucket, zeroing
// seconds and subseconds.
func RoundDown15(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()-t.Minute()%15, 0, 0, time.UTC)
}

// WindowBounds returns the half-open 15-minute window [start, end)
// enclosing t.
func WindowBounds(t time.Time) (start, end time.Time) {
	start = RoundDown15(t)
	return start, start.Add(Window)
}

// PreviousWindow returns the bounds of the window immediately before the
// one enclosing t. This is the window the aggregator inspects on each
// tick: by the time a tick at t runs, the previous window may be cold.
func PreviousWindow(t time.Time) (start, end time.Time) {
	end = RoundDown15(t)
	return end.Add(-Window), end
}
