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

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
)

// ActivityManager persists aggregated activities and their event links.
// Existence checks and the insert run inside the same transaction, so a
// double-fired aggregator tick cannot create duplicates.
type ActivityManager struct {
	s *Storage
}

// Create inserts an activity linked to the given events. Before
// inserting it re-checks, inside the transaction, that no activity
// already covers the window and that none of the events is already
// linked; either condition returns AlreadyExists and writes nothing.
func (m *ActivityManager) Create(ctx context.Context, a Activity, eventIDs []int64) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, trace.BadParameter("an activity requires at least one event")
	}
	var id int64
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := windowTaken(ctx, tx, a.StartTime, a.EndTime)
		if err != nil {
			return trace.Wrap(err)
		}
		if exists {
			return trace.AlreadyExists("an activity already covers [%v, %v)", a.StartTime, a.EndTime)
		}
		for _, eventID := range eventIDs {
			linked, err := eventLinked(ctx, tx, eventID)
			if err != nil {
				return trace.Wrap(err)
			}
			if linked {
				return trace.AlreadyExists("event %v already belongs to an activity", eventID)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO activities (start_time, end_time, ai_title, ai_summary, event_count)
			VALUES (?, ?, ?, ?, ?)`,
			formatTime(a.StartTime), formatTime(a.EndTime), a.AITitle, a.AISummary, len(eventIDs))
		if err != nil {
			return trace.Wrap(err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return trace.Wrap(err)
		}
		for _, eventID := range eventIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO activity_events (activity_id, event_id) VALUES (?, ?)`, id, eventID); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// ExistsForTimeWindow reports whether any activity overlaps [start, end).
func (m *ActivityManager) ExistsForTimeWindow(ctx context.Context, start, end time.Time) (bool, error) {
	var exists bool
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		exists, err = windowTaken(ctx, tx, start, end)
		return trace.Wrap(err)
	})
	return exists, trace.Wrap(err)
}

// ExistsForEvent reports whether the event is linked to an activity.
func (m *ActivityManager) ExistsForEvent(ctx context.Context, eventID int64) (bool, error) {
	var exists bool
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		exists, err = eventLinked(ctx, tx, eventID)
		return trace.Wrap(err)
	})
	return exists, trace.Wrap(err)
}

// OverlapsWithEvent reports whether any activity overlaps the event's
// own [start, end) span. Used by the long-event carve-out.
func (m *ActivityManager) OverlapsWithEvent(ctx context.Context, ev Event) (bool, error) {
	if ev.EndTime == nil {
		return false, trace.BadParameter("event %v is still active", ev.ID)
	}
	var exists bool
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		exists, err = windowTaken(ctx, tx, ev.StartTime, *ev.EndTime)
		return trace.Wrap(err)
	})
	return exists, trace.Wrap(err)
}

// GetByID returns one activity.
func (m *ActivityManager) GetByID(ctx context.Context, id int64) (*Activity, error) {
	var out *Activity
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, start_time, end_time, ai_title, ai_summary, event_count
			FROM activities WHERE id = ?`, id)
		var err error
		out, err = scanActivity(row)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// List returns all activities, newest first, up to limit.
func (m *ActivityManager) List(ctx context.Context, limit int) ([]Activity, error) {
	var out []Activity
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, start_time, end_time, ai_title, ai_summary, event_count
			FROM activities ORDER BY start_time DESC LIMIT ?`, limit)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanActivity(rows)
			if err != nil {
				return trace.Wrap(err)
			}
			out = append(out, *a)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Events returns the ids of events linked to an activity.
func (m *ActivityManager) Events(ctx context.Context, activityID int64) ([]int64, error) {
	var out []int64
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT event_id FROM activity_events WHERE activity_id = ? ORDER BY event_id ASC`, activityID)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return trace.Wrap(err)
			}
			out = append(out, id)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// windowTaken checks half-open overlap: existing.start < end AND
// existing.end > start.
func windowTaken(ctx context.Context, tx *sql.Tx, start, end time.Time) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities WHERE start_time < ? AND end_time > ?`,
		formatTime(end), formatTime(start)).Scan(&n)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n > 0, nil
}

func eventLinked(ctx context.Context, tx *sql.Tx, eventID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n > 0, nil
}

func scanActivity(row rowScanner) (*Activity, error) {
	var a Activity
	var start, end string
	err := row.Scan(&a.ID, &start, &end, &a.AITitle, &a.AISummary, &a.EventCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("activity not found")
		}
		return nil, trace.Wrap(err)
	}
	if a.StartTime, err = parseTime(start); err != nil {
		return nil, trace.Wrap(err)
	}
	if a.EndTime, err = parseTime(end); err != nil {
		return nil, trace.Wrap(err)
	}
	return &a, nil
}
