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

// EventManager owns the active-event state machine: at most one event
// has a null end_time at any instant, and the transition rules run
// inside one transaction so a crash cannot leave two active events.
type EventManager struct {
	s *Storage
}

const eventColumns = `id, app_name, window_title, start_time, end_time, ai_title, ai_summary`

// GetOrCreate implements the capture transition: a capture of the same
// (app, title) refreshes the active event's end marker to now and
// returns it; anything else closes the active event at now and opens a
// new one starting at now.
func (m *EventManager) GetOrCreate(ctx context.Context, app, title string, now time.Time) (int64, error) {
	var id int64
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		active, err := activeEvent(ctx, tx)
		if err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if active != nil && active.AppName == app && active.WindowTitle == title {
			id = active.ID
			return nil
		}
		if active != nil {
			if err := closeEvent(ctx, tx, active.ID, now); err != nil {
				return trace.Wrap(err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (app_name, window_title, start_time) VALUES (?, ?, ?)`,
			app, title, formatTime(now))
		if err != nil {
			return trace.Wrap(err)
		}
		id, err = res.LastInsertId()
		return trace.Wrap(err)
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// CloseActive closes whatever event is active, if any. Idempotent.
func (m *EventManager) CloseActive(ctx context.Context, now time.Time) error {
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		active, err := activeEvent(ctx, tx)
		if err != nil {
			if trace.IsNotFound(err) {
				return nil
			}
			return trace.Wrap(err)
		}
		return trace.Wrap(closeEvent(ctx, tx, active.ID, now))
	})
}

// Active returns the currently active event, or NotFound.
func (m *EventManager) Active(ctx context.Context) (*Event, error) {
	var out *Event
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = activeEvent(ctx, tx)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// GetByID returns one event.
func (m *EventManager) GetByID(ctx context.Context, id int64) (*Event, error) {
	var out *Event
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
		var err error
		out, err = scanEvent(row)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// AddScreenshot attributes a screenshot to an event.
func (m *EventManager) AddScreenshot(ctx context.Context, eventID, screenshotID int64) error {
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE screenshots SET event_id = ? WHERE id = ?`, eventID, screenshotID)
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("screenshot %v not found", screenshotID)
		}
		return nil
	})
}

// Screenshots returns all screenshots attributed to an event.
func (m *EventManager) Screenshots(ctx context.Context, eventID int64) ([]Screenshot, error) {
	var out []Screenshot
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+screenshotColumns+` FROM screenshots WHERE event_id = ? ORDER BY created_at ASC`, eventID)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			shot, err := scanScreenshot(rows)
			if err != nil {
				return trace.Wrap(err)
			}
			out = append(out, *shot)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// SetSummary stores the AI title and summary for an event.
func (m *EventManager) SetSummary(ctx context.Context, eventID int64, title, summary string) error {
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE events SET ai_title = ?, ai_summary = ? WHERE id = ?`, title, summary, eventID)
		return trace.Wrap(err)
	})
}

// Summary returns the stored AI title and summary of an event.
func (m *EventManager) Summary(ctx context.Context, eventID int64) (title, summary string, err error) {
	err = m.s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT ai_title, ai_summary FROM events WHERE id = ?`, eventID).Scan(&title, &summary)
		if err == sql.ErrNoRows {
			return trace.NotFound("event %v not found", eventID)
		}
		return trace.Wrap(err)
	})
	return title, summary, trace.Wrap(err)
}

// ClosedInWindow returns events that ended inside [start, end) and
// started before end, and are not yet linked to any activity. This is
// the aggregator's working set for one cold window.
func (m *EventManager) ClosedInWindow(ctx context.Context, start, end time.Time) ([]Event, error) {
	var out []Event
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM events e
			WHERE e.end_time IS NOT NULL
			  AND e.end_time >= ? AND e.end_time < ?
			  AND e.start_time < ?
			  AND NOT EXISTS (SELECT 1 FROM activity_events ae WHERE ae.event_id = e.id)
			ORDER BY e.start_time ASC`,
			formatTime(start), formatTime(end), formatTime(end))
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return trace.Wrap(err)
			}
			out = append(out, *ev)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func activeEvent(ctx context.Context, tx *sql.Tx) (*Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE end_time IS NULL ORDER BY id DESC LIMIT 1`)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ev, nil
}

func closeEvent(ctx context.Context, tx *sql.Tx, id int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE events SET end_time = ? WHERE id = ? AND end_time IS NULL`,
		formatTime(now), id)
	return trace.Wrap(err)
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var start string
	var end sql.NullString
	err := row.Scan(&ev.ID, &ev.AppName, &ev.WindowTitle, &start, &end, &ev.AITitle, &ev.AISummary)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("event not found")
		}
		return nil, trace.Wrap(err)
	}
	if ev.StartTime, err = parseTime(start); err != nil {
		return nil, trace.Wrap(err)
	}
	if ev.EndTime, err = parseTimePtr(end); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ev, nil
}
