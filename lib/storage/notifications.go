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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// NotificationManager records fired reminders. Dismissal is guarded by
// its own row-level transactions; this table is the only cross-worker
// rendezvous in the pipeline.
type NotificationManager struct {
	s *Storage
}

// Add inserts one notification. A generated id is assigned when empty.
func (m *NotificationManager) Add(ctx context.Context, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		createdAt := n.CreatedAt
		if createdAt.IsZero() {
			createdAt = m.s.cfg.Clock.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, todo_id, fire_time, message, dismissed, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			n.ID, n.TodoID, formatTime(n.FireTime), n.Message, n.Dismissed, formatTime(createdAt))
		if isUniqueViolation(err) {
			return nil
		}
		return trace.Wrap(err)
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return n.ID, nil
}

// Dismiss marks a notification dismissed.
func (m *NotificationManager) Dismiss(ctx context.Context, id string) error {
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE notifications SET dismissed = 1 WHERE id = ?`, id)
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("notification %v not found", id)
		}
		return nil
	})
}

// IsDismissedForTodo reports whether any notification for the todo has
// been dismissed. The reminder fire function consults this to skip
// reminders the user already acknowledged.
func (m *NotificationManager) IsDismissedForTodo(ctx context.Context, todoID int64) (bool, error) {
	var n int
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		return trace.Wrap(tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM notifications WHERE todo_id = ? AND dismissed = 1`, todoID).Scan(&n))
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n > 0, nil
}

// ListForTodo returns all notifications for one todo, newest first.
func (m *NotificationManager) ListForTodo(ctx context.Context, todoID int64) ([]Notification, error) {
	var out []Notification
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, todo_id, fire_time, message, dismissed, created_at
			FROM notifications WHERE todo_id = ? ORDER BY fire_time DESC`, todoID)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var n Notification
			var fireTime, createdAt string
			if err := rows.Scan(&n.ID, &n.TodoID, &fireTime, &n.Message, &n.Dismissed, &createdAt); err != nil {
				return trace.Wrap(err)
			}
			if n.FireTime, err = parseTime(fireTime); err != nil {
				return trace.Wrap(err)
			}
			if n.CreatedAt, err = parseTime(createdAt); err != nil {
				return trace.Wrap(err)
			}
			out = append(out, n)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
