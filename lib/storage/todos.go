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
	"encoding/json"

	"github.com/gravitational/trace"
)

// TodoManager persists todos. Reminder offsets and tags are stored as
// JSON arrays in their columns.
type TodoManager struct {
	s *Storage
}

const todoColumns = `id, name, description, status, due, start_time, deadline, dtstart, item_type, reminder_offsets, user_notes, priority, tags, created_at, updated_at`

// Create inserts a todo and returns its id.
func (m *TodoManager) Create(ctx context.Context, todo Todo) (int64, error) {
	if todo.Name == "" {
		return 0, trace.BadParameter("missing todo name")
	}
	if todo.Status == "" {
		todo.Status = TodoDraft
	}
	if todo.ItemType == "" {
		todo.ItemType = ItemVTodo
	}
	offsets, tags, err := marshalTodoLists(todo)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	var id int64
	err = m.s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(m.s.cfg.Clock.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO todos (name, description, status, due, start_time, deadline, dtstart, item_type, reminder_offsets, user_notes, priority, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			todo.Name, todo.Description, string(todo.Status),
			formatTimePtr(todo.Due), formatTimePtr(todo.StartTime),
			formatTimePtr(todo.Deadline), formatTimePtr(todo.DTStart),
			string(todo.ItemType), offsets, todo.UserNotes, todo.Priority, tags, now, now)
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

// Update rewrites a todo's mutable fields.
func (m *TodoManager) Update(ctx context.Context, todo Todo) error {
	offsets, tags, err := marshalTodoLists(todo)
	if err != nil {
		return trace.Wrap(err)
	}
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE todos SET name = ?, description = ?, status = ?, due = ?, start_time = ?,
				deadline = ?, dtstart = ?, item_type = ?, reminder_offsets = ?, user_notes = ?,
				priority = ?, tags = ?, updated_at = ?
			WHERE id = ?`,
			todo.Name, todo.Description, string(todo.Status),
			formatTimePtr(todo.Due), formatTimePtr(todo.StartTime),
			formatTimePtr(todo.Deadline), formatTimePtr(todo.DTStart),
			string(todo.ItemType), offsets, todo.UserNotes, todo.Priority, tags,
			formatTime(m.s.cfg.Clock.Now()), todo.ID)
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("todo %v not found", todo.ID)
		}
		return nil
	})
}

// Delete removes a todo. Its notifications cascade.
func (m *TodoManager) Delete(ctx context.Context, id int64) error {
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE id = ?`, id)
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("todo %v not found", id)
		}
		return nil
	})
}

// GetByID returns one todo.
func (m *TodoManager) GetByID(ctx context.Context, id int64) (*Todo, error) {
	var out *Todo
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+todoColumns+` FROM todos WHERE id = ?`, id)
		var err error
		out, err = scanTodo(row)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// List returns todos filtered by status (empty = all), newest first.
func (m *TodoManager) List(ctx context.Context, status TodoStatus, limit int) ([]Todo, error) {
	q := `SELECT ` + todoColumns + ` FROM todos`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var out []Todo
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			todo, err := scanTodo(rows)
			if err != nil {
				return trace.Wrap(err)
			}
			out = append(out, *todo)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// ListActive returns every active todo. The reminder planner syncs from
// this set, and the prompt builder feeds it to the oracle.
func (m *TodoManager) ListActive(ctx context.Context) ([]Todo, error) {
	return m.List(ctx, TodoActive, -1)
}

func marshalTodoLists(todo Todo) (offsets, tags string, err error) {
	for _, o := range todo.ReminderOffsets {
		if o < 0 {
			return "", "", trace.BadParameter("reminder offset must be nonnegative, got %v", o)
		}
	}
	ob, err := json.Marshal(emptyIfNil(todo.ReminderOffsets))
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	tb, err := json.Marshal(emptyIfNilStr(todo.Tags))
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return string(ob), string(tb), nil
}

func emptyIfNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func emptyIfNilStr(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func scanTodo(row rowScanner) (*Todo, error) {
	var todo Todo
	var status, itemType, offsets, tags, createdAt, updatedAt string
	var due, start, deadline, dtstart sql.NullString
	err := row.Scan(&todo.ID, &todo.Name, &todo.Description, &status,
		&due, &start, &deadline, &dtstart, &itemType, &offsets,
		&todo.UserNotes, &todo.Priority, &tags, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("todo not found")
		}
		return nil, trace.Wrap(err)
	}
	todo.Status = TodoStatus(status)
	todo.ItemType = TodoItemType(itemType)
	if err := json.Unmarshal([]byte(offsets), &todo.ReminderOffsets); err != nil {
		return nil, trace.BadParameter("malformed reminder offsets: %v", err)
	}
	if err := json.Unmarshal([]byte(tags), &todo.Tags); err != nil {
		return nil, trace.BadParameter("malformed tags: %v", err)
	}
	if todo.Due, err = parseTimePtr(due); err != nil {
		return nil, trace.Wrap(err)
	}
	if todo.StartTime, err = parseTimePtr(start); err != nil {
		return nil, trace.Wrap(err)
	}
	if todo.Deadline, err = parseTimePtr(deadline); err != nil {
		return nil, trace.Wrap(err)
	}
	if todo.DTStart, err = parseTimePtr(dtstart); err != nil {
		return nil, trace.Wrap(err)
	}
	if todo.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if todo.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, trace.Wrap(err)
	}
	return &todo, nil
}
