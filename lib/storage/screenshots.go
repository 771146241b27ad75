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

// ScreenshotManager persists screenshot metadata. File paths are unique;
// inserting a duplicate path returns the existing row id.
type ScreenshotManager struct {
	s *Storage
}

const screenshotColumns = `id, file_path, file_hash, width, height, screen_id, app_name, window_title, created_at, file_deleted, processed, event_id`

// Add inserts a screenshot row and returns its id. If a row already
// exists for the file path the existing id is returned: the prior row
// wins.
func (m *ScreenshotManager) Add(ctx context.Context, shot Screenshot) (int64, error) {
	var id int64
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		createdAt := shot.CreatedAt
		if createdAt.IsZero() {
			createdAt = m.s.cfg.Clock.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO screenshots (file_path, file_hash, width, height, screen_id, app_name, window_title, created_at, file_deleted, processed, event_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			shot.FilePath, shot.FileHash, shot.Width, shot.Height, shot.ScreenID,
			shot.AppName, shot.WindowTitle, formatTime(createdAt), shot.FileDeleted, shot.EventID)
		if err != nil {
			if isUniqueViolation(err) {
				return tx.QueryRowContext(ctx,
					`SELECT id FROM screenshots WHERE file_path = ?`, shot.FilePath).Scan(&id)
			}
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

// GetByPath returns the screenshot with the given file path.
func (m *ScreenshotManager) GetByPath(ctx context.Context, path string) (*Screenshot, error) {
	return m.getWhere(ctx, `file_path = ?`, path)
}

// GetByID returns the screenshot with the given id.
func (m *ScreenshotManager) GetByID(ctx context.Context, id int64) (*Screenshot, error) {
	return m.getWhere(ctx, `id = ?`, id)
}

func (m *ScreenshotManager) getWhere(ctx context.Context, where string, arg any) (*Screenshot, error) {
	var shot *Screenshot
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+screenshotColumns+` FROM screenshots WHERE `+where, arg)
		var err error
		shot, err = scanScreenshot(row)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return shot, nil
}

// Count returns the number of screenshot rows, optionally excluding
// soft-deleted ones.
func (m *ScreenshotManager) Count(ctx context.Context, excludeDeleted bool) (int64, error) {
	var n int64
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT COUNT(*) FROM screenshots`
		if excludeDeleted {
			q += ` WHERE file_deleted = 0`
		}
		return trace.Wrap(tx.QueryRowContext(ctx, q).Scan(&n))
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}

// MarkFileDeleted flags the row as having no backing file.
func (m *ScreenshotManager) MarkFileDeleted(ctx context.Context, id int64) error {
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE screenshots SET file_deleted = 1 WHERE id = ?`, id)
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("screenshot %v not found", id)
		}
		return nil
	})
}

// Delete removes the row outright. OCR results cascade.
func (m *ScreenshotManager) Delete(ctx context.Context, id int64) error {
	return m.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM screenshots WHERE id = ?`, id)
		return trace.Wrap(err)
	})
}

// IterOldest returns up to limit non-deleted screenshots, oldest first.
// The retention sweeper walks this to enforce the count cap.
func (m *ScreenshotManager) IterOldest(ctx context.Context, limit int) ([]Screenshot, error) {
	var out []Screenshot
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+screenshotColumns+` FROM screenshots
			WHERE file_deleted = 0
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, limit)
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

// Unprocessed returns up to limit screenshots without an OCR result,
// newest first, skipping soft-deleted rows.
func (m *ScreenshotManager) Unprocessed(ctx context.Context, limit int) ([]Screenshot, error) {
	var out []Screenshot
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+screenshotColumns+` FROM screenshots
			WHERE processed = 0 AND file_deleted = 0
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, limit)
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

// OlderThan returns non-deleted screenshots created strictly before the
// cutoff, oldest first.
func (m *ScreenshotManager) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Screenshot, error) {
	var out []Screenshot
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+screenshotColumns+` FROM screenshots
			WHERE file_deleted = 0 AND created_at < ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, formatTime(cutoff), limit)
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

// AllPaths returns the file path of every row, including soft-deleted
// ones. The startup sweep diffs this against the screenshots directory.
func (m *ScreenshotManager) AllPaths(ctx context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT file_path FROM screenshots`)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return trace.Wrap(err)
			}
			out[p] = true
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScreenshot(row rowScanner) (*Screenshot, error) {
	var shot Screenshot
	var createdAt string
	var eventID sql.NullInt64
	err := row.Scan(&shot.ID, &shot.FilePath, &shot.FileHash, &shot.Width, &shot.Height,
		&shot.ScreenID, &shot.AppName, &shot.WindowTitle, &createdAt,
		&shot.FileDeleted, &shot.Processed, &eventID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("screenshot not found")
		}
		return nil, trace.Wrap(err)
	}
	if shot.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if eventID.Valid {
		shot.EventID = &eventID.Int64
	}
	return &shot, nil
}
