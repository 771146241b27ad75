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

// OCRManager persists recognized text, one row per screenshot. Inserting
// a result also flips the screenshot's processed flag in the same
// transaction, keeping the "processed iff result exists" invariant.
type OCRManager struct {
	s *Storage
}

// Add inserts an OCR result and marks the screenshot processed. A second
// insert for the same screenshot is a no-op returning the existing row
// id.
func (m *OCRManager) Add(ctx context.Context, res OCRResult) (int64, error) {
	var id int64
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		createdAt := res.CreatedAt
		if createdAt.IsZero() {
			createdAt = m.s.cfg.Clock.Now().UTC()
		}
		var textHash any
		if res.TextHash != "" {
			textHash = res.TextHash
		}
		r, err := tx.ExecContext(ctx, `
			INSERT INTO ocr_results (screenshot_id, text_content, text_hash, confidence, language, processing_time_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			res.ScreenshotID, res.TextContent, textHash, res.Confidence,
			res.Language, res.ProcessingTime.Milliseconds(), formatTime(createdAt))
		if err != nil {
			if isUniqueViolation(err) {
				return tx.QueryRowContext(ctx,
					`SELECT id FROM ocr_results WHERE screenshot_id = ?`, res.ScreenshotID).Scan(&id)
			}
			return trace.Wrap(err)
		}
		if id, err = r.LastInsertId(); err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE screenshots SET processed = 1 WHERE id = ?`, res.ScreenshotID)
		return trace.Wrap(err)
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// GetByScreenshot returns the result for one screenshot.
func (m *OCRManager) GetByScreenshot(ctx context.Context, screenshotID int64) (*OCRResult, error) {
	return m.getWhere(ctx, `screenshot_id = ?`, screenshotID)
}

// GetByTextHash returns the first result with the given normalized text
// hash, or NotFound.
func (m *OCRManager) GetByTextHash(ctx context.Context, hash string) (*OCRResult, error) {
	return m.getWhere(ctx, `text_hash = ?`, hash)
}

func (m *OCRManager) getWhere(ctx context.Context, where string, arg any) (*OCRResult, error) {
	var out *OCRResult
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, screenshot_id, text_content, text_hash, confidence, language, processing_time_ms, created_at
			FROM ocr_results WHERE `+where+` LIMIT 1`, arg)
		var res OCRResult
		var textHash sql.NullString
		var createdAt string
		var processingMS int64
		err := row.Scan(&res.ID, &res.ScreenshotID, &res.TextContent, &textHash,
			&res.Confidence, &res.Language, &processingMS, &createdAt)
		if err != nil {
			if err == sql.ErrNoRows {
				return trace.NotFound("ocr result not found")
			}
			return trace.Wrap(err)
		}
		res.TextHash = textHash.String
		res.ProcessingTime = time.Duration(processingMS) * time.Millisecond
		if res.CreatedAt, err = parseTime(createdAt); err != nil {
			return trace.Wrap(err)
		}
		out = &res
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
