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

// Package ocr turns captured frames into searchable text. The worker
// drains unprocessed screenshots in batches, newest first, so recent
// activity becomes searchable before the backlog.
package ocr

import (
	"context"
	"image"
)

// Line is one recognized text fragment with its confidence in [0, 1].
type Line struct {
	Text       string
	Confidence float64
}

// Recognizer extracts text lines from an image. Implementations are
// constructed per configured language.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]Line, error)
}

// Factory builds a recognizer for a language code. The worker calls it
// lazily on the first tick and caches the result.
type Factory func(lang string) (Recognizer, error)
