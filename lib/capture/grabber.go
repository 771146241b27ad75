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
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/gravitational/trace"
)

// Grabber captures one monitor's pixels. Implementations shell out to
// the platform screenshot tool; the image never touches disk before the
// dedupe decision.
type Grabber interface {
	// Capture grabs the monitor with the given id (1-based).
	Capture(ctx context.Context, screenID int) (image.Image, error)
}

func decodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, trace.BadParameter("decoding captured frame: %v", err)
	}
	return img, nil
}
