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

package ocr

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/gravitational/lifetrace/lib/defaults"
)

// preprocess converts the frame to RGBA and downscales it to fit inside
// the recognizer's working resolution, preserving aspect ratio. HiDPI
// captures are routinely 2x the logical size and only slow the engine
// down.
func preprocess(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scale := 1.0
	if w > defaults.OCRMaxWidth {
		scale = float64(defaults.OCRMaxWidth) / float64(w)
	}
	if s := float64(defaults.OCRMaxHeight) / float64(h); h > defaults.OCRMaxHeight && s < scale {
		scale = s
	}

	dw, dh := w, h
	if scale < 1.0 {
		dw = int(float64(w) * scale)
		dh = int(float64(h) * scale)
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	if scale < 1.0 {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	} else {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	}
	return dst
}
