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

//go:build linux

package capture

import (
	"context"
	"fmt"
	"image"
	"os/exec"

	"github.com/gravitational/trace"

	"github.com/gravitational/lifetrace/lib/probe"
)

// NewPlatformGrabber returns the X11 grabber backed by ImageMagick's
// import tool.
func NewPlatformGrabber() Grabber {
	return &x11Grabber{}
}

type x11Grabber struct{}

func (g *x11Grabber) Capture(ctx context.Context, screenID int) (image.Image, error) {
	args := []string{"-silent", "-window", "root"}
	if rect, ok := screenRect(ctx, screenID); ok {
		args = append(args, "-crop", rect)
	}
	args = append(args, "png:-")
	out, err := exec.CommandContext(ctx, "import", args...).Output()
	if err != nil {
		return nil, trace.Wrap(err, "running import")
	}
	return decodePNG(out)
}

// screenRect returns the ImageMagick crop geometry for one monitor, or
// false to grab the whole root window.
func screenRect(ctx context.Context, screenID int) (string, bool) {
	screens, err := probe.ListScreens(ctx)
	if err != nil {
		return "", false
	}
	for _, s := range screens {
		if s.ID == screenID {
			return fmt.Sprintf("%dx%d+%d+%d", s.Width, s.Height, s.X, s.Y), true
		}
	}
	return "", false
}
