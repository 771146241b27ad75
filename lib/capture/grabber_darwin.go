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

//go:build darwin

package capture

import (
	"context"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/gravitational/trace"
)

// NewPlatformGrabber returns the macOS grabber backed by the system
// screencapture tool. screencapture cannot write to stdout, so the frame
// takes a round trip through a temp file.
func NewPlatformGrabber() Grabber {
	return &darwinGrabber{}
}

type darwinGrabber struct{}

func (g *darwinGrabber) Capture(ctx context.Context, screenID int) (image.Image, error) {
	dir, err := os.MkdirTemp("", "lifetrace-grab")
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "frame.png")
	cmd := exec.CommandContext(ctx, "screencapture", "-x", "-D", strconv.Itoa(screenID), "-t", "png", path)
	if err := cmd.Run(); err != nil {
		return nil, trace.Wrap(err, "running screencapture")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return decodePNG(data)
}
