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

//go:build windows

package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gravitational/trace"
)

// NewPlatformGrabber returns the Windows grabber backed by a powershell
// CopyFromScreen shim.
func NewPlatformGrabber() Grabber {
	return &windowsGrabber{}
}

type windowsGrabber struct{}

// grabScript captures one screen (1-based index, clamped to the
// available screens) into the path passed as %s.
const grabScript = `
Add-Type -AssemblyName System.Windows.Forms
Add-Type -AssemblyName System.Drawing
$screens = [System.Windows.Forms.Screen]::AllScreens
$idx = [Math]::Min(%d, $screens.Count) - 1
if ($idx -lt 0) { $idx = 0 }
$b = $screens[$idx].Bounds
$bmp = New-Object System.Drawing.Bitmap $b.Width, $b.Height
$gfx = [System.Drawing.Graphics]::FromImage($bmp)
$gfx.CopyFromScreen($b.Location, [System.Drawing.Point]::Empty, $b.Size)
$bmp.Save("%s", [System.Drawing.Imaging.ImageFormat]::Png)
$gfx.Dispose()
$bmp.Dispose()`

func (g *windowsGrabber) Capture(ctx context.Context, screenID int) (image.Image, error) {
	dir, err := os.MkdirTemp("", "lifetrace-grab")
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "frame.png")
	script := fmt.Sprintf(grabScript, screenID, filepath.ToSlash(path))
	cmd := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script)
	if err := cmd.Run(); err != nil {
		return nil, trace.Wrap(err, "running powershell")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return decodePNG(data)
}
