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

package probe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/shirou/gopsutil/v4/process"
)

// NewPlatformProber returns the X11 prober. It shells out to xdotool for
// the focused window and its geometry, and resolves the owning process
// name through the pid.
func NewPlatformProber() Prober {
	return &x11Prober{}
}

type x11Prober struct{}

func (p *x11Prober) ActiveWindow(ctx context.Context) (Info, error) {
	windowID, err := runTool(ctx, "xdotool", "getactivewindow")
	if err != nil {
		return Info{}, trace.Wrap(err)
	}

	title, err := runTool(ctx, "xdotool", "getwindowname", windowID)
	if err != nil {
		return Info{}, trace.Wrap(err)
	}

	app := UnknownApp
	if pidStr, err := runTool(ctx, "xdotool", "getwindowpid", windowID); err == nil {
		if pid, err := strconv.ParseInt(pidStr, 10, 32); err == nil {
			if proc, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil {
				if name, err := proc.NameWithContext(ctx); err == nil && name != "" {
					app = name
				}
			}
		}
	}

	screenID := 1
	if x, y, ok := windowCenter(ctx, windowID); ok {
		if screens, err := ListScreens(ctx); err == nil {
			screenID = ScreenForPoint(screens, x, y)
		}
	}

	return Info{App: app, Title: title, ScreenID: screenID}, nil
}

// windowCenter returns the center point of a window from
// `xdotool getwindowgeometry --shell` output (X=.. Y=.. WIDTH=.. HEIGHT=..).
func windowCenter(ctx context.Context, windowID string) (x, y int, ok bool) {
	out, err := runTool(ctx, "xdotool", "getwindowgeometry", "--shell", windowID)
	if err != nil {
		return 0, 0, false
	}
	vals := map[string]int{}
	for _, line := range strings.Split(out, "\n") {
		k, v, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			vals[k] = n
		}
	}
	w, h := vals["WIDTH"], vals["HEIGHT"]
	if w == 0 || h == 0 {
		return 0, 0, false
	}
	return vals["X"] + w/2, vals["Y"] + h/2, true
}

// ListScreens parses `xrandr --listactivemonitors`:
//
//	Monitors: 2
//	 0: +*eDP-1 1920/344x1080/194+0+0  eDP-1
//	 1: +HDMI-1 2560/597x1440/336+1920+0  HDMI-1
func ListScreens(ctx context.Context) ([]Screen, error) {
	out, err := runTool(ctx, "xrandr", "--listactivemonitors")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var screens []Screen
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(fields[0], ":"))
		if err != nil {
			continue
		}
		geom, ok := parseMonitorGeometry(fields[2])
		if !ok {
			continue
		}
		geom.ID = idx + 1
		screens = append(screens, geom)
	}
	if len(screens) == 0 {
		return nil, trace.NotFound("no active monitors reported")
	}
	return screens, nil
}

// parseMonitorGeometry decodes "1920/344x1080/194+0+0".
func parseMonitorGeometry(s string) (Screen, bool) {
	main, rest, ok := strings.Cut(s, "+")
	if !ok {
		return Screen{}, false
	}
	wPart, hPart, ok := strings.Cut(main, "x")
	if !ok {
		return Screen{}, false
	}
	xStr, yStr, ok := strings.Cut(rest, "+")
	if !ok {
		return Screen{}, false
	}
	width, err := strconv.Atoi(strings.SplitN(wPart, "/", 2)[0])
	if err != nil {
		return Screen{}, false
	}
	height, err := strconv.Atoi(strings.SplitN(hPart, "/", 2)[0])
	if err != nil {
		return Screen{}, false
	}
	x, err := strconv.Atoi(xStr)
	if err != nil {
		return Screen{}, false
	}
	y, err := strconv.Atoi(yStr)
	if err != nil {
		return Screen{}, false
	}
	return Screen{X: x, Y: y, Width: width, Height: height}, true
}

func runTool(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", trace.Wrap(err, "running %v", name)
	}
	return strings.TrimSpace(string(out)), nil
}
