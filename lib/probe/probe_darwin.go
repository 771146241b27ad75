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

package probe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// NewPlatformProber returns the macOS prober backed by osascript. The
// frontmost application and its focused window's title and bounds come
// from System Events; screen assignment uses the window's position.
func NewPlatformProber() Prober {
	return &darwinProber{}
}

type darwinProber struct{}

// activeWindowScript prints "app\ttitle\tx\ty" for the frontmost window.
// Windowless apps (menu bar agents) yield an empty title and position.
const activeWindowScript = `
tell application "System Events"
	set frontApp to first application process whose frontmost is true
	set appName to name of frontApp
	set winTitle to ""
	set winX to 0
	set winY to 0
	try
		set frontWin to front window of frontApp
		set winTitle to name of frontWin
		set {winX, winY} to position of frontWin
	end try
	return appName & "\t" & winTitle & "\t" & winX & "\t" & winY
end tell`

func (p *darwinProber) ActiveWindow(ctx context.Context) (Info, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", activeWindowScript).Output()
	if err != nil {
		return Info{}, trace.Wrap(err, "running osascript")
	}
	parts := strings.Split(strings.TrimRight(string(out), "\n"), "\t")
	if len(parts) < 2 {
		return Info{}, trace.BadParameter("unexpected osascript output %q", string(out))
	}
	info := Info{App: parts[0], Title: parts[1], ScreenID: 1}
	if len(parts) >= 4 {
		x, errX := strconv.Atoi(parts[2])
		y, errY := strconv.Atoi(parts[3])
		if errX == nil && errY == nil {
			if screens, err := listScreens(ctx); err == nil {
				info.ScreenID = ScreenForPoint(screens, x, y)
			}
		}
	}
	return info, nil
}

// listScreensScript prints one "x y w h" line per display.
const listScreensScript = `
use framework "AppKit"
set out to ""
repeat with s in (current application's NSScreen's screens()) as list
	set f to s's frame()
	set out to out & (item 1 of item 1 of f) & " " & (item 2 of item 1 of f) & " " & (item 1 of item 2 of f) & " " & (item 2 of item 2 of f) & "\n"
end repeat
return out`

func listScreens(ctx context.Context) ([]Screen, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", listScreensScript).Output()
	if err != nil {
		return nil, trace.Wrap(err, "running osascript")
	}
	var screens []Screen
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 4 {
			continue
		}
		nums := make([]int, 4)
		ok := true
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				ok = false
				break
			}
			nums[i] = int(v)
		}
		if !ok {
			continue
		}
		screens = append(screens, Screen{
			ID: len(screens) + 1, X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3],
		})
	}
	if len(screens) == 0 {
		return nil, trace.NotFound("no displays reported")
	}
	return screens, nil
}
