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

package probe

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/gravitational/trace"
	"github.com/shirou/gopsutil/v4/process"
)

// NewPlatformProber returns the Windows prober. It queries the
// foreground window through a small powershell shim over user32 and
// resolves the owning process name through the pid.
func NewPlatformProber() Prober {
	return &windowsProber{}
}

type windowsProber struct{}

// foregroundScript prints {"pid": ..., "title": ...} for the foreground
// window.
const foregroundScript = `
Add-Type @"
using System;
using System.Runtime.InteropServices;
using System.Text;
public class FG {
  [DllImport("user32.dll")] public static extern IntPtr GetForegroundWindow();
  [DllImport("user32.dll")] public static extern int GetWindowText(IntPtr h, StringBuilder s, int n);
  [DllImport("user32.dll")] public static extern uint GetWindowThreadProcessId(IntPtr h, out uint pid);
}
"@
$h = [FG]::GetForegroundWindow()
$sb = New-Object System.Text.StringBuilder 512
[void][FG]::GetWindowText($h, $sb, 512)
$procId = 0
[void][FG]::GetWindowThreadProcessId($h, [ref]$procId)
@{pid = $procId; title = $sb.ToString()} | ConvertTo-Json -Compress`

func (p *windowsProber) ActiveWindow(ctx context.Context) (Info, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", foregroundScript).Output()
	if err != nil {
		return Info{}, trace.Wrap(err, "running powershell")
	}
	var result struct {
		PID   int32  `json:"pid"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &result); err != nil {
		return Info{}, trace.BadParameter("unexpected powershell output %q: %v", string(out), err)
	}

	app := UnknownApp
	if result.PID > 0 {
		if proc, err := process.NewProcessWithContext(ctx, result.PID); err == nil {
			if name, err := proc.NameWithContext(ctx); err == nil && name != "" {
				app = strings.TrimSuffix(name, ".exe")
			}
		}
	}

	return Info{App: app, Title: result.Title, ScreenID: 1}, nil
}
