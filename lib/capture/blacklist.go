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
	"fmt"
	"regexp"
	"strings"

	"github.com/gravitational/lifetrace/lib/config"
)

// friendlyAppNames maps user-facing application names, as they would
// appear in a config blacklist, to process-name fragments. Matching is
// best-effort case-insensitive substring; localized app names may not
// resolve and then only the literal entry matches.
var friendlyAppNames = map[string][]string{
	"chrome":   {"google chrome", "chrome", "chromium"},
	"edge":     {"msedge", "microsoft edge"},
	"firefox":  {"firefox"},
	"safari":   {"safari"},
	"wechat":   {"wechat", "weixin"},
	"微信":       {"wechat", "weixin"},
	"qq":       {"qq"},
	"dingtalk": {"dingtalk"},
	"钉钉":       {"dingtalk"},
	"telegram": {"telegram"},
	"slack":    {"slack"},
	"discord":  {"discord"},
	"1password": {"1password"},
	"keepass":   {"keepass", "keepassxc"},
	"bitwarden": {"bitwarden"},
}

// Blacklist decides whether a focused window is excluded from capture.
// Zero value blocks nothing.
type Blacklist struct {
	enabled bool
	apps    []string
	windows []string

	selfPatterns []*regexp.Regexp
}

// NewBlacklist builds the exclusion matcher for one tick from the
// current recorder params. With autoExcludeSelf the matcher also blocks
// windows showing the local UI: anything mentioning lifetrace or the
// process's own localhost:<port>.
func NewBlacklist(params config.BlacklistParams, autoExcludeSelf bool, selfPort int) *Blacklist {
	b := &Blacklist{enabled: params.Enabled}
	for _, app := range params.Apps {
		app = strings.ToLower(strings.TrimSpace(app))
		if app == "" {
			continue
		}
		if expanded, ok := friendlyAppNames[app]; ok {
			b.apps = append(b.apps, expanded...)
		}
		b.apps = append(b.apps, app)
	}
	for _, win := range params.Windows {
		win = strings.ToLower(strings.TrimSpace(win))
		if win != "" {
			b.windows = append(b.windows, win)
		}
	}
	if autoExcludeSelf {
		b.selfPatterns = append(b.selfPatterns, regexp.MustCompile(`(?i)lifetrace`))
		if selfPort > 0 {
			b.selfPatterns = append(b.selfPatterns,
				regexp.MustCompile(fmt.Sprintf(`(?i)(localhost|127\.0\.0\.1):%d\b`, selfPort)))
		}
	}
	return b
}

// Match reports whether the window is excluded and why. The reason goes
// into the tick log.
func (b *Blacklist) Match(app, title string) (reason string, blocked bool) {
	lowTitle := strings.ToLower(title)
	for _, pat := range b.selfPatterns {
		if pat.MatchString(lowTitle) {
			return fmt.Sprintf("window %q matches self-exclusion %v", title, pat), true
		}
	}
	if !b.enabled {
		return "", false
	}
	lowApp := strings.ToLower(app)
	for _, frag := range b.apps {
		if strings.Contains(lowApp, frag) {
			return fmt.Sprintf("app %q matches blacklisted app %q", app, frag), true
		}
	}
	for _, frag := range b.windows {
		if strings.Contains(lowTitle, frag) {
			return fmt.Sprintf("window %q matches blacklisted title %q", title, frag), true
		}
	}
	return "", false
}
