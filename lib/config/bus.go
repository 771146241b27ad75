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

package config

import (
	"reflect"
)

// ChangeType selects which configuration sections a subscriber cares
// about. A successful reload diffs the old and new trees per section and
// dispatches one event per changed section.
type ChangeType string

const (
	// ChangeLLM covers the "llm" section.
	ChangeLLM ChangeType = "llm"
	// ChangeJobs covers the "jobs" section.
	ChangeJobs ChangeType = "jobs"
	// ChangeServer covers the "server" section.
	ChangeServer ChangeType = "server"
	// ChangeAll subscribes to every section diff.
	ChangeAll ChangeType = "all"
)

// sectionTypes maps top-level YAML sections to their change type.
// Sections outside this map do not produce events.
var sectionTypes = map[string]ChangeType{
	"llm":    ChangeLLM,
	"jobs":   ChangeJobs,
	"server": ChangeServer,
}

// Change describes one section-level configuration change.
type Change struct {
	// Type identifies the changed section.
	Type ChangeType
	// Old is the section subtree before the reload, nil if absent.
	Old map[string]any
	// New is the section subtree after the reload, nil if removed.
	New map[string]any
}

// Handler receives change events. Handlers run synchronously on the
// reloading goroutine; an error or panic is logged and does not stop
// dispatch to the remaining handlers.
type Handler func(Change) error

type subscription struct {
	typ     ChangeType
	handler Handler
}

// Subscribe registers a handler for one change type. ChangeAll receives
// every section diff. Handlers cannot be unregistered; subscribers live
// as long as the process.
func (s *Store) Subscribe(typ ChangeType, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, subscription{typ: typ, handler: handler})
}

// dispatchLocked diffs the two snapshots per section and invokes the
// interested handlers. Caller holds s.mu.
func (s *Store) dispatchLocked(old, next *Snapshot) {
	for section, typ := range sectionTypes {
		oldSec, _ := old.root[section].(map[string]any)
		newSec, _ := next.root[section].(map[string]any)
		if reflect.DeepEqual(oldSec, newSec) {
			continue
		}
		change := Change{Type: typ, Old: deepCopyOrNil(oldSec), New: deepCopyOrNil(newSec)}
		for _, sub := range s.handlers {
			if sub.typ != typ && sub.typ != ChangeAll {
				continue
			}
			s.invoke(sub.handler, change)
		}
	}
}

func (s *Store) invoke(handler Handler, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Log.Error("Config change handler panicked.", "section", change.Type, "panic", r)
		}
	}()
	if err := handler(change); err != nil {
		s.cfg.Log.Error("Config change handler failed.", "section", change.Type, "error", err)
	}
}

func deepCopyOrNil(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepCopy(m)
}
