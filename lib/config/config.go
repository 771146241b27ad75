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

// Package config implements the layered YAML configuration store used by
// the background pipeline. A default file provides the base tree, a user
// file overrides it with a deep merge, and a reload swaps an immutable
// snapshot under a lock so readers never observe a torn tree.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/lifetrace"
)

// Snapshot is one immutable view of the merged configuration tree.
// Workers cache the pointer for the duration of a tick; a concurrent
// reload publishes a new snapshot without mutating this one.
type Snapshot struct {
	root map[string]any
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// DefaultPath is the read-only base configuration file.
	DefaultPath string
	// UserPath is the user override file; Set persists into it.
	UserPath string
	// Log is the store's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.DefaultPath == "" {
		return trace.BadParameter("missing parameter DefaultPath")
	}
	if c.UserPath == "" {
		return trace.BadParameter("missing parameter UserPath")
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentConfig)
	}
	return nil
}

// Store loads and serves the merged configuration. Reads are lock-free on
// the published snapshot; Reload and Set serialize on a mutex.
type Store struct {
	cfg  StoreConfig
	snap atomic.Pointer[Snapshot]

	// mu guards reload/set/subscribe so a concurrent Set cannot race a
	// Reload into persisting against a stale user tree.
	mu       sync.Mutex
	user     map[string]any
	handlers []subscription
}

// NewStore loads both files and returns a ready store. A missing user
// file is not an error; a missing or malformed default file is.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{cfg: cfg}
	root, user, err := s.load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.user = user
	s.snap.Store(&Snapshot{root: root})
	return s, nil
}

// Snapshot returns the current immutable configuration view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

func (s *Store) load() (root, user map[string]any, err error) {
	base, err := readYAMLFile(s.cfg.DefaultPath)
	if err != nil {
		return nil, nil, trace.Wrap(err, "reading default config %v", s.cfg.DefaultPath)
	}
	user, err = readYAMLFile(s.cfg.UserPath)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, nil, trace.Wrap(err, "reading user config %v", s.cfg.UserPath)
		}
		user = map[string]any{}
	}
	return deepMerge(base, user), user, nil
}

// Reload re-reads both files and publishes a new snapshot. On any parse
// failure the previous snapshot stays in effect and the error is
// returned. On success the old and new trees are diffed at section
// granularity and change events are dispatched synchronously.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, user, err := s.load()
	if err != nil {
		s.cfg.Log.Error("Configuration reload failed, keeping previous snapshot.", "error", err)
		return trace.Wrap(err)
	}
	old := s.snap.Load()
	s.user = user
	next := &Snapshot{root: root}
	s.snap.Store(next)
	s.dispatchLocked(old, next)
	return nil
}

// Get returns the value at a dotted key ("jobs.recorder.interval").
// Missing keys are an error; there is no silent default.
func (s *Snapshot) Get(key string) (any, error) {
	parts := strings.Split(key, ".")
	var cur any = s.root
	for i, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, trace.NotFound("config key %q: %q is not a section", key, strings.Join(parts[:i], "."))
		}
		cur, ok = m[part]
		if !ok {
			return nil, trace.NotFound("config key %q not found", key)
		}
	}
	return cur, nil
}

// GetString returns a string value at a dotted key.
func (s *Snapshot) GetString(key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	str, ok := v.(string)
	if !ok {
		return "", trace.BadParameter("config key %q: expected string, got %T", key, v)
	}
	return str, nil
}

// GetBool returns a boolean value at a dotted key.
func (s *Snapshot) GetBool(key string) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, trace.Wrap(err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, trace.BadParameter("config key %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// GetInt returns an integer value at a dotted key. YAML integers decode
// as int; floats and numeric strings are accepted when lossless.
func (s *Snapshot) GetInt(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, trace.BadParameter("config key %q: %v is not an integer", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, trace.BadParameter("config key %q: %q is not an integer", key, n)
		}
		return i, nil
	default:
		return 0, trace.BadParameter("config key %q: expected integer, got %T", key, v)
	}
}

// GetSeconds reads an integer number of seconds as a duration.
func (s *Snapshot) GetSeconds(key string) (time.Duration, error) {
	n, err := s.GetInt(key)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(n) * time.Second, nil
}

// Section returns a deep copy of a top-level section, or nil if absent.
func (s *Snapshot) Section(name string) map[string]any {
	sec, ok := s.root[name].(map[string]any)
	if !ok {
		return nil
	}
	return deepCopy(sec)
}

// Set writes a dotted key into the user overlay. With persist the overlay
// is written to the user file first; only after the file write succeeds
// does the in-memory snapshot pick up the value, so the file stays the
// source of truth across a crash.
func (s *Store) Set(key string, value any, persist bool) error {
	if key == "" {
		return trace.BadParameter("missing config key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user := deepCopy(s.user)
	if err := setPath(user, strings.Split(key, "."), value); err != nil {
		return trace.Wrap(err)
	}
	if persist {
		if err := writeYAMLFile(s.cfg.UserPath, user); err != nil {
			return trace.Wrap(err, "persisting config key %q", key)
		}
	}
	s.user = user
	base, err := readYAMLFile(s.cfg.DefaultPath)
	if err != nil {
		return trace.Wrap(err)
	}
	s.snap.Store(&Snapshot{root: deepMerge(base, user)})
	return nil
}

func setPath(m map[string]any, parts []string, value any) error {
	if len(parts) == 1 {
		m[parts[0]] = value
		return nil
	}
	child, ok := m[parts[0]]
	if !ok || child == nil {
		next := map[string]any{}
		m[parts[0]] = next
		return setPath(next, parts[1:], value)
	}
	next, ok := child.(map[string]any)
	if !ok {
		return trace.BadParameter("config key %q is not a section", parts[0])
	}
	return setPath(next, parts[1:], value)
}

func readYAMLFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, trace.BadParameter("malformed YAML in %v: %v", path, err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return root, nil
}

func writeYAMLFile(path string, root map[string]any) error {
	data, err := yaml.Marshal(root)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// deepMerge returns base overlaid with over: maps merge recursively,
// everything else (scalars, lists) is replaced wholesale.
func deepMerge(base, over map[string]any) map[string]any {
	out := deepCopy(base)
	for k, v := range over {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// String implements fmt.Stringer for logging without dumping the tree.
func (s *Store) String() string {
	return fmt.Sprintf("config.Store(default=%v, user=%v)", s.cfg.DefaultPath, s.cfg.UserPath)
}
