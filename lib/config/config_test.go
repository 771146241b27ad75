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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

const defaultYAML = `
base_dir: /var/lib/lifetrace
jobs:
  recorder:
    enabled: true
    interval: 5
    params:
      screens: all
      deduplicate: true
      hash_threshold: 5
  ocr:
    enabled: true
    interval: 30
server:
  host: 127.0.0.1
  port: 8840
llm:
  model: test-model
`

func newTestStore(t *testing.T, userYAML string) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	defaultPath := filepath.Join(dir, "default_config.yaml")
	userPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(defaultPath, []byte(defaultYAML), 0o600))
	if userYAML != "" {
		require.NoError(t, os.WriteFile(userPath, []byte(userYAML), 0o600))
	}
	store, err := NewStore(StoreConfig{DefaultPath: defaultPath, UserPath: userPath})
	require.NoError(t, err)
	return store, userPath
}

func TestGet(t *testing.T) {
	store, _ := newTestStore(t, "")
	snap := store.Snapshot()

	interval, err := snap.GetSeconds("jobs.recorder.interval")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, interval)

	enabled, err := snap.GetBool("jobs.ocr.enabled")
	require.NoError(t, err)
	require.True(t, enabled)

	_, err = snap.Get("jobs.nonexistent.interval")
	require.True(t, trace.IsNotFound(err))

	_, err = snap.Get("jobs.recorder.interval.deeper")
	require.True(t, trace.IsNotFound(err))
}

func TestDeepMergeUserOverrides(t *testing.T) {
	store, _ := newTestStore(t, `
jobs:
  recorder:
    interval: 10
`)
	snap := store.Snapshot()

	// Overridden leaf.
	interval, err := snap.GetInt("jobs.recorder.interval")
	require.NoError(t, err)
	require.Equal(t, 10, interval)

	// Sibling from the default file survives the merge.
	enabled, err := snap.GetBool("jobs.recorder.enabled")
	require.NoError(t, err)
	require.True(t, enabled)
}

func TestSetPersists(t *testing.T) {
	store, userPath := newTestStore(t, "")
	require.NoError(t, store.Set("jobs.recorder.interval", 30, true))

	interval, err := store.Snapshot().GetInt("jobs.recorder.interval")
	require.NoError(t, err)
	require.Equal(t, 30, interval)

	// A fresh store sees the persisted value: the file is the source of
	// truth.
	reopened, err := NewStore(StoreConfig{
		DefaultPath: store.cfg.DefaultPath,
		UserPath:    userPath,
	})
	require.NoError(t, err)
	interval, err = reopened.Snapshot().GetInt("jobs.recorder.interval")
	require.NoError(t, err)
	require.Equal(t, 30, interval)
}

func TestReloadDispatchesChanges(t *testing.T) {
	store, userPath := newTestStore(t, "")

	var jobsChanges, llmChanges, allChanges []Change
	store.Subscribe(ChangeJobs, func(c Change) error {
		jobsChanges = append(jobsChanges, c)
		return nil
	})
	store.Subscribe(ChangeLLM, func(c Change) error {
		llmChanges = append(llmChanges, c)
		return nil
	})
	store.Subscribe(ChangeAll, func(c Change) error {
		allChanges = append(allChanges, c)
		return nil
	})

	require.NoError(t, os.WriteFile(userPath, []byte("jobs:\n  recorder:\n    interval: 60\n"), 0o600))
	require.NoError(t, store.Reload())

	require.Len(t, jobsChanges, 1)
	require.Empty(t, llmChanges)
	require.Len(t, allChanges, 1)
	require.Equal(t, ChangeJobs, jobsChanges[0].Type)
	newRecorder := jobsChanges[0].New["recorder"].(map[string]any)
	require.Equal(t, 60, newRecorder["interval"])

	// Reloading identical content produces no further events.
	jobsChanges = nil
	require.NoError(t, store.Reload())
	require.Empty(t, jobsChanges)
}

func TestReloadKeepsSnapshotOnMalformedYAML(t *testing.T) {
	store, userPath := newTestStore(t, "jobs:\n  recorder:\n    interval: 7\n")
	require.NoError(t, os.WriteFile(userPath, []byte("jobs: [unbalanced"), 0o600))

	err := store.Reload()
	require.Error(t, err)

	interval, err := store.Snapshot().GetInt("jobs.recorder.interval")
	require.NoError(t, err)
	require.Equal(t, 7, interval)
}

func TestHandlerFailureDoesNotStopDispatch(t *testing.T) {
	store, userPath := newTestStore(t, "")
	var called bool
	store.Subscribe(ChangeJobs, func(c Change) error {
		return trace.Errorf("handler boom")
	})
	store.Subscribe(ChangeJobs, func(c Change) error {
		called = true
		return nil
	})
	require.NoError(t, os.WriteFile(userPath, []byte("jobs:\n  extra: 1\n"), 0o600))
	require.NoError(t, store.Reload())
	require.True(t, called)
}

func TestRecorderParams(t *testing.T) {
	store, _ := newTestStore(t, `
jobs:
  recorder:
    params:
      screens: [1, 2]
      hash_threshold: 8
      blacklist:
        enabled: true
        apps: ["Chrome"]
`)
	params, err := store.Snapshot().RecorderParams()
	require.NoError(t, err)
	require.False(t, params.Screens.All)
	require.Equal(t, []int{1, 2}, params.Screens.IDs)
	require.True(t, params.Screens.Contains(2))
	require.False(t, params.Screens.Contains(3))
	require.Equal(t, 8, params.HashThreshold)
	require.True(t, params.Deduplicate)
	require.True(t, params.Blacklist.Enabled)
	require.Equal(t, []string{"Chrome"}, params.Blacklist.Apps)
}

func TestRecorderParamsDefaults(t *testing.T) {
	store, _ := newTestStore(t, "")
	params, err := store.Snapshot().RecorderParams()
	require.NoError(t, err)
	require.True(t, params.Screens.All)
	require.Equal(t, 5, params.HashThreshold)
	require.True(t, params.AutoExcludeSelf)
}

func TestSchedulerParams(t *testing.T) {
	store, _ := newTestStore(t, "scheduler:\n  max_workers: 4\n  misfire_grace_time: 10\n")
	params, err := store.Snapshot().SchedulerParams()
	require.NoError(t, err)
	require.Equal(t, 4, params.MaxWorkers)
	require.Equal(t, 10, params.MisfireGraceTime)
	require.True(t, params.Coalesce)
	require.Equal(t, 1, params.MaxInstances)
}
