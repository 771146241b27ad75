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

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/lifetrace/lib/jobs"
)

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer svc.Close()

	// The canonical job table survives into the durable store.
	all, err := svc.scheduler.GetAllJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(jobs.Canonical))

	// Paths were materialized on first run.
	require.FileExists(t, svc.paths.DefaultConfig)
	require.FileExists(t, svc.paths.Database)
	require.FileExists(t, svc.paths.SchedulerDB)
}

func TestServiceRecorderOverrides(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, Config{
		DataDir:          t.TempDir(),
		RecorderInterval: 42 * time.Second,
		Screens:          "1,2",
	})
	require.NoError(t, err)
	defer svc.Close()

	interval, err := svc.config.Snapshot().GetSeconds("jobs.recorder.interval")
	require.NoError(t, err)
	require.Equal(t, 42*time.Second, interval)

	params, err := svc.config.Snapshot().RecorderParams()
	require.NoError(t, err)
	require.False(t, params.Screens.All)
	require.Equal(t, []int{1, 2}, params.Screens.IDs)
}

func TestParseScreens(t *testing.T) {
	require.Equal(t, "all", parseScreens("ALL"))
	require.Equal(t, []any{1, 2}, parseScreens("1, 2"))
	require.Equal(t, "all", parseScreens("garbage"))
}
