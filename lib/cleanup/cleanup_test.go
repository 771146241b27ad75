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

package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/lifetrace/lib/config"
	"github.com/gravitational/lifetrace/lib/storage"
)

func newTestSweeper(t *testing.T, clock clockwork.Clock, params config.CleanupParams) (*Sweeper, *storage.Storage, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(context.Background(), storage.Config{
		Path:  filepath.Join(dir, "lifetrace.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s, err := NewSweeper(Config{
		Storage: store,
		Params:  func() (config.CleanupParams, error) { return params, nil },
		Clock:   clock,
	})
	require.NoError(t, err)
	return s, store, dir
}

func addShot(t *testing.T, store *storage.Storage, dir string, n int, at time.Time) int64 {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("shot_%d.png", n))
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))
	id, err := store.Screenshots().Add(context.Background(), storage.Screenshot{
		FilePath:    path,
		FileHash:    fmt.Sprintf("hash-%d", n),
		ScreenID:    1,
		AppName:     "firefox",
		WindowTitle: "docs",
		CreatedAt:   at,
	})
	require.NoError(t, err)
	return id
}

func TestTickSweepsByAgeSoftDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	s, store, dir := newTestSweeper(t, clock, config.CleanupParams{
		MaxDays:        30,
		MaxScreenshots: 10000,
		DeleteFileOnly: true,
	})

	oldID := addShot(t, store, dir, 1, now.Add(-31*24*time.Hour))
	freshID := addShot(t, store, dir, 2, now.Add(-time.Hour))

	require.NoError(t, s.Tick(ctx))

	old, err := store.Screenshots().GetByID(ctx, oldID)
	require.NoError(t, err)
	require.True(t, old.FileDeleted)
	require.NoFileExists(t, old.FilePath)

	fresh, err := store.Screenshots().GetByID(ctx, freshID)
	require.NoError(t, err)
	require.False(t, fresh.FileDeleted)
	require.FileExists(t, fresh.FilePath)
}

func TestTickSweepsByAgeHardDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	s, store, dir := newTestSweeper(t, clock, config.CleanupParams{
		MaxDays:        30,
		DeleteFileOnly: false,
	})

	oldID := addShot(t, store, dir, 1, now.Add(-31*24*time.Hour))
	_, err := store.OCR().Add(ctx, storage.OCRResult{ScreenshotID: oldID, TextContent: "stale"})
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))

	_, err = store.Screenshots().GetByID(ctx, oldID)
	require.True(t, trace.IsNotFound(err))
	_, err = store.OCR().GetByScreenshot(ctx, oldID)
	require.True(t, trace.IsNotFound(err))
}

func TestTickSweepsByCountOldestFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	s, store, dir := newTestSweeper(t, clock, config.CleanupParams{
		MaxScreenshots: 2,
		DeleteFileOnly: true,
	})

	first := addShot(t, store, dir, 1, now.Add(-3*time.Hour))
	second := addShot(t, store, dir, 2, now.Add(-2*time.Hour))
	third := addShot(t, store, dir, 3, now.Add(-time.Hour))

	require.NoError(t, s.Tick(ctx))

	oldest, err := store.Screenshots().GetByID(ctx, first)
	require.NoError(t, err)
	require.True(t, oldest.FileDeleted)
	for _, id := range []int64{second, third} {
		shot, err := store.Screenshots().GetByID(ctx, id)
		require.NoError(t, err)
		require.False(t, shot.FileDeleted)
	}

	// The caps are satisfied now; nothing else goes.
	require.NoError(t, s.Tick(ctx))
	count, err := store.Screenshots().Count(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestTickToleratesMissingFiles(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	s, store, dir := newTestSweeper(t, clock, config.CleanupParams{
		MaxDays:        30,
		DeleteFileOnly: true,
	})

	id := addShot(t, store, dir, 1, now.Add(-31*24*time.Hour))
	shot, err := store.Screenshots().GetByID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, os.Remove(shot.FilePath))

	require.NoError(t, s.Tick(ctx))
	shot, err = store.Screenshots().GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, shot.FileDeleted)
}
