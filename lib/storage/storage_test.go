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

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, clock clockwork.Clock) *Storage {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path:  filepath.Join(t.TempDir(), "lifetrace.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScreenshotAddDuplicatePathWins(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	s := newTestStorage(t, clock)

	id1, err := s.Screenshots().Add(ctx, Screenshot{
		FilePath: "/data/screenshots/screen_1_20260102_100000_000.png",
		FileHash: "abc",
		ScreenID: 1,
		AppName:  "editor",
	})
	require.NoError(t, err)

	// Second insert for the same path: the prior row wins.
	id2, err := s.Screenshots().Add(ctx, Screenshot{
		FilePath: "/data/screenshots/screen_1_20260102_100000_000.png",
		FileHash: "different",
	})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	n, err := s.Screenshots().Count(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	shot, err := s.Screenshots().GetByPath(ctx, "/data/screenshots/screen_1_20260102_100000_000.png")
	require.NoError(t, err)
	require.Equal(t, "abc", shot.FileHash)
	require.Equal(t, "editor", shot.AppName)
	require.False(t, shot.Processed)
}

func TestMarkFileDeleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, clockwork.NewFakeClock())

	id, err := s.Screenshots().Add(ctx, Screenshot{FilePath: "/x/a.png"})
	require.NoError(t, err)
	require.NoError(t, s.Screenshots().MarkFileDeleted(ctx, id))

	shot, err := s.Screenshots().GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, shot.FileDeleted)

	n, err := s.Screenshots().Count(ctx, true)
	require.NoError(t, err)
	require.Zero(t, n)

	err = s.Screenshots().MarkFileDeleted(ctx, 9999)
	require.True(t, trace.IsNotFound(err))
}

func TestOCRAddIsIdempotentAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, clockwork.NewFakeClock())

	shotID, err := s.Screenshots().Add(ctx, Screenshot{FilePath: "/x/b.png"})
	require.NoError(t, err)

	unprocessed, err := s.Screenshots().Unprocessed(ctx, 50)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	ocrID, err := s.OCR().Add(ctx, OCRResult{
		ScreenshotID: shotID,
		TextContent:  "hello world",
		TextHash:     "h1",
		Confidence:   0.92,
		Language:     "en",
	})
	require.NoError(t, err)

	// Re-processing is a no-op.
	again, err := s.OCR().Add(ctx, OCRResult{ScreenshotID: shotID, TextContent: "other"})
	require.NoError(t, err)
	require.Equal(t, ocrID, again)

	res, err := s.OCR().GetByScreenshot(ctx, shotID)
	require.NoError(t, err)
	require.Equal(t, "hello world", res.TextContent)

	shot, err := s.Screenshots().GetByID(ctx, shotID)
	require.NoError(t, err)
	require.True(t, shot.Processed)

	unprocessed, err = s.Screenshots().Unprocessed(ctx, 50)
	require.NoError(t, err)
	require.Empty(t, unprocessed)
}

func TestEventTransitions(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStorage(t, clockwork.NewFakeClockAt(t0))

	// First capture opens an event.
	id1, err := s.Events().GetOrCreate(ctx, "A", "T1", t0)
	require.NoError(t, err)

	// Same pair two seconds later: same event, still active.
	id1b, err := s.Events().GetOrCreate(ctx, "A", "T1", t0.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, id1, id1b)

	// Different title closes the first event at now and opens a second.
	id2, err := s.Events().GetOrCreate(ctx, "A", "T2", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	first, err := s.Events().GetByID(ctx, id1)
	require.NoError(t, err)
	require.False(t, first.Active())
	require.Equal(t, t0, first.StartTime)
	require.Equal(t, t0.Add(2*time.Second), *first.EndTime)

	second, err := s.Events().GetByID(ctx, id2)
	require.NoError(t, err)
	require.True(t, second.Active())
	require.Equal(t, t0.Add(2*time.Second), second.StartTime)

	// Only one active event at any instant.
	active, err := s.Events().Active(ctx)
	require.NoError(t, err)
	require.Equal(t, id2, active.ID)

	// CloseActive is idempotent.
	require.NoError(t, s.Events().CloseActive(ctx, t0.Add(3*time.Second)))
	require.NoError(t, s.Events().CloseActive(ctx, t0.Add(4*time.Second)))
	_, err = s.Events().Active(ctx)
	require.True(t, trace.IsNotFound(err))

	second, err = s.Events().GetByID(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, t0.Add(3*time.Second), *second.EndTime)
}

func TestEventScreenshotAttribution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := newTestStorage(t, clockwork.NewFakeClockAt(now))

	eventID, err := s.Events().GetOrCreate(ctx, "A", "T", now)
	require.NoError(t, err)
	shotID, err := s.Screenshots().Add(ctx, Screenshot{FilePath: "/x/c.png"})
	require.NoError(t, err)
	require.NoError(t, s.Events().AddScreenshot(ctx, eventID, shotID))

	shots, err := s.Events().Screenshots(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, shots, 1)
	require.Equal(t, shotID, shots[0].ID)
	require.Equal(t, eventID, *shots[0].EventID)
}

func TestActivityCreateIdempotence(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	s := newTestStorage(t, clockwork.NewFakeClockAt(t0))

	evID, err := s.Events().GetOrCreate(ctx, "B", "X", t0)
	require.NoError(t, err)
	require.NoError(t, s.Events().CloseActive(ctx, t0.Add(3*time.Minute)))

	a := Activity{StartTime: t0, EndTime: t0.Add(15 * time.Minute), AITitle: "work"}
	id, err := s.Activities().Create(ctx, a, []int64{evID})
	require.NoError(t, err)

	// Same window again: AlreadyExists, nothing written.
	_, err = s.Activities().Create(ctx, a, []int64{evID})
	require.True(t, trace.IsAlreadyExists(err))

	// Overlapping window is rejected too.
	_, err = s.Activities().Create(ctx, Activity{
		StartTime: t0.Add(10 * time.Minute),
		EndTime:   t0.Add(25 * time.Minute),
	}, []int64{evID})
	require.True(t, trace.IsAlreadyExists(err))

	// Adjacent window is fine: [start, end) intervals do not overlap.
	ev2, err := s.Events().GetOrCreate(ctx, "B", "Y", t0.Add(16*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Events().CloseActive(ctx, t0.Add(20*time.Minute)))
	_, err = s.Activities().Create(ctx, Activity{
		StartTime: t0.Add(15 * time.Minute),
		EndTime:   t0.Add(30 * time.Minute),
	}, []int64{ev2})
	require.NoError(t, err)

	events, err := s.Activities().Events(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []int64{evID}, events)

	exists, err := s.Activities().ExistsForEvent(ctx, evID)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestClosedInWindowExcludesLinked(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	s := newTestStorage(t, clockwork.NewFakeClockAt(t0))

	ev1, err := s.Events().GetOrCreate(ctx, "A", "1", t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Events().GetOrCreate(ctx, "A", "2", t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Events().CloseActive(ctx, t0.Add(9*time.Minute)))

	events, err := s.Events().ClosedInWindow(ctx, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 2)

	_, err = s.Activities().Create(ctx, Activity{
		StartTime: t0, EndTime: t0.Add(15 * time.Minute),
	}, []int64{ev1})
	require.NoError(t, err)

	// ev1 is linked now; only the other event remains unprocessed.
	events, err = s.Events().ClosedInWindow(ctx, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEqual(t, ev1, events[0].ID)
}

func TestClosedInWindowSubSecondBoundary(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStorage(t, clockwork.NewFakeClockAt(t0))

	// Closed half a second after the window boundary: the event belongs
	// to [00:15, 00:30), not the window it started in. Timestamps are
	// compared lexically in SQL, so the stored form must keep sub-second
	// values ordered after the bare boundary second.
	_, err := s.Events().GetOrCreate(ctx, "app", "title", t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Events().CloseActive(ctx, t0.Add(15*time.Minute+500*time.Millisecond)))

	events, err := s.Events().ClosedInWindow(ctx, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Empty(t, events)

	events, err = s.Events().ClosedInWindow(ctx, t0.Add(15*time.Minute), t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, t0.Add(15*time.Minute+500*time.Millisecond), *events[0].EndTime)
}

func TestTodoCRUDAndSchedulableInstant(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, clockwork.NewFakeClock())

	due := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	dtstart := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	id, err := s.Todos().Create(ctx, Todo{
		Name:            "ship release",
		Status:          TodoActive,
		Due:             &due,
		DTStart:         &dtstart,
		ReminderOffsets: []int{10, 60},
		Tags:            []string{"work"},
	})
	require.NoError(t, err)

	todo, err := s.Todos().GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []int{10, 60}, todo.ReminderOffsets)
	require.Equal(t, ItemVTodo, todo.ItemType)
	// VTODO prefers due.
	require.Equal(t, due, *todo.SchedulableInstant())

	// VEVENT prefers dtstart.
	todo.ItemType = ItemVEvent
	require.Equal(t, dtstart, *todo.SchedulableInstant())

	todo.Status = TodoDone
	require.NoError(t, s.Todos().Update(ctx, *todo))

	active, err := s.Todos().ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, s.Todos().Delete(ctx, id))
	_, err = s.Todos().GetByID(ctx, id)
	require.True(t, trace.IsNotFound(err))
}

func TestTodoRejectsNegativeOffsets(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, clockwork.NewFakeClock())
	_, err := s.Todos().Create(ctx, Todo{Name: "x", ReminderOffsets: []int{-5}})
	require.True(t, trace.IsBadParameter(err))
}

func TestTokenUsageAggregate(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(t0)
	s := newTestStorage(t, clock)

	_, err := s.TokenUsage().Add(ctx, TokenUsage{
		Model: "m1", InputTokens: 100, OutputTokens: 50, TotalTokens: 150, TotalCost: 0.5,
	})
	require.NoError(t, err)
	_, err = s.TokenUsage().Add(ctx, TokenUsage{
		Model: "m1", InputTokens: 10, OutputTokens: 5, TotalTokens: 15, TotalCost: 0.1,
		CreatedAt: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	sum, err := s.TokenUsage().Aggregate(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(150), sum.TotalTokens)
	require.Equal(t, int64(1), sum.Records)
	require.InEpsilon(t, 0.5, sum.TotalCost, 1e-9)
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	s := newTestStorage(t, clockwork.NewFakeClockAt(now))

	todoID, err := s.Todos().Create(ctx, Todo{Name: "remindme", Status: TodoActive})
	require.NoError(t, err)

	id, err := s.Notifications().Add(ctx, Notification{
		TodoID: todoID, FireTime: now, Message: "due soon",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dismissed, err := s.Notifications().IsDismissedForTodo(ctx, todoID)
	require.NoError(t, err)
	require.False(t, dismissed)

	require.NoError(t, s.Notifications().Dismiss(ctx, id))
	dismissed, err = s.Notifications().IsDismissedForTodo(ctx, todoID)
	require.NoError(t, err)
	require.True(t, dismissed)
}
