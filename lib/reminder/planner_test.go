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

package reminder

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/lifetrace/lib/sched"
	"github.com/gravitational/lifetrace/lib/storage"
)

func newTestPlanner(t *testing.T, clock clockwork.Clock) (*Planner, *storage.Storage, *sched.Scheduler) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.Open(ctx, storage.Config{
		Path:  filepath.Join(dir, "lifetrace.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	jobStore, err := sched.NewJobStore(ctx, filepath.Join(dir, "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jobStore.Close() })

	registry := sched.NewRegistry()
	scheduler, err := sched.New(sched.Config{
		Store:    jobStore,
		Registry: registry,
		Clock:    clock,
	})
	require.NoError(t, err)

	p, err := NewPlanner(Config{
		Storage:   store,
		Scheduler: scheduler,
		Registry:  registry,
		Clock:     clock,
	})
	require.NoError(t, err)
	return p, store, scheduler
}

func addTodo(t *testing.T, store *storage.Storage, todo storage.Todo) storage.Todo {
	t.Helper()
	id, err := store.Todos().Create(context.Background(), todo)
	require.NoError(t, err)
	todo.ID = id
	return todo
}

func jobIDs(t *testing.T, scheduler *sched.Scheduler) []string {
	t.Helper()
	jobs, err := scheduler.GetAllJobs(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.ID)
	}
	return out
}

func TestRefreshTodoPlansOneJobPerOffset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	p, store, scheduler := newTestPlanner(t, clock)

	due := now.Add(2 * time.Hour)
	todo := addTodo(t, store, storage.Todo{
		Name:            "ship release",
		Status:          storage.TodoActive,
		Due:             &due,
		ReminderOffsets: []int{30, 0},
	})
	require.NoError(t, p.RefreshTodo(ctx, todo))

	want := []string{
		fmt.Sprintf("todo_reminder_%d_%d", todo.ID, due.Add(-30*time.Minute).Unix()),
		fmt.Sprintf("todo_reminder_%d_%d", todo.ID, due.Unix()),
	}
	require.ElementsMatch(t, want, jobIDs(t, scheduler))

	job, err := scheduler.GetJob(ctx, want[1])
	require.NoError(t, err)
	require.Equal(t, due, *job.NextRunTime)
}

func TestRefreshTodoSkipsStaleAndCatchesUp(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	p, store, scheduler := newTestPlanner(t, clock)

	// The 30-minute offset lands 30 seconds ago: inside the grace
	// window, so it fires now instead of being dropped.
	due := now.Add(30*time.Minute - 30*time.Second)
	todo := addTodo(t, store, storage.Todo{
		Name:            "standup",
		Status:          storage.TodoActive,
		Due:             &due,
		ReminderOffsets: []int{30, 0},
	})
	require.NoError(t, p.RefreshTodo(ctx, todo))

	jobs, err := scheduler.GetAllJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		if job.ID == fmt.Sprintf("todo_reminder_%d_%d", todo.ID, due.Add(-30*time.Minute).Unix()) {
			require.Equal(t, now, *job.NextRunTime)
		}
	}

	// A reminder past the grace window is never planned.
	pastDue := now.Add(-5 * time.Minute)
	stale := addTodo(t, store, storage.Todo{
		Name:            "yesterday's thing",
		Status:          storage.TodoActive,
		Due:             &pastDue,
		ReminderOffsets: []int{0},
	})
	require.NoError(t, p.RefreshTodo(ctx, stale))
	require.Len(t, jobIDs(t, scheduler), 2)
}

func TestRefreshTodoReplacesStalePlan(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	p, store, scheduler := newTestPlanner(t, clock)

	due := now.Add(time.Hour)
	todo := addTodo(t, store, storage.Todo{
		Name:            "review",
		Status:          storage.TodoActive,
		Due:             &due,
		ReminderOffsets: []int{0},
	})
	require.NoError(t, p.RefreshTodo(ctx, todo))

	moved := now.Add(3 * time.Hour)
	todo.Due = &moved
	require.NoError(t, store.Todos().Update(ctx, todo))
	require.NoError(t, p.RefreshTodo(ctx, todo))

	require.Equal(t, []string{
		fmt.Sprintf("todo_reminder_%d_%d", todo.ID, moved.Unix()),
	}, jobIDs(t, scheduler))

	// Completing the todo clears its plan entirely.
	todo.Status = storage.TodoDone
	require.NoError(t, store.Todos().Update(ctx, todo))
	require.NoError(t, p.RefreshTodo(ctx, todo))
	require.Empty(t, jobIDs(t, scheduler))
}

func TestSyncAllRebuildsFromActiveTodos(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	p, store, scheduler := newTestPlanner(t, clock)

	// An orphan from a previous process generation.
	require.NoError(t, scheduler.AddDateJob(ctx, sched.DateJob{
		ID:      "todo_reminder_999_12345",
		FuncRef: FuncRef,
		RunAt:   now.Add(time.Hour),
	}))

	due := now.Add(time.Hour)
	active := addTodo(t, store, storage.Todo{
		Name:            "active",
		Status:          storage.TodoActive,
		Due:             &due,
		ReminderOffsets: []int{0},
	})
	addTodo(t, store, storage.Todo{
		Name:            "done",
		Status:          storage.TodoDone,
		Due:             &due,
		ReminderOffsets: []int{0},
	})

	require.NoError(t, p.SyncAll(ctx))
	require.Equal(t, []string{
		fmt.Sprintf("todo_reminder_%d_%d", active.ID, due.Unix()),
	}, jobIDs(t, scheduler))
}

func fireKwargs(todoID int64, reminderAt time.Time, offset int64) map[string]any {
	// Kwargs round-trip through JSON in the store.
	return map[string]any{
		"todo_id":     float64(todoID),
		"reminder_at": float64(reminderAt.Unix()),
		"offset":      float64(offset),
	}
}

func TestFireWritesNotification(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	p, store, _ := newTestPlanner(t, clock)

	due := now.Add(30 * time.Minute)
	todo := addTodo(t, store, storage.Todo{
		Name:            "ship release",
		Status:          storage.TodoActive,
		Due:             &due,
		ReminderOffsets: []int{30},
	})

	require.NoError(t, p.fire(sched.Context{
		Ctx:    ctx,
		JobID:  jobID(todo.ID, now),
		Kwargs: fireKwargs(todo.ID, now, 30),
	}))

	notes, err := store.Notifications().ListForTodo(ctx, todo.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0].Message, "ship release")
	require.Equal(t, now, notes[0].FireTime)
}

func TestFireDropsDriftedReminder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	p, store, _ := newTestPlanner(t, clock)

	due := now.Add(30 * time.Minute)
	todo := addTodo(t, store, storage.Todo{
		Name:            "moved meeting",
		Status:          storage.TodoActive,
		Due:             &due,
		ReminderOffsets: []int{30},
	})

	// The job was planned when the due time was an hour earlier.
	require.NoError(t, p.fire(sched.Context{
		Ctx:    ctx,
		Kwargs: fireKwargs(todo.ID, now.Add(-time.Hour), 30),
	}))

	notes, err := store.Notifications().ListForTodo(ctx, todo.ID)
	require.NoError(t, err)
	require.Empty(t, notes)
}

func TestFireSkipsDismissedAndInactive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	p, store, _ := newTestPlanner(t, clock)

	due := now.Add(30 * time.Minute)
	todo := addTodo(t, store, storage.Todo{
		Name:            "snoozed",
		Status:          storage.TodoActive,
		Due:             &due,
		ReminderOffsets: []int{30},
	})

	id, err := store.Notifications().Add(ctx, storage.Notification{
		TodoID:   todo.ID,
		FireTime: now.Add(-time.Minute),
		Message:  "Reminder: snoozed",
	})
	require.NoError(t, err)
	require.NoError(t, store.Notifications().Dismiss(ctx, id))

	require.NoError(t, p.fire(sched.Context{
		Ctx:    ctx,
		Kwargs: fireKwargs(todo.ID, now, 30),
	}))
	notes, err := store.Notifications().ListForTodo(ctx, todo.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	// A completed todo never notifies, even with a matching plan.
	todo.Status = storage.TodoDone
	require.NoError(t, store.Todos().Update(ctx, todo))
	require.NoError(t, p.fire(sched.Context{
		Ctx:    ctx,
		Kwargs: fireKwargs(todo.ID, now, 30),
	}))
	notes, err = store.Notifications().ListForTodo(ctx, todo.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	// A deleted todo is a silent no-op.
	require.NoError(t, store.Todos().Delete(ctx, todo.ID))
	require.NoError(t, p.fire(sched.Context{
		Ctx:    ctx,
		Kwargs: fireKwargs(todo.ID, now, 30),
	}))
}
