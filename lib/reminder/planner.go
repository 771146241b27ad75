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

// Package reminder plans one-shot reminder jobs for active todos. Job
// ids are derived from the todo id and the reminder instant so that
// re-planning after an edit is idempotent: stale jobs are removed by
// prefix and live ones re-created under the same ids.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/defaults"
	"github.com/gravitational/lifetrace/lib/sched"
	"github.com/gravitational/lifetrace/lib/storage"
)

// FuncRef is the registry key of the reminder fire function.
const FuncRef = "reminder.fire"

const jobPrefix = "todo_reminder_"

var remindersFired = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "lifetrace_reminders_fired_total",
	Help: "Number of reminder notifications written.",
})

func init() {
	prometheus.MustRegister(remindersFired)
}

// Config configures the planner.
type Config struct {
	// Storage is the relational store.
	Storage *storage.Storage
	// Scheduler holds the one-shot reminder jobs.
	Scheduler *sched.Scheduler
	// Registry receives the fire function under FuncRef.
	Registry *sched.Registry
	// Grace is the catch-up window for overdue reminders.
	Grace time.Duration
	// DriftTolerance bounds the difference between a fired job's stored
	// and recomputed reminder time.
	DriftTolerance time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the planner logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Scheduler == nil {
		return trace.BadParameter("missing parameter Scheduler")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Grace <= 0 {
		c.Grace = defaults.ReminderGrace
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = defaults.ReminderDriftTolerance
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentReminder)
	}
	return nil
}

// Planner keeps the scheduler's reminder jobs in sync with the todos.
type Planner struct {
	cfg Config
}

// NewPlanner returns a planner and registers the fire function.
func NewPlanner(cfg Config) (*Planner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Planner{cfg: cfg}
	if err := cfg.Registry.Register(FuncRef, p.fire); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// RefreshTodo removes all reminder jobs for the todo and re-plans them
// from its current state. A todo that is no longer active, or has no
// schedulable instant, ends up with no jobs.
func (p *Planner) RefreshTodo(ctx context.Context, todo storage.Todo) error {
	if err := p.removeJobs(ctx, fmt.Sprintf("%s%d_", jobPrefix, todo.ID)); err != nil {
		return trace.Wrap(err)
	}
	if todo.Status != storage.TodoActive {
		return nil
	}
	at := todo.SchedulableInstant()
	if at == nil {
		return nil
	}
	now := p.cfg.Clock.Now().UTC()
	for _, offset := range todo.ReminderOffsets {
		reminderAt := at.Add(-time.Duration(offset) * time.Minute).UTC()
		runAt := reminderAt
		switch {
		case reminderAt.Before(now.Add(-p.cfg.Grace)):
			p.cfg.Log.DebugContext(ctx, "Skipping stale reminder.",
				"todo_id", todo.ID, "reminder_at", reminderAt)
			continue
		case !reminderAt.After(now):
			// Overdue but within grace: catch up immediately.
			runAt = now
		}
		err := p.cfg.Scheduler.AddDateJob(ctx, sched.DateJob{
			ID:      jobID(todo.ID, reminderAt),
			Name:    fmt.Sprintf("reminder for todo %d", todo.ID),
			FuncRef: FuncRef,
			RunAt:   runAt,
			Kwargs: map[string]any{
				"todo_id":     todo.ID,
				"reminder_at": reminderAt.Unix(),
				"offset":      offset,
			},
			ReplaceExisting: true,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// SyncAll clears every reminder job and rebuilds the plan from the
// active todos. Called once at startup.
func (p *Planner) SyncAll(ctx context.Context) error {
	if err := p.removeJobs(ctx, jobPrefix); err != nil {
		return trace.Wrap(err)
	}
	todos, err := p.cfg.Storage.Todos().ListActive(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, todo := range todos {
		if err := p.RefreshTodo(ctx, todo); err != nil {
			p.cfg.Log.WarnContext(ctx, "Failed to plan reminders for todo.",
				"todo_id", todo.ID, "error", err)
		}
	}
	return nil
}

func (p *Planner) removeJobs(ctx context.Context, prefix string) error {
	jobs, err := p.cfg.Scheduler.GetAllJobs(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, job := range jobs {
		if !strings.HasPrefix(job.ID, prefix) {
			continue
		}
		if err := p.cfg.Scheduler.RemoveJob(ctx, job.ID); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// fire runs when a reminder job comes due. The todo is re-read and the
// reminder re-derived from it; anything that no longer lines up means
// the plan went stale after this job was written, so the fire is
// dropped.
func (p *Planner) fire(jctx sched.Context) error {
	ctx := jctx.Ctx
	todoID, err := int64Kwarg(jctx.Kwargs, "todo_id")
	if err != nil {
		return trace.Wrap(err)
	}
	reminderUnix, err := int64Kwarg(jctx.Kwargs, "reminder_at")
	if err != nil {
		return trace.Wrap(err)
	}
	offset, err := int64Kwarg(jctx.Kwargs, "offset")
	if err != nil {
		return trace.Wrap(err)
	}

	todo, err := p.cfg.Storage.Todos().GetByID(ctx, todoID)
	if err != nil {
		if trace.IsNotFound(err) {
			p.cfg.Log.DebugContext(ctx, "Reminder fired for a deleted todo.", "todo_id", todoID)
			return nil
		}
		return trace.Wrap(err)
	}
	if todo.Status != storage.TodoActive {
		return nil
	}
	at := todo.SchedulableInstant()
	if at == nil {
		return nil
	}
	expected := at.Add(-time.Duration(offset) * time.Minute).UTC()
	stored := time.Unix(reminderUnix, 0).UTC()
	if drift := expected.Sub(stored); drift > p.cfg.DriftTolerance || drift < -p.cfg.DriftTolerance {
		p.cfg.Log.DebugContext(ctx, "Reminder drifted after rescheduling, dropping.",
			"todo_id", todoID, "stored", stored, "expected", expected)
		return nil
	}
	dismissed, err := p.cfg.Storage.Notifications().IsDismissedForTodo(ctx, todoID)
	if err != nil {
		return trace.Wrap(err)
	}
	if dismissed {
		return nil
	}

	_, err = p.cfg.Storage.Notifications().Add(ctx, storage.Notification{
		TodoID:   todoID,
		FireTime: p.cfg.Clock.Now().UTC(),
		Message:  message(todo),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	remindersFired.Inc()
	return nil
}

func message(todo *storage.Todo) string {
	if at := todo.SchedulableInstant(); at != nil {
		return fmt.Sprintf("Reminder: %s (due %s)", todo.Name, at.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("Reminder: %s", todo.Name)
}

func jobID(todoID int64, reminderAt time.Time) string {
	return fmt.Sprintf("%s%d_%d", jobPrefix, todoID, reminderAt.Unix())
}

// int64Kwarg reads an integer kwarg. Kwargs round-trip through JSON in
// the job store, so numbers may come back as float64.
func int64Kwarg(kwargs map[string]any, key string) (int64, error) {
	v, ok := kwargs[key]
	if !ok {
		return 0, trace.BadParameter("missing kwarg %q", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		return i, trace.Wrap(err)
	default:
		return 0, trace.BadParameter("kwarg %q has unexpected type %T", key, v)
	}
}
