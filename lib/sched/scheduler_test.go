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

package sched

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*JobStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	store, err := NewJobStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func newTestScheduler(t *testing.T, store *JobStore, registry *Registry) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Store:        store,
		Registry:     registry,
		MaxWorkers:   4,
		Coalesce:     true,
		MisfireGrace: time.Minute,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestTriggerSpecRoundTrip(t *testing.T) {
	interval := Trigger{Kind: TriggerInterval, Interval: 90 * time.Second}
	spec, err := encodeTriggerSpec(interval)
	require.NoError(t, err)
	require.Equal(t, "90", spec)
	var decoded Trigger
	decoded.Kind = TriggerInterval
	require.NoError(t, decodeTriggerSpec(&decoded, spec))
	require.Equal(t, interval.Interval, decoded.Interval)

	runAt := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	date := Trigger{Kind: TriggerDate, RunAt: runAt}
	spec, err = encodeTriggerSpec(date)
	require.NoError(t, err)
	decoded = Trigger{Kind: TriggerDate}
	require.NoError(t, decodeTriggerSpec(&decoded, spec))
	require.Equal(t, runAt, decoded.RunAt)
}

func TestJobStorePersistence(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t)

	next := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	job := Job{
		ID:           "recorder_job",
		Name:         "screen recorder",
		FuncRef:      "capture.tick",
		Trigger:      Trigger{Kind: TriggerInterval, Interval: 5 * time.Second},
		NextRunTime:  &next,
		Kwargs:       map[string]any{"screens": "all"},
		MisfireGrace: 30 * time.Second,
	}
	require.NoError(t, store.Create(ctx, job))
	require.True(t, trace.IsAlreadyExists(store.Create(ctx, job)))

	// Pause durably.
	require.NoError(t, store.SetNextRun(ctx, "recorder_job", nil))

	// Reopen the database: paused state survives.
	require.NoError(t, store.Close())
	reopened, err := NewJobStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "recorder_job")
	require.NoError(t, err)
	require.True(t, got.Paused())
	require.Equal(t, "capture.tick", got.FuncRef)
	require.Equal(t, 5*time.Second, got.Trigger.Interval)
	require.Equal(t, 30*time.Second, got.MisfireGrace)
	require.Equal(t, "all", got.Kwargs["screens"])

	_, err = reopened.NextDue(ctx)
	require.True(t, trace.IsNotFound(err))
}

func TestNextDueOrdersSubSecondTimes(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	// A whole-second instant must sort before one half a second later.
	// The stored form is compared lexically by the next_run_time index.
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(500 * time.Millisecond)
	require.NoError(t, store.Create(ctx, Job{
		ID: "late", FuncRef: "f",
		Trigger:     Trigger{Kind: TriggerDate, RunAt: late},
		NextRunTime: &late,
	}))
	require.NoError(t, store.Create(ctx, Job{
		ID: "early", FuncRef: "f",
		Trigger:     Trigger{Kind: TriggerDate, RunAt: early},
		NextRunTime: &early,
	}))

	job, err := store.NextDue(ctx)
	require.NoError(t, err)
	require.Equal(t, "early", job.ID)
	require.Equal(t, early, *job.NextRunTime)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("capture.tick", func(Context) error { return nil }))
	_, err := r.Resolve("capture.tick")
	require.NoError(t, err)
	_, err = r.Resolve("nope.tick")
	require.True(t, trace.IsNotFound(err))
	require.True(t, trace.IsBadParameter(r.Register("", nil)))
}

func TestIntervalJobFires(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()

	fired := make(chan Context, 16)
	require.NoError(t, registry.Register("test.tick", func(jc Context) error {
		fired <- jc
		return nil
	}))

	s := newTestScheduler(t, store, registry)
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(true)

	require.NoError(t, s.AddIntervalJob(ctx, IntervalJob{
		ID:      "test_job",
		FuncRef: "test.tick",
		Every:   20 * time.Millisecond,
		Kwargs:  map[string]any{"k": "v"},
	}))

	select {
	case jc := <-fired:
		require.Equal(t, "test_job", jc.JobID)
		require.Equal(t, "v", jc.Kwargs["k"])
	case <-time.After(5 * time.Second):
		t.Fatal("interval job never fired")
	}
	// And again: it repeats.
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("interval job did not repeat")
	}
}

func TestDateJobFiresOnceAndRetires(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()

	fired := make(chan struct{}, 4)
	require.NoError(t, registry.Register("oneshot.fire", func(Context) error {
		fired <- struct{}{}
		return nil
	}))

	s := newTestScheduler(t, store, registry)
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(true)

	require.NoError(t, s.AddDateJob(ctx, DateJob{
		ID:      "oneshot",
		FuncRef: "oneshot.fire",
		RunAt:   time.Now().Add(30 * time.Millisecond),
	}))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("date job never fired")
	}

	// The job is removed from the store after firing.
	require.Eventually(t, func() bool {
		_, err := s.GetJob(ctx, "oneshot")
		return trace.IsNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-fired:
		t.Fatal("date job fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMisfiredDateJobIsDropped(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()

	var runs atomic.Int64
	require.NoError(t, registry.Register("stale.fire", func(Context) error {
		runs.Add(1)
		return nil
	}))

	s, err := New(Config{
		Store:        store,
		Registry:     registry,
		MisfireGrace: 50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	// Due an hour ago, far past the grace.
	require.NoError(t, s.AddDateJob(ctx, DateJob{
		ID:      "stale",
		FuncRef: "stale.fire",
		RunAt:   time.Now().Add(-time.Hour),
	}))

	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(true)

	require.Eventually(t, func() bool {
		_, err := s.GetJob(ctx, "stale")
		return trace.IsNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, runs.Load())
}

func TestMaxInstancesSerializesJob(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()

	var inFlight, maxSeen atomic.Int64
	require.NoError(t, registry.Register("slow.tick", func(Context) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		return nil
	}))

	s := newTestScheduler(t, store, registry)
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.AddIntervalJob(ctx, IntervalJob{
		ID:      "slow",
		FuncRef: "slow.tick",
		Every:   10 * time.Millisecond,
	}))

	time.Sleep(300 * time.Millisecond)
	s.Shutdown(true)
	require.Equal(t, int64(1), maxSeen.Load())
}

func TestUnknownFuncRefEmitsJobError(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	s := newTestScheduler(t, store, NewRegistry())
	events := s.Subscribe()

	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(true)

	require.NoError(t, s.AddDateJob(ctx, DateJob{
		ID:      "ghost",
		FuncRef: "missing.func",
		RunAt:   time.Now().Add(20 * time.Millisecond),
	}))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == JobError && ev.JobID == "ghost" {
				require.Error(t, ev.Err)
				return
			}
		case <-deadline:
			t.Fatal("no job_error event for unknown func ref")
		}
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()

	fired := make(chan struct{}, 16)
	require.NoError(t, registry.Register("pausable.tick", func(Context) error {
		fired <- struct{}{}
		return nil
	}))

	s := newTestScheduler(t, store, registry)
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(true)

	require.NoError(t, s.AddIntervalJob(ctx, IntervalJob{
		ID:      "pausable",
		FuncRef: "pausable.tick",
		Every:   20 * time.Millisecond,
	}))
	require.NoError(t, s.PauseJob(ctx, "pausable"))

	job, err := s.GetJob(ctx, "pausable")
	require.NoError(t, err)
	require.True(t, job.Paused())

	// Drain anything that slipped in before the pause, then verify
	// silence.
	drain(fired)
	select {
	case <-fired:
		t.Fatal("paused job fired")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.ResumeJob(ctx, "pausable"))
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("resumed job never fired")
	}
}

func TestSchedulerRestartPreservesPausedJob(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t)
	registry := NewRegistry()

	fired := make(chan struct{}, 16)
	require.NoError(t, registry.Register("restart.tick", func(Context) error {
		fired <- struct{}{}
		return nil
	}))

	s := newTestScheduler(t, store, registry)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.AddIntervalJob(ctx, IntervalJob{
		ID:      "restartable",
		FuncRef: "restart.tick",
		Every:   20 * time.Millisecond,
	}))
	require.NoError(t, s.PauseJob(ctx, "restartable"))
	s.Shutdown(true)
	require.NoError(t, store.Close())

	// Process restart: fresh store handle, fresh scheduler.
	store2, err := NewJobStore(ctx, path)
	require.NoError(t, err)
	defer store2.Close()

	s2 := newTestScheduler(t, store2, registry)
	require.NoError(t, s2.Start(ctx))
	defer s2.Shutdown(true)

	job, err := s2.GetJob(ctx, "restartable")
	require.NoError(t, err)
	require.True(t, job.Paused())

	drain(fired)
	require.NoError(t, s2.ResumeJob(ctx, "restartable"))
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fire after resume on restart")
	}
}

func TestModifyInterval(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("noop.tick", func(Context) error { return nil }))

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(Config{Store: store, Registry: registry, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, s.AddIntervalJob(ctx, IntervalJob{
		ID: "tunable", FuncRef: "noop.tick", Every: 5 * time.Second,
	}))
	require.NoError(t, s.ModifyInterval(ctx, "tunable", 60*time.Second))

	job, err := s.GetJob(ctx, "tunable")
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, job.Trigger.Interval)
	require.Equal(t, clock.Now().UTC().Add(60*time.Second), *job.NextRunTime)

	require.True(t, trace.IsBadParameter(s.ModifyInterval(ctx, "tunable", 0)))
}

func TestPauseAllResumeAll(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("noop.tick", func(Context) error { return nil }))

	s, err := New(Config{Store: store, Registry: registry})
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AddIntervalJob(ctx, IntervalJob{
			ID: id, FuncRef: "noop.tick", Every: time.Minute,
		}))
	}
	require.NoError(t, s.PauseAll(ctx))
	jobs, err := s.GetAllJobs(ctx)
	require.NoError(t, err)
	for _, job := range jobs {
		require.True(t, job.Paused(), "job %v", job.ID)
	}

	require.NoError(t, s.ResumeAll(ctx))
	jobs, err = s.GetAllJobs(ctx)
	require.NoError(t, err)
	for _, job := range jobs {
		require.False(t, job.Paused(), "job %v", job.ID)
	}
}

func TestShutdownDrainsWithoutCancelling(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	registry := NewRegistry()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	result := make(chan error, 4)
	require.NoError(t, registry.Register("test.block", func(jc Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		result <- jc.Ctx.Err()
		return nil
	}))

	s := newTestScheduler(t, store, registry)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.AddIntervalJob(ctx, IntervalJob{
		ID: "block_job", FuncRef: "test.block", Every: 20 * time.Millisecond,
	}))
	<-started

	done := make(chan struct{})
	go func() {
		s.Shutdown(true)
		close(done)
	}()
	// Shutdown must block on the in-flight job, not return around it.
	select {
	case <-done:
		t.Fatal("Shutdown returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown never drained")
	}
	// The drained job ran with a live context: the fire loop stopped
	// before the drain, and cancellation came only after it.
	require.NoError(t, <-result)
}

func drain(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
