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
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/defaults"
)

var (
	jobsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifetrace_scheduler_jobs_executed_total",
			Help: "Completed job runs by outcome",
		},
		[]string{"job_id", "outcome"},
	)
	jobsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifetrace_scheduler_fires_missed_total",
			Help: "Fires dropped past their misfire grace",
		},
	)
	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifetrace_scheduler_jobs_in_flight",
			Help: "Currently running jobs",
		},
	)
)

func init() {
	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(jobsExecuted, jobsMissed, jobsInFlight)
}

// EventType labels scheduler observability events.
type EventType string

const (
	// JobAdded fires when a job is registered in the store.
	JobAdded EventType = "job_added"
	// JobRemoved fires when a job is removed.
	JobRemoved EventType = "job_removed"
	// JobExecuted fires after a successful run.
	JobExecuted EventType = "job_executed"
	// JobError fires after a failed run.
	JobError EventType = "job_error"
)

// Event is one scheduler observability event.
type Event struct {
	// Type is the event kind.
	Type EventType
	// JobID is the subject job.
	JobID string
	// ScheduledAt is the fire time for executed/error events.
	ScheduledAt time.Time
	// Err is set on JobError.
	Err error
}

// Config configures a Scheduler.
type Config struct {
	// Store is the durable job store.
	Store *JobStore
	// Registry resolves function references.
	Registry *Registry
	// Clock drives the fire loop.
	Clock clockwork.Clock
	// Log is the scheduler's logger.
	Log *slog.Logger
	// MaxWorkers bounds concurrently running jobs.
	MaxWorkers int
	// Coalesce collapses a backlog of overdue fires into one run.
	Coalesce bool
	// MisfireGrace applies to jobs that carry no grace of their own.
	MisfireGrace time.Duration
	// PollInterval bounds how long the loop sleeps with no job due.
	PollInterval time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentScheduler)
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = defaults.SchedulerMaxWorkers
	}
	if c.MisfireGrace == 0 {
		c.MisfireGrace = defaults.MisfireGraceTime
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.SchedulerPollInterval
	}
	return nil
}

// Scheduler owns the fire loop and the worker pool. It is the only
// component in the process that originates background work. Job
// functions never raise into the loop: every failure is caught, logged,
// and emitted as a JobError event.
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted

	// wake nudges the fire loop after a job mutation so a newly added
	// or resumed job does not wait out the current sleep.
	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
	subs     []chan Event
	started  bool
	stopped  bool

	cancel context.CancelFunc
	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup
}

// New creates a stopped scheduler; call Start to begin firing.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]bool),
	}, nil
}

// Start launches the fire loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return trace.AlreadyExists("scheduler already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopWG.Add(1)
	go s.run(loopCtx)
	return nil
}

// Shutdown stops accepting fires. With wait it blocks until in-flight
// jobs drain; without it in-flight jobs are cancelled via their context.
func (s *Scheduler) Shutdown(wait bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		if wait {
			// Stop the fire loop first so nothing new dispatches, then
			// drain in-flight work before cancelling the shared context.
			s.kick()
			s.loopWG.Wait()
			s.jobWG.Wait()
			cancel()
		} else {
			cancel()
			s.loopWG.Wait()
		}
	}
	s.cfg.Log.Info("Scheduler stopped.")
}

// Subscribe returns a channel of scheduler events. Slow subscribers
// lose events rather than blocking the loop.
func (s *Scheduler) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Scheduler) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// IntervalJob describes a repeating job registration.
type IntervalJob struct {
	// ID uniquely names the job.
	ID string
	// Name is a human-readable label.
	Name string
	// FuncRef is the registry key of the job body.
	FuncRef string
	// Every is the fire period.
	Every time.Duration
	// Kwargs are stored with the job.
	Kwargs map[string]any
	// ReplaceExisting overwrites a job with the same id.
	ReplaceExisting bool
	// MisfireGrace overrides the scheduler default when positive.
	MisfireGrace time.Duration
}

// AddIntervalJob registers a repeating job; its first fire is one
// period from now.
func (s *Scheduler) AddIntervalJob(ctx context.Context, spec IntervalJob) error {
	if spec.Every <= 0 {
		return trace.BadParameter("job %q: interval must be positive", spec.ID)
	}
	next := s.cfg.Clock.Now().UTC().Add(spec.Every)
	job := Job{
		ID:           spec.ID,
		Name:         spec.Name,
		FuncRef:      spec.FuncRef,
		Trigger:      Trigger{Kind: TriggerInterval, Interval: spec.Every},
		NextRunTime:  &next,
		Kwargs:       spec.Kwargs,
		MisfireGrace: spec.MisfireGrace,
	}
	return trace.Wrap(s.putJob(ctx, job, spec.ReplaceExisting))
}

// DateJob describes a one-shot job registration.
type DateJob struct {
	// ID uniquely names the job.
	ID string
	// Name is a human-readable label.
	Name string
	// FuncRef is the registry key of the job body.
	FuncRef string
	// RunAt is the single fire instant.
	RunAt time.Time
	// Kwargs are stored with the job.
	Kwargs map[string]any
	// ReplaceExisting overwrites a job with the same id.
	ReplaceExisting bool
	// MisfireGrace overrides the scheduler default when positive.
	MisfireGrace time.Duration
}

// AddDateJob registers a one-shot job fired at RunAt and then removed
// from the store.
func (s *Scheduler) AddDateJob(ctx context.Context, spec DateJob) error {
	if spec.RunAt.IsZero() {
		return trace.BadParameter("job %q: missing run time", spec.ID)
	}
	runAt := spec.RunAt.UTC()
	job := Job{
		ID:           spec.ID,
		Name:         spec.Name,
		FuncRef:      spec.FuncRef,
		Trigger:      Trigger{Kind: TriggerDate, RunAt: runAt},
		NextRunTime:  &runAt,
		Kwargs:       spec.Kwargs,
		MisfireGrace: spec.MisfireGrace,
	}
	return trace.Wrap(s.putJob(ctx, job, spec.ReplaceExisting))
}

func (s *Scheduler) putJob(ctx context.Context, job Job, replace bool) error {
	var err error
	if replace {
		err = s.cfg.Store.Put(ctx, job)
	} else {
		err = s.cfg.Store.Create(ctx, job)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	s.emit(Event{Type: JobAdded, JobID: job.ID})
	s.kick()
	return nil
}

// RemoveJob deletes a job from the store.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	if err := s.cfg.Store.Remove(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	s.emit(Event{Type: JobRemoved, JobID: id})
	return nil
}

// PauseJob durably pauses a job: its next_run_time becomes null and
// stays null across restarts.
func (s *Scheduler) PauseJob(ctx context.Context, id string) error {
	return trace.Wrap(s.cfg.Store.SetNextRun(ctx, id, nil))
}

// ResumeJob schedules the next fire of a paused job: one period from
// now for interval jobs, the stored instant for date jobs.
func (s *Scheduler) ResumeJob(ctx context.Context, id string) error {
	job, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if !job.Paused() {
		return nil
	}
	var next time.Time
	switch job.Trigger.Kind {
	case TriggerInterval:
		next = s.cfg.Clock.Now().UTC().Add(job.Trigger.Interval)
	case TriggerDate:
		next = job.Trigger.RunAt
	}
	if err := s.cfg.Store.SetNextRun(ctx, id, &next); err != nil {
		return trace.Wrap(err)
	}
	s.kick()
	return nil
}

// ModifyInterval changes an interval job's period; the next fire is one
// new period from now. Pause state is preserved.
func (s *Scheduler) ModifyInterval(ctx context.Context, id string, every time.Duration) error {
	if every <= 0 {
		return trace.BadParameter("job %q: interval must be positive", id)
	}
	job, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if job.Trigger.Kind != TriggerInterval {
		return trace.BadParameter("job %q is not an interval job", id)
	}
	job.Trigger.Interval = every
	if !job.Paused() {
		next := s.cfg.Clock.Now().UTC().Add(every)
		job.NextRunTime = &next
	}
	if err := s.cfg.Store.Put(ctx, *job); err != nil {
		return trace.Wrap(err)
	}
	s.kick()
	return nil
}

// PauseAll pauses every job.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	jobs, err := s.cfg.Store.All(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, job := range jobs {
		if job.Paused() {
			continue
		}
		if err := s.PauseJob(ctx, job.ID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ResumeAll resumes every paused job.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	jobs, err := s.cfg.Store.All(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, job := range jobs {
		if !job.Paused() {
			continue
		}
		if err := s.ResumeJob(ctx, job.ID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetJob returns one job by id.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.cfg.Store.Get(ctx, id)
	return job, trace.Wrap(err)
}

// GetAllJobs returns every stored job.
func (s *Scheduler) GetAllJobs(ctx context.Context) ([]Job, error) {
	jobs, err := s.cfg.Store.All(ctx)
	return jobs, trace.Wrap(err)
}

func (s *Scheduler) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loopWG.Done()
	s.cfg.Log.Info("Scheduler started.", "max_workers", s.cfg.MaxWorkers)
	for {
		if ctx.Err() != nil || s.stopping() {
			return
		}
		sleep := s.cfg.PollInterval
		job, err := s.cfg.Store.NextDue(ctx)
		switch {
		case err == nil:
			now := s.cfg.Clock.Now().UTC()
			due := job.NextRunTime.Sub(now)
			if due <= 0 {
				s.dispatch(ctx, job, now)
				continue
			}
			if due < sleep {
				sleep = due
			}
		case trace.IsNotFound(err):
			// Nothing runnable; poll for resumes from other processes'
			// writes and for date jobs added behind our back.
		default:
			if ctx.Err() != nil {
				return
			}
			s.cfg.Log.Error("Job store query failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-s.cfg.Clock.After(sleep):
		}
	}
}

// dispatch advances the job's schedule and runs it on the pool. The
// schedule is advanced before the run starts so a crash mid-run cannot
// replay a fire forever, and so max_instances checks never stall the
// loop.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) {
	scheduledAt := *job.NextRunTime
	grace := job.MisfireGrace
	if grace <= 0 {
		grace = s.cfg.MisfireGrace
	}
	missed := now.After(scheduledAt.Add(grace))

	// Advance the durable schedule first.
	switch job.Trigger.Kind {
	case TriggerDate:
		if err := s.cfg.Store.Remove(ctx, job.ID); err != nil && !trace.IsNotFound(err) {
			s.cfg.Log.Error("Failed to retire one-shot job.", "job_id", job.ID, "error", err)
			return
		}
	case TriggerInterval:
		next := scheduledAt.Add(job.Trigger.Interval)
		if s.cfg.Coalesce {
			// Collapse the overdue backlog: keep the cadence but skip
			// straight past every fire that is already in the past.
			for !next.After(now) {
				next = next.Add(job.Trigger.Interval)
			}
		}
		if err := s.cfg.Store.SetNextRun(ctx, job.ID, &next); err != nil && !trace.IsNotFound(err) {
			s.cfg.Log.Error("Failed to advance job schedule.", "job_id", job.ID, "error", err)
			return
		}
	}

	if missed {
		jobsMissed.Inc()
		s.cfg.Log.Warn("Skipping misfired job.", "job_id", job.ID,
			"scheduled_at", scheduledAt, "grace", grace.String())
		return
	}

	s.mu.Lock()
	if s.inflight[job.ID] {
		s.mu.Unlock()
		s.cfg.Log.Debug("Job still running, skipping fire.", "job_id", job.ID)
		return
	}
	s.inflight[job.ID] = true
	s.mu.Unlock()

	run := *job
	s.jobWG.Add(1)
	go s.execute(ctx, run, scheduledAt)
}

func (s *Scheduler) execute(ctx context.Context, job Job, scheduledAt time.Time) {
	defer s.jobWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, job.ID)
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)
	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	err := s.invoke(ctx, job, scheduledAt)
	if err != nil {
		jobsExecuted.WithLabelValues(job.ID, "error").Inc()
		s.cfg.Log.Error("Job failed.", "job_id", job.ID, "error", err)
		s.emit(Event{Type: JobError, JobID: job.ID, ScheduledAt: scheduledAt, Err: err})
		return
	}
	jobsExecuted.WithLabelValues(job.ID, "ok").Inc()
	s.emit(Event{Type: JobExecuted, JobID: job.ID, ScheduledAt: scheduledAt})
}

// invoke resolves and calls the job body, converting panics into
// errors so one broken job cannot take down the scheduler.
func (s *Scheduler) invoke(ctx context.Context, job Job, scheduledAt time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = trace.Errorf("job %q panicked: %v", job.ID, r)
		}
	}()
	fn, err := s.cfg.Registry.Resolve(job.FuncRef)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(fn(Context{
		Ctx:         ctx,
		JobID:       job.ID,
		ScheduledAt: scheduledAt,
		Kwargs:      job.Kwargs,
	}))
}
