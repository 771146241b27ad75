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

// Package jobs owns the canonical background jobs: their ids, function
// references, default intervals and enabled state, and the reaction to
// configuration changes at runtime.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/config"
	"github.com/gravitational/lifetrace/lib/defaults"
	"github.com/gravitational/lifetrace/lib/sched"
)

// Canonical job ids.
const (
	RecorderJob     = "recorder_job"
	OCRJob          = "ocr_job"
	AggregatorJob   = "activity_aggregator_job"
	CleanDataJob    = "clean_data_job"
	TodoRecorderJob = "todo_recorder_job"
	ProactiveOCRJob = "proactive_ocr_job"
)

// Canonical function references, resolved through the scheduler
// registry at fire time.
const (
	FuncCaptureTick      = "capture.tick"
	FuncOCRTick          = "ocr.tick"
	FuncAggregateTick    = "aggregate.tick"
	FuncCleanupTick      = "cleanup.tick"
	FuncCaptureTodoTick  = "capture.todo_tick"
	FuncOCRProactiveTick = "ocr.proactive_tick"
)

// Spec describes one canonical job.
type Spec struct {
	// ID is the durable job id.
	ID string
	// FuncRef is the registry key of the job body.
	FuncRef string
	// ConfigName is the job's section under "jobs." in the config tree.
	ConfigName string
	// DefaultInterval applies when the config carries no interval.
	DefaultInterval time.Duration
	// DefaultEnabled applies when the config carries no enabled flag.
	DefaultEnabled bool
}

func (s Spec) enabledKey() string  { return fmt.Sprintf("jobs.%s.enabled", s.ConfigName) }
func (s Spec) intervalKey() string { return fmt.Sprintf("jobs.%s.interval", s.ConfigName) }

// Canonical is the full job table in startup order.
var Canonical = []Spec{
	{ID: RecorderJob, FuncRef: FuncCaptureTick, ConfigName: "recorder",
		DefaultInterval: defaults.RecorderInterval, DefaultEnabled: true},
	{ID: OCRJob, FuncRef: FuncOCRTick, ConfigName: "ocr",
		DefaultInterval: defaults.OCRInterval, DefaultEnabled: true},
	{ID: AggregatorJob, FuncRef: FuncAggregateTick, ConfigName: "activity_aggregator",
		DefaultInterval: defaults.AggregatorInterval, DefaultEnabled: true},
	{ID: CleanDataJob, FuncRef: FuncCleanupTick, ConfigName: "clean_data",
		DefaultInterval: defaults.CleanDataInterval, DefaultEnabled: true},
	{ID: TodoRecorderJob, FuncRef: FuncCaptureTodoTick, ConfigName: "todo_recorder",
		DefaultInterval: defaults.TodoRecorderInterval, DefaultEnabled: false},
	{ID: ProactiveOCRJob, FuncRef: FuncOCRProactiveTick, ConfigName: "proactive_ocr",
		DefaultInterval: defaults.ProactiveOCRInterval, DefaultEnabled: false},
}

// linkedFlags are pairs of config keys kept equal: flipping one flips
// the other. The value is persisted before the in-memory state changes.
var linkedFlags = map[string]string{
	"jobs.todo_recorder.enabled":       "jobs.auto_todo_detection.enabled",
	"jobs.auto_todo_detection.enabled": "jobs.todo_recorder.enabled",
}

// ManagerConfig configures the job manager.
type ManagerConfig struct {
	// Scheduler holds the canonical jobs.
	Scheduler *sched.Scheduler
	// Config is the live configuration store.
	Config *config.Store
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the manager logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Scheduler == nil {
		return trace.BadParameter("missing parameter Scheduler")
	}
	if c.Config == nil {
		return trace.BadParameter("missing parameter Config")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentJobs)
	}
	return nil
}

// Manager registers the canonical jobs and keeps them aligned with the
// configuration.
type Manager struct {
	cfg ManagerConfig
}

// NewManager returns a job manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

// Start registers every canonical job, pauses the disabled ones, and
// subscribes to job configuration changes.
//
// Registration replaces the durable rows, so the configuration is the
// source of truth for the canonical jobs' paused state across restarts:
// a pause applied directly to the store, outside config, does not
// survive. Only ad-hoc jobs (reminders) keep their durable state.
func (m *Manager) Start(ctx context.Context) error {
	snap := m.cfg.Config.Snapshot()
	for _, spec := range Canonical {
		err := m.cfg.Scheduler.AddIntervalJob(ctx, sched.IntervalJob{
			ID:              spec.ID,
			Name:            spec.ID,
			FuncRef:         spec.FuncRef,
			Every:           m.interval(snap, spec),
			ReplaceExisting: true,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if !m.enabled(snap, spec) {
			if err := m.cfg.Scheduler.PauseJob(ctx, spec.ID); err != nil {
				return trace.Wrap(err)
			}
			m.cfg.Log.InfoContext(ctx, "Registered job in paused state.", "job_id", spec.ID)
		}
	}
	m.cfg.Config.Subscribe(config.ChangeJobs, func(change config.Change) error {
		return m.handleChange(ctx, change)
	})
	return nil
}

// handleChange propagates linked flags, then reconciles every job
// against the (possibly just-updated) snapshot. Reconciling the whole
// table makes the handler idempotent regardless of which keys moved.
func (m *Manager) handleChange(ctx context.Context, change config.Change) error {
	m.propagateLinkedFlags(change)
	var errs []error
	snap := m.cfg.Config.Snapshot()
	for _, spec := range Canonical {
		if err := m.reconcile(ctx, snap, spec); err != nil {
			errs = append(errs, trace.Wrap(err, "reconciling job %q", spec.ID))
		}
	}
	return trace.NewAggregate(errs...)
}

func (m *Manager) reconcile(ctx context.Context, snap *config.Snapshot, spec Spec) error {
	job, err := m.cfg.Scheduler.GetJob(ctx, spec.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	if want := m.enabled(snap, spec); want == job.Paused() {
		if want {
			m.cfg.Log.InfoContext(ctx, "Resuming job.", "job_id", spec.ID)
			if err := m.cfg.Scheduler.ResumeJob(ctx, spec.ID); err != nil {
				return trace.Wrap(err)
			}
		} else {
			m.cfg.Log.InfoContext(ctx, "Pausing job.", "job_id", spec.ID)
			if err := m.cfg.Scheduler.PauseJob(ctx, spec.ID); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	if want := m.interval(snap, spec); want != job.Trigger.Interval {
		m.cfg.Log.InfoContext(ctx, "Changing job interval.",
			"job_id", spec.ID, "interval", want)
		if err := m.cfg.Scheduler.ModifyInterval(ctx, spec.ID, want); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// propagateLinkedFlags mirrors a changed flag onto its partner key. The
// config store's Set does not re-dispatch, so propagation cannot loop.
func (m *Manager) propagateLinkedFlags(change config.Change) {
	// Change payloads carry the jobs subtree; re-root them so dotted
	// keys resolve.
	oldTree := map[string]any{"jobs": change.Old}
	newTree := map[string]any{"jobs": change.New}
	for key, partner := range linkedFlags {
		oldVal, oldOK := lookupBool(oldTree, key)
		newVal, newOK := lookupBool(newTree, key)
		if !newOK || (oldOK && oldVal == newVal) {
			continue
		}
		cur, curOK := lookupBool(map[string]any{"jobs": m.cfg.Config.Snapshot().Section("jobs")}, partner)
		if curOK && cur == newVal {
			continue
		}
		m.cfg.Log.Info("Propagating linked flag.", "from", key, "to", partner, "value", newVal)
		if err := m.cfg.Config.Set(partner, newVal, true); err != nil {
			m.cfg.Log.Warn("Failed to propagate linked flag.", "key", partner, "error", err)
		}
	}
}

func (m *Manager) enabled(snap *config.Snapshot, spec Spec) bool {
	v, err := snap.GetBool(spec.enabledKey())
	if err != nil {
		return spec.DefaultEnabled
	}
	return v
}

func (m *Manager) interval(snap *config.Snapshot, spec Spec) time.Duration {
	v, err := snap.GetSeconds(spec.intervalKey())
	if err != nil || v <= 0 {
		return spec.DefaultInterval
	}
	return v
}

// lookupBool walks a dotted key through nested maps. The change payloads
// carry the "jobs" subtree only, so keys are resolved relative to a
// {"jobs": subtree} wrapper built by the caller.
func lookupBool(m map[string]any, key string) (bool, bool) {
	cur := any(m)
	start := 0
	for i := 0; i <= len(key); i++ {
		if i < len(key) && key[i] != '.' {
			continue
		}
		node, ok := cur.(map[string]any)
		if !ok {
			return false, false
		}
		cur, ok = node[key[start:i]]
		if !ok {
			return false, false
		}
		start = i + 1
	}
	b, ok := cur.(bool)
	return b, ok
}
