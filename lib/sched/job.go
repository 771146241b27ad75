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

// Package sched implements the persistent periodic job scheduler at the
// heart of the background pipeline. Jobs survive process restart: the
// durable store holds an importable function reference (a registry key),
// the trigger spec, and the next fire time, never a serialized closure.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// TriggerKind selects how a job fires.
type TriggerKind string

const (
	// TriggerInterval fires repeatedly every Interval.
	TriggerInterval TriggerKind = "interval"
	// TriggerDate fires once at RunAt.
	TriggerDate TriggerKind = "date"
)

// Trigger is a job's fire rule.
type Trigger struct {
	// Kind is interval or date.
	Kind TriggerKind
	// Interval is the period for interval triggers.
	Interval time.Duration
	// RunAt is the single fire instant for date triggers.
	RunAt time.Time
}

// Check validates the trigger.
func (t Trigger) Check() error {
	switch t.Kind {
	case TriggerInterval:
		if t.Interval <= 0 {
			return trace.BadParameter("interval trigger requires a positive interval")
		}
	case TriggerDate:
		if t.RunAt.IsZero() {
			return trace.BadParameter("date trigger requires a run time")
		}
	default:
		return trace.BadParameter("unknown trigger kind %q", t.Kind)
	}
	return nil
}

// Job is one scheduled job as held in the durable store.
type Job struct {
	// ID uniquely names the job.
	ID string
	// Name is a human-readable label.
	Name string
	// FuncRef is the registry key resolved to a function at fire time.
	FuncRef string
	// Trigger is the fire rule.
	Trigger Trigger
	// NextRunTime is the next fire instant; nil means paused.
	NextRunTime *time.Time
	// Kwargs are passed to the job function on every fire.
	Kwargs map[string]any
	// MisfireGrace is how late a fire may run before being dropped.
	MisfireGrace time.Duration
}

// Paused reports whether the job is paused.
func (j *Job) Paused() bool {
	return j.NextRunTime == nil
}

// JobFunc is a registered job body. Kwargs come from the durable store;
// the context is cancelled on scheduler shutdown.
type JobFunc func(ctx Context) error

// Context carries one fire's inputs.
type Context struct {
	// Ctx is the cancellation context for this run.
	Ctx context.Context
	// JobID is the firing job's id.
	JobID string
	// ScheduledAt is the fire time the run was due at.
	ScheduledAt time.Time
	// Kwargs are the job's stored arguments.
	Kwargs map[string]any
}

// Registry resolves durable function references to process functions.
// Unknown references fail the fire visibly instead of crashing the
// scheduler.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]JobFunc)}
}

// Register binds a reference to a function. Re-registering replaces the
// previous binding.
func (r *Registry) Register(ref string, fn JobFunc) error {
	if ref == "" {
		return trace.BadParameter("missing function reference")
	}
	if fn == nil {
		return trace.BadParameter("missing function for reference %q", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[ref] = fn
	return nil
}

// Resolve returns the function bound to ref.
func (r *Registry) Resolve(ref string) (JobFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[ref]
	if !ok {
		return nil, trace.NotFound("no function registered for reference %q", ref)
	}
	return fn, nil
}
