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
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	_ "github.com/mattn/go-sqlite3"
)

// JobStore persists scheduled jobs in their own sqlite database,
// separate from the entity store so a pipeline database rebuild cannot
// lose schedules. Paused state is durable: next_run_time NULL in the
// table means paused across restarts.
type JobStore struct {
	db *sql.DB
}

// NewJobStore opens (creating if needed) the scheduler database.
func NewJobStore(ctx context.Context, path string) (*JobStore, error) {
	if path == "" {
		return nil, trace.BadParameter("missing job store path")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, jobSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &JobStore{db: db}, nil
}

const jobSchema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	func_ref TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	trigger_spec TEXT NOT NULL,
	next_run_time TEXT,
	kwargs TEXT NOT NULL DEFAULT '{}',
	misfire_grace_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON scheduled_jobs(next_run_time);
`

// Close closes the store.
func (s *JobStore) Close() error {
	return trace.Wrap(s.db.Close())
}

// Put inserts or replaces a job.
func (s *JobStore) Put(ctx context.Context, job Job) error {
	if job.ID == "" {
		return trace.BadParameter("missing job id")
	}
	if err := job.Trigger.Check(); err != nil {
		return trace.Wrap(err)
	}
	spec, err := encodeTriggerSpec(job.Trigger)
	if err != nil {
		return trace.Wrap(err)
	}
	kwargs, err := json.Marshal(orEmpty(job.Kwargs))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO scheduled_jobs (id, name, func_ref, trigger_kind, trigger_spec, next_run_time, kwargs, misfire_grace_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.FuncRef, string(job.Trigger.Kind), spec,
		encodeNextRun(job.NextRunTime), string(kwargs), job.MisfireGrace.Milliseconds())
	return trace.Wrap(err)
}

// Create inserts a job, failing with AlreadyExists if the id is taken.
func (s *JobStore) Create(ctx context.Context, job Job) error {
	if _, err := s.Get(ctx, job.ID); err == nil {
		return trace.AlreadyExists("job %q already exists", job.ID)
	} else if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.Put(ctx, job))
}

// Get returns one job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, func_ref, trigger_kind, trigger_spec, next_run_time, kwargs, misfire_grace_ms
		FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("job %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return job, nil
}

// Remove deletes a job.
func (s *JobStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("job %q not found", id)
	}
	return nil
}

// SetNextRun updates only the next fire time. nil pauses the job.
func (s *JobStore) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET next_run_time = ? WHERE id = ?`, encodeNextRun(next), id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("job %q not found", id)
	}
	return nil
}

// All returns every stored job.
func (s *JobStore) All(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, func_ref, trigger_kind, trigger_spec, next_run_time, kwargs, misfire_grace_ms
		FROM scheduled_jobs ORDER BY id ASC`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *job)
	}
	return out, trace.Wrap(rows.Err())
}

// NextDue returns the unpaused job with the earliest next_run_time, or
// NotFound when everything is paused or the store is empty.
func (s *JobStore) NextDue(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, func_ref, trigger_kind, trigger_spec, next_run_time, kwargs, misfire_grace_ms
		FROM scheduled_jobs WHERE next_run_time IS NOT NULL
		ORDER BY next_run_time ASC LIMIT 1`)
	job, err := scanJob(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no runnable jobs")
		}
		return nil, trace.Wrap(err)
	}
	return job, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var kind, spec, kwargs string
	var next sql.NullString
	var graceMS int64
	err := row.Scan(&job.ID, &job.Name, &job.FuncRef, &kind, &spec, &next, &kwargs, &graceMS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("job not found")
		}
		return nil, trace.Wrap(err)
	}
	job.Trigger.Kind = TriggerKind(kind)
	if err := decodeTriggerSpec(&job.Trigger, spec); err != nil {
		return nil, trace.Wrap(err)
	}
	if next.Valid {
		at, err := time.Parse(time.RFC3339Nano, next.String)
		if err != nil {
			return nil, trace.BadParameter("malformed next_run_time %q: %v", next.String, err)
		}
		at = at.UTC()
		job.NextRunTime = &at
	}
	if err := json.Unmarshal([]byte(kwargs), &job.Kwargs); err != nil {
		return nil, trace.BadParameter("malformed kwargs for job %q: %v", job.ID, err)
	}
	job.MisfireGrace = time.Duration(graceMS) * time.Millisecond
	return &job, nil
}

// timeLayout is the stored instant form. Fixed width, so the
// `ORDER BY next_run_time` lexical comparison matches chronological
// order even for sub-second values.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// encodeTriggerSpec renders the trigger spec: integer seconds for
// interval triggers, an ISO-8601 instant for date triggers.
func encodeTriggerSpec(t Trigger) (string, error) {
	switch t.Kind {
	case TriggerInterval:
		return strconv.Itoa(int(t.Interval / time.Second)), nil
	case TriggerDate:
		return t.RunAt.UTC().Format(timeLayout), nil
	default:
		return "", trace.BadParameter("unknown trigger kind %q", t.Kind)
	}
}

func decodeTriggerSpec(t *Trigger, spec string) error {
	switch t.Kind {
	case TriggerInterval:
		secs, err := strconv.Atoi(spec)
		if err != nil {
			return trace.BadParameter("malformed interval spec %q: %v", spec, err)
		}
		t.Interval = time.Duration(secs) * time.Second
	case TriggerDate:
		at, err := time.Parse(time.RFC3339Nano, spec)
		if err != nil {
			return trace.BadParameter("malformed date spec %q: %v", spec, err)
		}
		t.RunAt = at.UTC()
	default:
		return trace.BadParameter("unknown trigger kind %q", t.Kind)
	}
	return nil
}

func encodeNextRun(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
