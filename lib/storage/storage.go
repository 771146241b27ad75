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

// Package storage implements the relational store behind the lifetrace
// pipeline on embedded sqlite. Every entity is reached through a narrow
// manager; each manager method brackets its work in a single transaction
// and never hands row objects across transaction boundaries.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/defaults"
)

// timeFormat is how timestamps are stored. Text keeps the database
// inspectable, and the fixed width keeps lexical order equal to
// chronological order for the SQL range comparisons. RFC3339Nano is
// unsuitable here: it drops trailing sub-second zeros, and a variable-
// width string like "...00.5Z" sorts before "...00Z".
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Config configures Storage.
type Config struct {
	// Path is the sqlite database file. ":memory:" opens a throwaway
	// in-memory database for tests.
	Path string
	// Clock supplies created_at timestamps.
	Clock clockwork.Clock
	// Log is the store's logger.
	Log *slog.Logger
	// BusyTimeout bounds waiting on a locked database.
	BusyTimeout time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentStorage)
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = defaults.DBTimeout
	}
	return nil
}

// Storage owns the sqlite connection and the per-entity managers.
type Storage struct {
	cfg Config
	db  *sql.DB

	screenshots  *ScreenshotManager
	ocr          *OCRManager
	events       *EventManager
	activities   *ActivityManager
	todos        *TodoManager
	tokenUsage   *TokenUsageManager
	notification *NotificationManager
}

// Open opens (creating if needed) the database and runs the schema.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn between the scheduler pool and the HTTP surface.
	db.SetMaxOpenConns(1)
	s := &Storage{cfg: cfg, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	s.screenshots = &ScreenshotManager{s}
	s.ocr = &OCRManager{s}
	s.events = &EventManager{s}
	s.activities = &ActivityManager{s}
	s.todos = &TodoManager{s}
	s.tokenUsage = &TokenUsageManager{s}
	s.notification = &NotificationManager{s}
	return s, nil
}

func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(int(cfg.BusyTimeout.Milliseconds())))
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the database.
func (s *Storage) Close() error {
	return trace.Wrap(s.db.Close())
}

// Clock returns the storage clock.
func (s *Storage) Clock() clockwork.Clock {
	return s.cfg.Clock
}

// Screenshots returns the screenshot manager.
func (s *Storage) Screenshots() *ScreenshotManager { return s.screenshots }

// OCR returns the OCR result manager.
func (s *Storage) OCR() *OCRManager { return s.ocr }

// Events returns the event manager.
func (s *Storage) Events() *EventManager { return s.events }

// Activities returns the activity manager.
func (s *Storage) Activities() *ActivityManager { return s.activities }

// Todos returns the todo manager.
func (s *Storage) Todos() *TodoManager { return s.todos }

// TokenUsage returns the token usage manager.
func (s *Storage) TokenUsage() *TokenUsageManager { return s.tokenUsage }

// Notifications returns the notification manager.
func (s *Storage) Notifications() *NotificationManager { return s.notification }

// withTx runs fn inside one transaction. On error the transaction rolls
// back and callers must not rely on partial visibility.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.cfg.Log.Warn("Transaction rollback failed.", "error", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// isUniqueViolation reports whether err is a sqlite uniqueness conflict.
// Callers treat those as "the prior row wins".
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint &&
			(serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func (s *Storage) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return trace.Wrap(err)
}

const schema = `
CREATE TABLE IF NOT EXISTS screenshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL UNIQUE,
	file_hash TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	screen_id INTEGER NOT NULL DEFAULT 1,
	app_name TEXT NOT NULL DEFAULT '',
	window_title TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	file_deleted INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	event_id INTEGER REFERENCES events(id)
);
CREATE INDEX IF NOT EXISTS idx_screenshots_processed ON screenshots(processed, created_at);
CREATE INDEX IF NOT EXISTS idx_screenshots_created ON screenshots(created_at);

CREATE TABLE IF NOT EXISTS ocr_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	screenshot_id INTEGER NOT NULL UNIQUE REFERENCES screenshots(id) ON DELETE CASCADE,
	text_content TEXT NOT NULL DEFAULT '',
	text_hash TEXT,
	confidence REAL NOT NULL DEFAULT 0,
	language TEXT NOT NULL DEFAULT '',
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ocr_text_hash ON ocr_results(text_hash);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	app_name TEXT NOT NULL,
	window_title TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT,
	ai_title TEXT NOT NULL DEFAULT '',
	ai_summary TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_active ON events(end_time);
CREATE INDEX IF NOT EXISTS idx_events_window ON events(end_time, start_time);

CREATE TABLE IF NOT EXISTS activities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	ai_title TEXT NOT NULL DEFAULT '',
	ai_summary TEXT NOT NULL DEFAULT '',
	event_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_activities_window ON activities(start_time, end_time);

CREATE TABLE IF NOT EXISTS activity_events (
	activity_id INTEGER NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
	event_id INTEGER NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
	PRIMARY KEY (activity_id, event_id)
);

CREATE TABLE IF NOT EXISTS todos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	due TEXT,
	start_time TEXT,
	deadline TEXT,
	dtstart TEXT,
	item_type TEXT NOT NULL DEFAULT 'VTODO',
	reminder_offsets TEXT NOT NULL DEFAULT '[]',
	user_notes TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_todos_status ON todos(status);

CREATE TABLE IF NOT EXISTS token_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	endpoint TEXT NOT NULL DEFAULT '',
	feature_type TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	input_cost REAL NOT NULL DEFAULT 0,
	output_cost REAL NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_token_usage_created ON token_usage(created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	todo_id INTEGER NOT NULL REFERENCES todos(id) ON DELETE CASCADE,
	fire_time TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	dismissed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	// RFC3339Nano accepts both the fixed-width stored form and older
	// variable-width values.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, trace.BadParameter("malformed timestamp %q: %v", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &t, nil
}
