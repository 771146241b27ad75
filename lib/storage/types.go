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

import "time"

// Screenshot is one captured frame's metadata. A row may outlive its file
// (FileDeleted=true) but never the other way around.
type Screenshot struct {
	ID          int64
	FilePath    string
	FileHash    string
	Width       int
	Height      int
	ScreenID    int
	AppName     string
	WindowTitle string
	CreatedAt   time.Time
	FileDeleted bool
	Processed   bool
	EventID     *int64
}

// OCRResult is the recognized text of one screenshot, keyed 1:1 by
// screenshot id.
type OCRResult struct {
	ID             int64
	ScreenshotID   int64
	TextContent    string
	TextHash       string
	Confidence     float64
	Language       string
	ProcessingTime time.Duration
	CreatedAt      time.Time
}

// Event is one contiguous stretch of focus on a single (app, window
// title) pair. EndTime nil means the event is still active; at most one
// event is active at any instant.
type Event struct {
	ID          int64
	AppName     string
	WindowTitle string
	StartTime   time.Time
	EndTime     *time.Time
	AITitle     string
	AISummary   string
}

// Active reports whether the event is still open.
func (e *Event) Active() bool {
	return e.EndTime == nil
}

// Duration returns the event length, using now for active events.
func (e *Event) Duration(now time.Time) time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return now.Sub(e.StartTime)
}

// Activity is a summarized span covering either one 15-minute-aligned
// window or a single long event.
type Activity struct {
	ID         int64
	StartTime  time.Time
	EndTime    time.Time
	AITitle    string
	AISummary  string
	EventCount int
}

// TodoStatus is the lifecycle state of a todo.
type TodoStatus string

const (
	TodoDraft    TodoStatus = "draft"
	TodoActive   TodoStatus = "active"
	TodoDone     TodoStatus = "done"
	TodoArchived TodoStatus = "archived"
)

// TodoItemType distinguishes deadline-style todos from calendar events.
type TodoItemType string

const (
	ItemVTodo  TodoItemType = "VTODO"
	ItemVEvent TodoItemType = "VEVENT"
)

// Todo is a tracked task or calendar item. Reminder offsets are minutes
// before the schedulable instant.
type Todo struct {
	ID              int64
	Name            string
	Description     string
	Status          TodoStatus
	Due             *time.Time
	StartTime       *time.Time
	Deadline        *time.Time
	DTStart         *time.Time
	ItemType        TodoItemType
	ReminderOffsets []int
	UserNotes       string
	Priority        int
	Tags            []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SchedulableInstant returns the instant reminders are computed from:
// first non-nil of due, start_time, deadline, dtstart for VTODO items;
// dtstart/start_time first for VEVENT items. Nil means the todo has no
// schedulable time and produces no reminders.
func (t *Todo) SchedulableInstant() *time.Time {
	var order []*time.Time
	if t.ItemType == ItemVEvent {
		order = []*time.Time{t.DTStart, t.StartTime, t.Due, t.Deadline}
	} else {
		order = []*time.Time{t.Due, t.StartTime, t.Deadline, t.DTStart}
	}
	for _, at := range order {
		if at != nil {
			return at
		}
	}
	return nil
}

// TokenUsage is one append-only LLM billing record.
type TokenUsage struct {
	ID           int64
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Endpoint     string
	FeatureType  string
	CreatedAt    time.Time
	InputCost    float64
	OutputCost   float64
	TotalCost    float64
}

// TokenUsageSummary aggregates token usage over a time window.
type TokenUsageSummary struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	TotalCost    float64
	Records      int64
}

// Notification is one fired reminder. Dismissal is the only cross-worker
// rendezvous in the pipeline.
type Notification struct {
	ID        string
	TodoID    int64
	FireTime  time.Time
	Message   string
	Dismissed bool
	CreatedAt time.Time
}
