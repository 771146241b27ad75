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

// Package ai defines the LLM oracle the pipeline consults for activity
// summaries, todo extraction, and embeddings. The pipeline degrades
// without it: callers treat an unavailable oracle as a soft failure and
// fall back to deterministic behavior.
package ai

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Summary is a short title and description of a span of activity.
type Summary struct {
	// Title is a few words naming the activity.
	Title string
	// Text is a one-or-two sentence description.
	Text string
}

// EventDigest is the oracle's view of one event inside a summary request.
type EventDigest struct {
	// App is the application name.
	App string
	// Title is the window title.
	Title string
	// Duration is how long the event lasted.
	Duration time.Duration
	// OCRSample is a snippet of recognized screen text, possibly empty.
	OCRSample string
}

// TodoCandidate is the oracle's judgement of whether screen text
// describes an actionable task.
type TodoCandidate struct {
	// IsTodo reports whether a task was found.
	IsTodo bool
	// Name is the short task name.
	Name string
	// Description elaborates the task.
	Description string
	// Due is the task's deadline if one was mentioned.
	Due *time.Time
}

// Oracle is the narrow LLM surface the pipeline depends on. All methods
// may return an unavailability error; see IsUnavailable.
type Oracle interface {
	// Summarize produces a title and summary for a group of events.
	Summarize(ctx context.Context, events []EventDigest) (Summary, error)
	// ClassifyTodo extracts an actionable task from screen text, if any.
	ClassifyTodo(ctx context.Context, app, title, text string) (TodoCandidate, error)
	// Embed returns an embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Unavailable returns the error an oracle reports when the backing
// service cannot be reached.
func Unavailable(format string, args ...any) error {
	return trace.ConnectionProblem(nil, format, args...)
}

// IsUnavailable reports whether err means the oracle's backing service
// is unreachable, as opposed to a malformed request or response.
func IsUnavailable(err error) bool {
	return trace.IsConnectionProblem(err)
}
