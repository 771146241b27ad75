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

// Package tracing collects spans from the pipeline into per-session
// trace files. The sink never blocks an emitter: a full queue degrades
// to one dropped-span log line.
package tracing

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/defaults"
)

var spansDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "lifetrace_trace_spans_dropped_total",
	Help: "Number of spans dropped because the trace queue was full.",
})

func init() {
	prometheus.MustRegister(spansDropped)
}

// SpanKind classifies a span for aggregation.
type SpanKind string

const (
	// KindInternal is ordinary pipeline work.
	KindInternal SpanKind = "internal"
	// KindTool is an external tool invocation.
	KindTool SpanKind = "tool"
	// KindLLM is a model call.
	KindLLM SpanKind = "llm"
)

// Span is one timed operation. A span with no parent is the root of its
// trace; its end completes the trace.
type Span struct {
	// TraceID groups spans into one trace.
	TraceID string `json:"trace_id"`
	// SpanID uniquely names the span within its trace.
	SpanID string `json:"span_id"`
	// ParentID is the enclosing span, empty for the root.
	ParentID string `json:"parent_id,omitempty"`
	// Name is the operation name.
	Name string `json:"name"`
	// Kind classifies the span.
	Kind SpanKind `json:"kind"`
	// Start and End bound the operation. A zero End means the span is
	// still open.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Input and Output are operation payload digests.
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	// Error holds the failure message, if any.
	Error string `json:"error,omitempty"`
}

// Record is one completed trace as written to the session file.
type Record struct {
	TraceID    string    `json:"trace_id"`
	Name       string    `json:"name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMS int64     `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	SpanCount  int       `json:"span_count"`
	ToolCalls  int       `json:"tool_calls"`
	LLMCalls   int       `json:"llm_calls"`
}

// File is the session file layout: the completed trace records wrapped
// in a session envelope with running totals.
type File struct {
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Traces    []Record  `json:"traces"`
	Summary   Summary   `json:"summary"`
}

// Summary totals the session's completed traces.
type Summary struct {
	TotalDurationMS int64  `json:"total_duration_ms"`
	ToolCount       int    `json:"tool_count"`
	LLMCount        int    `json:"llm_count"`
	TraceCount      int    `json:"trace_count"`
	Status          string `json:"status"`
}

// Config configures the sink.
type Config struct {
	// Dir is the trace file directory.
	Dir string
	// SessionID keys the output file; empty produces a standalone file.
	SessionID string
	// MaxFiles caps the directory before old files rotate out.
	MaxFiles int
	// QueueSize bounds the span queue.
	QueueSize int
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the sink logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = defaults.TraceMaxFiles
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.TraceQueueSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentTracing)
	}
	return nil
}

// Sink buffers spans per trace and appends one record per completed
// trace to the session file.
type Sink struct {
	cfg   Config
	path  string
	queue chan Span
	done  chan struct{}

	mu     sync.Mutex
	open   map[string][]Span
	closed bool
}

// NewSink returns a sink writing to a fresh session file under Dir.
func NewSink(cfg Config) (*Sink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	ts := cfg.Clock.Now().UTC().Format("20060102_150405")
	name := "trace_" + ts + ".json"
	if cfg.SessionID != "" {
		name = "session_" + cfg.SessionID + "_" + ts + ".json"
	}
	return &Sink{
		cfg:   cfg,
		path:  filepath.Join(cfg.Dir, name),
		queue: make(chan Span, cfg.QueueSize),
		done:  make(chan struct{}),
		open:  map[string][]Span{},
	}, nil
}

// Start runs the consumer until the context ends or Close is called.
func (s *Sink) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case span, ok := <-s.queue:
				if !ok {
					return
				}
				s.consume(ctx, span)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Emit enqueues a span. Never blocks: with the queue full the span is
// counted, logged once, and dropped.
func (s *Sink) Emit(span Span) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.queue <- span:
	default:
		spansDropped.Inc()
		s.cfg.Log.Warn("Trace queue is full, dropping span.",
			"trace_id", span.TraceID, "span", span.Name)
	}
}

// Close stops accepting spans and waits for the consumer to drain.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	<-s.done
}

// Path returns the session file the sink writes to.
func (s *Sink) Path() string {
	return s.path
}

func (s *Sink) consume(ctx context.Context, span Span) {
	s.mu.Lock()
	s.open[span.TraceID] = append(s.open[span.TraceID], span)
	var finished []Span
	if span.ParentID == "" && !span.End.IsZero() {
		finished = s.open[span.TraceID]
		delete(s.open, span.TraceID)
	}
	s.mu.Unlock()
	if finished == nil {
		return
	}
	if err := s.flush(aggregate(finished)); err != nil {
		s.cfg.Log.WarnContext(ctx, "Failed to write trace record.",
			"trace_id", span.TraceID, "error", err)
	}
}

// aggregate folds a completed trace's spans into one record. The root
// span contributes the name, bounds, and payloads.
func aggregate(spans []Span) Record {
	var rec Record
	for _, span := range spans {
		switch span.Kind {
		case KindTool:
			rec.ToolCalls++
		case KindLLM:
			rec.LLMCalls++
		}
		if span.ParentID != "" {
			continue
		}
		rec.TraceID = span.TraceID
		rec.Name = span.Name
		rec.Start = span.Start
		rec.End = span.End
		rec.DurationMS = span.End.Sub(span.Start).Milliseconds()
		rec.Input = span.Input
		rec.Output = span.Output
		rec.Error = span.Error
	}
	rec.SpanCount = len(spans)
	return rec
}

// flush appends the record to the session envelope and rotates old
// files past the cap. The file is rewritten atomically.
func (s *Sink) flush(rec Record) error {
	var file File
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &file); err != nil {
			return trace.Wrap(err, "parsing trace file %v", s.path)
		}
	case os.IsNotExist(err):
		file.SessionID = s.cfg.SessionID
		file.CreatedAt = s.cfg.Clock.Now().UTC()
	default:
		return trace.ConvertSystemError(err)
	}
	file.Traces = append(file.Traces, rec)
	file.UpdatedAt = s.cfg.Clock.Now().UTC()
	file.Summary = summarize(file.Traces)
	out, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(s.path, out, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(s.rotate())
}

// summarize recomputes the envelope totals from the records.
func summarize(records []Record) Summary {
	sum := Summary{TraceCount: len(records), Status: "ok"}
	for _, rec := range records {
		sum.TotalDurationMS += rec.DurationMS
		sum.ToolCount += rec.ToolCalls
		sum.LLMCount += rec.LLMCalls
		if rec.Error != "" {
			sum.Status = "error"
		}
	}
	return sum
}

// rotate removes the oldest trace files beyond MaxFiles. The current
// session file is always kept.
func (s *Sink) rotate() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	type candidate struct {
		name string
		mod  time.Time
	}
	own := filepath.Base(s.path)
	var candidates []candidate
	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		total++
		if e.Name() == own {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), mod: info.ModTime()})
	}
	if total <= s.cfg.MaxFiles {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].mod.Equal(candidates[j].mod) {
			return candidates[i].mod.Before(candidates[j].mod)
		}
		return candidates[i].name < candidates[j].name
	})
	excess := total - s.cfg.MaxFiles
	if excess > len(candidates) {
		excess = len(candidates)
	}
	for _, c := range candidates[:excess] {
		if err := os.Remove(filepath.Join(s.cfg.Dir, c.name)); err != nil && !os.IsNotExist(err) {
			s.cfg.Log.Warn("Failed to rotate trace file.", "file", c.name, "error", err)
		}
	}
	return nil
}
