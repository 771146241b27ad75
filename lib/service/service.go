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

// Package service composes the pipeline: configuration, storage, the
// scheduler and its canonical jobs, and the workers they drive.
package service

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/aggregate"
	"github.com/gravitational/lifetrace/lib/ai"
	"github.com/gravitational/lifetrace/lib/capture"
	"github.com/gravitational/lifetrace/lib/cleanup"
	"github.com/gravitational/lifetrace/lib/config"
	"github.com/gravitational/lifetrace/lib/defaults"
	"github.com/gravitational/lifetrace/lib/jobs"
	"github.com/gravitational/lifetrace/lib/ocr"
	"github.com/gravitational/lifetrace/lib/probe"
	"github.com/gravitational/lifetrace/lib/reminder"
	"github.com/gravitational/lifetrace/lib/sched"
	"github.com/gravitational/lifetrace/lib/storage"
	"github.com/gravitational/lifetrace/lib/tracing"
	"github.com/gravitational/lifetrace/lib/vector"
)

// Config configures the service. The zero value resolves everything
// from the environment and the data directory.
type Config struct {
	// DataDir is the user data directory. Empty falls back to the
	// LIFETRACE_DATA_DIR environment variable, then ~/.lifetrace.
	DataDir string
	// Host and Port describe the local API surface, used for capture
	// self-exclusion.
	Host string
	Port int
	// RecorderInterval overrides jobs.recorder.interval for this run
	// without persisting.
	RecorderInterval time.Duration
	// Screens overrides the recorder screen selection for this run,
	// "all" or a comma-separated id list.
	Screens string
	// Clock is the time source shared by every component.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		c.DataDir = os.Getenv(defaults.DataDirEnvVar)
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.Wrap(err, "resolving home directory")
		}
		c.DataDir = home + "/.lifetrace"
	}
	if c.Host == "" {
		c.Host = defaults.HTTPListenAddr
	}
	if c.Port == 0 {
		c.Port = defaults.HTTPListenPort
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Service owns the pipeline's singletons and their lifecycle.
type Service struct {
	cfg   Config
	paths Paths

	config    *config.Store
	watcher   *config.Watcher
	storage   *storage.Storage
	jobStore  *sched.JobStore
	registry  *sched.Registry
	scheduler *sched.Scheduler
	vectors   *vector.Store
	oracle    ai.Oracle
	recorder  *capture.Recorder
	ocr       *ocr.Worker
	aggregate *aggregate.Aggregator
	sweeper   *cleanup.Sweeper
	planner   *reminder.Planner
	jobs      *jobs.Manager
	sink      *tracing.Sink
}

// New builds the pipeline without starting it. Construction order
// follows the dependency order: config, storage, scheduler, workers.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	paths, err := NewPaths(cfg.DataDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{cfg: cfg, paths: paths}
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	if err := s.initConfig(); err != nil {
		return trace.Wrap(err)
	}
	var err error
	if s.storage, err = storage.Open(ctx, storage.Config{
		Path:  s.paths.Database,
		Clock: s.cfg.Clock,
		Log:   s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentStorage),
	}); err != nil {
		return trace.Wrap(err)
	}
	if s.jobStore, err = sched.NewJobStore(ctx, s.paths.SchedulerDB); err != nil {
		return trace.Wrap(err)
	}
	s.registry = sched.NewRegistry()

	snap := s.config.Snapshot()
	schedParams, err := snap.SchedulerParams()
	if err != nil {
		return trace.Wrap(err)
	}
	if s.scheduler, err = sched.New(sched.Config{
		Store:        s.jobStore,
		Registry:     s.registry,
		Clock:        s.cfg.Clock,
		Log:          s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentScheduler),
		MaxWorkers:   schedParams.MaxWorkers,
		Coalesce:     schedParams.Coalesce,
		MisfireGrace: time.Duration(schedParams.MisfireGraceTime) * time.Second,
	}); err != nil {
		return trace.Wrap(err)
	}

	if s.vectors, err = vector.Open(ctx, vector.Config{
		Path:  s.paths.VectorDB,
		Clock: s.cfg.Clock,
		Log:   s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentVector),
	}); err != nil {
		return trace.Wrap(err)
	}
	if s.sink, err = tracing.NewSink(tracing.Config{
		Dir:       s.paths.TracesDir,
		SessionID: uuid.NewString(),
		Clock:     s.cfg.Clock,
		Log:       s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentTracing),
	}); err != nil {
		return trace.Wrap(err)
	}
	s.initOracle(snap)
	if err := s.initWorkers(snap); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.register())
}

// initConfig loads the layered configuration, writing the default file
// on first run, and applies the one-run CLI overrides.
func (s *Service) initConfig() error {
	if _, err := os.Stat(s.paths.DefaultConfig); os.IsNotExist(err) {
		if err := os.WriteFile(s.paths.DefaultConfig, []byte(defaultConfigYAML), 0o600); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	store, err := config.NewStore(config.StoreConfig{
		DefaultPath: s.paths.DefaultConfig,
		UserPath:    s.paths.UserConfig,
		Log:         s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentConfig),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.config = store

	if s.cfg.RecorderInterval > 0 {
		if err := store.Set("jobs.recorder.interval", int(s.cfg.RecorderInterval.Seconds()), false); err != nil {
			return trace.Wrap(err)
		}
	}
	if s.cfg.Screens != "" {
		if err := store.Set("jobs.recorder.params.screens", parseScreens(s.cfg.Screens), false); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// initOracle builds the LLM client when a key is configured. The
// pipeline runs without one; summaries and todo detection degrade.
func (s *Service) initOracle(snap *config.Snapshot) {
	apiKey, _ := snap.GetString("llm.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		s.cfg.Log.Info("No LLM API key configured, summaries and todo detection are off.")
		return
	}
	baseURL, _ := snap.GetString("llm.base_url")
	model, _ := snap.GetString("llm.model")
	embedModel, _ := snap.GetString("llm.embed_model")
	client, err := ai.NewClient(ai.ClientConfig{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Model:      model,
		EmbedModel: embedModel,
		Usage:      s.storage.TokenUsage(),
		Clock:      s.cfg.Clock,
		Log:        s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentAI),
	})
	if err != nil {
		s.cfg.Log.Warn("Failed to build LLM client.", "error", err)
		return
	}
	s.oracle = client
}

func (s *Service) initWorkers(snap *config.Snapshot) error {
	guard, err := probe.NewGuard(probe.GuardConfig{
		Prober: probe.NewPlatformProber(),
		Clock:  s.cfg.Clock,
		Log:    s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentProbe),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var detector capture.TodoDetector
	if s.oracle != nil {
		detector = s.detectTodo
	}
	if s.recorder, err = capture.NewRecorder(capture.RecorderConfig{
		Storage:    s.storage,
		Probe:      guard,
		Grabber:    capture.NewPlatformGrabber(),
		Params:     func() (config.RecorderParams, error) { return s.config.Snapshot().RecorderParams() },
		Dir:        s.paths.ScreenshotsDir,
		SelfPort:   s.cfg.Port,
		TodoApps:   configStrings(snap, "jobs.auto_todo_detection.apps"),
		DetectTodo: detector,
		Clock:      s.cfg.Clock,
		Log:        s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentCapture),
	}); err != nil {
		return trace.Wrap(err)
	}

	if s.ocr, err = ocr.NewWorker(ocr.WorkerConfig{
		Storage: s.storage,
		Params:  func() (config.OCRParams, error) { return s.config.Snapshot().OCRParams() },
		Index:   s.vectors,
		Oracle:  s.oracle,
		Clock:   s.cfg.Clock,
		Log:     s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentOCR),
	}); err != nil {
		return trace.Wrap(err)
	}

	if s.aggregate, err = aggregate.NewAggregator(aggregate.Config{
		Storage: s.storage,
		Oracle:  s.oracle,
		Clock:   s.cfg.Clock,
		Log:     s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentAggregate),
	}); err != nil {
		return trace.Wrap(err)
	}

	if s.sweeper, err = cleanup.NewSweeper(cleanup.Config{
		Storage: s.storage,
		Params:  func() (config.CleanupParams, error) { return s.config.Snapshot().CleanupParams() },
		Clock:   s.cfg.Clock,
		Log:     s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentCleanup),
	}); err != nil {
		return trace.Wrap(err)
	}

	if s.planner, err = reminder.NewPlanner(reminder.Config{
		Storage:   s.storage,
		Scheduler: s.scheduler,
		Registry:  s.registry,
		Clock:     s.cfg.Clock,
		Log:       s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentReminder),
	}); err != nil {
		return trace.Wrap(err)
	}

	s.jobs, err = jobs.NewManager(jobs.ManagerConfig{
		Scheduler: s.scheduler,
		Config:    s.config,
		Clock:     s.cfg.Clock,
		Log:       s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentJobs),
	})
	return trace.Wrap(err)
}

// register binds the canonical function references to the worker ticks.
func (s *Service) register() error {
	bindings := map[string]func(context.Context) error{
		jobs.FuncCaptureTick:      s.recorder.Tick,
		jobs.FuncCaptureTodoTick:  s.recorder.TodoTick,
		jobs.FuncOCRTick:          s.ocr.Tick,
		jobs.FuncOCRProactiveTick: s.ocr.ProactiveTick,
		jobs.FuncAggregateTick:    s.aggregate.Tick,
		jobs.FuncCleanupTick:      s.sweeper.Tick,
	}
	for ref, tick := range bindings {
		tick := tick
		if err := s.registry.Register(ref, func(jc sched.Context) error {
			return tick(jc.Ctx)
		}); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Start brings the pipeline up: trace sink, scheduler, orphan sweep,
// canonical jobs, reminder plan, config watcher.
func (s *Service) Start(ctx context.Context) error {
	s.sink.Start(ctx)
	if err := s.scheduler.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	adopted, err := s.recorder.SweepOrphans(ctx)
	if err != nil {
		s.cfg.Log.Warn("Orphaned screenshot sweep failed.", "error", err)
	} else if adopted > 0 {
		s.cfg.Log.Info("Adopted orphaned screenshots.", "count", adopted)
	}
	if err := s.jobs.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	if enabled, _ := s.config.Snapshot().GetBool("jobs.deadline_reminder.enabled"); enabled {
		if err := s.planner.SyncAll(ctx); err != nil {
			s.cfg.Log.Warn("Reminder sync failed.", "error", err)
		}
	}
	if s.watcher, err = config.NewWatcher(ctx, config.WatcherConfig{
		Store: s.config,
		Clock: s.cfg.Clock,
		Log:   s.cfg.Log.With(lifetrace.ComponentKey, lifetrace.ComponentConfig),
	}); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.Info("LifeTrace pipeline started.",
		"version", lifetrace.Version, "data_dir", s.cfg.DataDir)
	return nil
}

// Close shuts the pipeline down in reverse order, draining in-flight
// jobs first.
func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.scheduler != nil {
		s.scheduler.Shutdown(true)
	}
	if s.sink != nil {
		s.sink.Close()
	}
	if s.vectors != nil {
		s.vectors.Close()
	}
	if s.jobStore != nil {
		s.jobStore.Close()
	}
	if s.storage != nil {
		s.storage.Close()
	}
}

// Planner exposes the reminder planner to collaborators that edit
// todos.
func (s *Service) Planner() *reminder.Planner {
	return s.planner
}

// Storage exposes the relational store.
func (s *Service) Storage() *storage.Storage {
	return s.storage
}

// detectTodo is the fire-and-forget collaborator invoked from capture
// ticks on whitelisted apps. Each invocation is one trace.
func (s *Service) detectTodo(ctx context.Context, app, title string, frame image.Image) {
	traceID := uuid.NewString()
	rootID := uuid.NewString()
	start := s.cfg.Clock.Now().UTC()

	text, err := s.ocr.Text(ctx, frame)
	s.sink.Emit(tracing.Span{
		TraceID: traceID, SpanID: uuid.NewString(), ParentID: rootID,
		Name: "recognize_frame", Kind: tracing.KindTool,
		Start: start, End: s.cfg.Clock.Now().UTC(),
		Error: errText(err),
	})
	if err != nil || strings.TrimSpace(text) == "" {
		s.finishTrace(traceID, rootID, start, app, title, "no text", err)
		return
	}

	llmStart := s.cfg.Clock.Now().UTC()
	cand, err := s.oracle.ClassifyTodo(ctx, app, title, text)
	s.sink.Emit(tracing.Span{
		TraceID: traceID, SpanID: uuid.NewString(), ParentID: rootID,
		Name: "classify_todo", Kind: tracing.KindLLM,
		Start: llmStart, End: s.cfg.Clock.Now().UTC(),
		Error: errText(err),
	})
	if err != nil {
		if !ai.IsUnavailable(err) {
			s.cfg.Log.Warn("Todo classification failed.", "error", err)
		}
		s.finishTrace(traceID, rootID, start, app, title, "classification failed", err)
		return
	}
	if !cand.IsTodo {
		s.finishTrace(traceID, rootID, start, app, title, "not a todo", nil)
		return
	}

	id, err := s.storage.Todos().Create(ctx, storage.Todo{
		Name:        cand.Name,
		Description: cand.Description,
		Status:      storage.TodoDraft,
		Due:         cand.Due,
		ItemType:    storage.ItemVTodo,
	})
	if err != nil {
		s.cfg.Log.Warn("Failed to create detected todo.", "error", err)
		s.finishTrace(traceID, rootID, start, app, title, "create failed", err)
		return
	}
	s.cfg.Log.Info("Detected todo from screen.", "todo_id", id, "name", cand.Name)
	s.finishTrace(traceID, rootID, start, app, title, fmt.Sprintf("todo %d created", id), nil)
}

func (s *Service) finishTrace(traceID, rootID string, start time.Time, app, title, outcome string, err error) {
	s.sink.Emit(tracing.Span{
		TraceID: traceID, SpanID: rootID, Name: "todo_detection",
		Kind:  tracing.KindInternal,
		Start: start, End: s.cfg.Clock.Now().UTC(),
		Input:  app + ": " + title,
		Output: outcome,
		Error:  errText(err),
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// parseScreens turns the CLI form into the config value: "all" or a
// list of monitor ids.
func parseScreens(arg string) any {
	if strings.EqualFold(arg, "all") {
		return "all"
	}
	parts := strings.Split(arg, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return "all"
	}
	return out
}

// configStrings reads a string list config key, tolerating absence.
func configStrings(snap *config.Snapshot, key string) []string {
	v, err := snap.Get(key)
	if err != nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
