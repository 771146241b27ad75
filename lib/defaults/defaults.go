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

// Package defaults holds the default values used across the lifetrace
// background pipeline. Anything a config file can override lives here so
// the zero configuration still produces a working process.
package defaults

import "time"

const (
	// DataDirEnvVar overrides the user data directory.
	DataDirEnvVar = "LIFETRACE_DATA_DIR"

	// DatabaseName is the relational store file under the data dir.
	DatabaseName = "lifetrace.db"

	// SchedulerDatabaseName is the scheduler's durable job store file.
	SchedulerDatabaseName = "scheduler.db"

	// ScreenshotsDirName is the screenshot directory under the data dir.
	ScreenshotsDirName = "screenshots"

	// VectorDirName is the embedding store directory under the data dir.
	VectorDirName = "vector_db"

	// TracesDirName holds session trace files.
	TracesDirName = "traces"

	// LogsDirName holds the daily plain logs.
	LogsDirName = "logs"

	// ConfigDirName holds default_config.yaml and config.yaml.
	ConfigDirName = "config"
)

const (
	// RecorderInterval is how often the capture job fires.
	RecorderInterval = 5 * time.Second

	// OCRInterval is how often the OCR job fires.
	OCRInterval = 30 * time.Second

	// AggregatorInterval is how often the activity aggregator fires.
	AggregatorInterval = 15 * time.Minute

	// CleanDataInterval is how often the retention sweeper fires.
	CleanDataInterval = time.Hour

	// TodoRecorderInterval is how often the todo detection capture fires.
	TodoRecorderInterval = 30 * time.Second

	// ProactiveOCRInterval is how often the proactive OCR job fires.
	ProactiveOCRInterval = 5 * time.Minute
)

const (
	// HashThreshold is the maximum pHash Hamming distance at which two
	// frames are treated as duplicates.
	HashThreshold = 5

	// FileIOTimeout bounds screen grabs and PNG writes.
	FileIOTimeout = 15 * time.Second

	// DBTimeout bounds a single storage transaction.
	DBTimeout = 20 * time.Second

	// WindowInfoTimeout bounds one active-window probe.
	WindowInfoTimeout = 5 * time.Second
)

const (
	// OCRBatchSize is how many unprocessed screenshots one OCR tick takes.
	OCRBatchSize = 50

	// OCRConfidenceThreshold drops recognized lines below it.
	OCRConfidenceThreshold = 0.5

	// OCRProcessingDelay is the pause between images within one tick.
	OCRProcessingDelay = 100 * time.Millisecond

	// OCRLanguage is the default recognizer language.
	OCRLanguage = "ch"

	// OCRMaxWidth and OCRMaxHeight bound the preprocessed image.
	OCRMaxWidth  = 1920
	OCRMaxHeight = 1080
)

const (
	// ActivityWindow is the aggregation bucket size.
	ActivityWindow = 15 * time.Minute

	// ActivityColdGrace is how long past a window end the aggregator
	// waits before treating the window as cold.
	ActivityColdGrace = time.Minute

	// LongEventDuration is the threshold past which an event gets its
	// own single-event activity.
	LongEventDuration = 30 * time.Minute
)

const (
	// SchedulerMaxWorkers bounds concurrently running jobs.
	SchedulerMaxWorkers = 10

	// SchedulerMaxInstances is the per-job concurrency limit.
	SchedulerMaxInstances = 1

	// MisfireGraceTime is how late a fire may run before it is dropped.
	MisfireGraceTime = 30 * time.Second

	// SchedulerPollInterval bounds how long the fire loop sleeps when no
	// job is due.
	SchedulerPollInterval = time.Second
)

const (
	// ReminderGrace is the catch-up window for overdue reminders.
	ReminderGrace = time.Minute

	// ReminderDriftTolerance is the allowed difference between a fired
	// job's expected and recomputed reminder time.
	ReminderDriftTolerance = time.Second
)

const (
	// MaxScreenshots is the retention cap by count.
	MaxScreenshots = 10000

	// MaxScreenshotDays is the retention cap by age.
	MaxScreenshotDays = 30
)

const (
	// TraceMaxFiles caps the number of trace files before rotation.
	TraceMaxFiles = 100

	// TraceQueueSize bounds the trace sink's span queue.
	TraceQueueSize = 1024
)

const (
	// HTTPListenAddr is the default bind address of the API collaborator.
	HTTPListenAddr = "127.0.0.1"

	// HTTPListenPort is the default bind port of the API collaborator.
	HTTPListenPort = 8840
)
