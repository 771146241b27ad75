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

// Package lifetrace defines process-wide constants shared by the
// background pipeline components.
package lifetrace

const (
	// ComponentKey is the attribute key used to identify the component
	// that emitted a log line.
	ComponentKey = "component"

	// ComponentCapture is the screenshot capture worker.
	ComponentCapture = "capture"

	// ComponentOCR is the OCR worker.
	ComponentOCR = "ocr"

	// ComponentAggregate is the activity aggregator.
	ComponentAggregate = "aggregate"

	// ComponentScheduler is the persistent job scheduler.
	ComponentScheduler = "sched"

	// ComponentReminder is the todo reminder planner.
	ComponentReminder = "reminder"

	// ComponentJobs is the background job manager.
	ComponentJobs = "jobs"

	// ComponentConfig is the configuration store and watcher.
	ComponentConfig = "config"

	// ComponentStorage is the relational store.
	ComponentStorage = "storage"

	// ComponentProbe is the active window probe.
	ComponentProbe = "probe"

	// ComponentCleanup is the data retention sweeper.
	ComponentCleanup = "cleanup"

	// ComponentTracing is the trace sink.
	ComponentTracing = "tracing"

	// ComponentVector is the vector index.
	ComponentVector = "vector"

	// ComponentAI is the LLM oracle client.
	ComponentAI = "ai"
)

// Version is the semantic version of the lifetrace binary.
const Version = "0.4.0"
