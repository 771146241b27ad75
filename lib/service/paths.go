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

package service

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/gravitational/lifetrace/lib/defaults"
)

// Paths is the on-disk layout under the user data directory.
type Paths struct {
	// Base is the user data directory.
	Base string
	// DataDir holds the databases and screenshots.
	DataDir string
	// ScreenshotsDir holds captured frames.
	ScreenshotsDir string
	// TracesDir holds session trace files.
	TracesDir string
	// LogsDir holds the rotating plain logs.
	LogsDir string
	// ConfigDir holds the configuration files.
	ConfigDir string
	// Database is the relational store file.
	Database string
	// SchedulerDB is the durable job store file.
	SchedulerDB string
	// VectorDB is the embedding store file.
	VectorDB string
	// DefaultConfig is the read-only base configuration file.
	DefaultConfig string
	// UserConfig is the user override file.
	UserConfig string
}

// NewPaths resolves the layout under base and creates the directories.
func NewPaths(base string) (Paths, error) {
	dataDir := filepath.Join(base, "data")
	vectorDir := filepath.Join(dataDir, defaults.VectorDirName)
	configDir := filepath.Join(base, defaults.ConfigDirName)
	p := Paths{
		Base:           base,
		DataDir:        dataDir,
		ScreenshotsDir: filepath.Join(dataDir, defaults.ScreenshotsDirName),
		TracesDir:      filepath.Join(base, defaults.TracesDirName),
		LogsDir:        filepath.Join(base, defaults.LogsDirName),
		ConfigDir:      configDir,
		Database:       filepath.Join(dataDir, defaults.DatabaseName),
		SchedulerDB:    filepath.Join(dataDir, defaults.SchedulerDatabaseName),
		VectorDB:       filepath.Join(vectorDir, "vectors.db"),
		DefaultConfig:  filepath.Join(configDir, "default_config.yaml"),
		UserConfig:     filepath.Join(configDir, "config.yaml"),
	}
	for _, dir := range []string{
		p.DataDir, p.ScreenshotsDir, vectorDir, p.TracesDir, p.LogsDir, p.ConfigDir,
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Paths{}, trace.ConvertSystemError(err)
		}
	}
	return p, nil
}

// defaultConfigYAML seeds config/default_config.yaml on first run. The
// user file overrides it key by key.
const defaultConfigYAML = `# LifeTrace base configuration. Override values in config.yaml
# in this directory; this file is rewritten on upgrade.
jobs:
  recorder:
    enabled: true
    interval: 5
    params:
      screens: all
      deduplicate: true
      hash_threshold: 5
      file_io_timeout: 15
      db_timeout: 20
      window_info_timeout: 5
      auto_exclude_self: true
      blacklist:
        enabled: false
        apps: []
        windows: []
  ocr:
    enabled: true
    interval: 30
    params:
      language: ch
      confidence_threshold: 0.5
  activity_aggregator:
    enabled: true
    interval: 900
  clean_data:
    enabled: true
    interval: 3600
    max_screenshots: 10000
    max_days: 30
    delete_file_only: true
  todo_recorder:
    enabled: false
    interval: 30
  auto_todo_detection:
    enabled: false
    apps: []
  proactive_ocr:
    enabled: false
    interval: 300
  deadline_reminder:
    enabled: false
scheduler:
  max_workers: 10
  coalesce: true
  max_instances: 1
  misfire_grace_time: 30
  timezone: UTC
llm:
  api_key: ""
  base_url: ""
  model: ""
  embed_model: ""
server:
  host: 127.0.0.1
  port: 8840
`
