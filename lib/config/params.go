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

package config

import (
	"reflect"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/mitchellh/mapstructure"

	"github.com/gravitational/lifetrace/lib/defaults"
)

// ScreenList selects which monitors the recorder captures. The YAML value
// is either the string "all" or a list of monitor ids.
type ScreenList struct {
	// All captures every attached monitor.
	All bool
	// IDs are the selected monitor ids when All is false.
	IDs []int
}

// Contains reports whether the screen id is selected.
func (s ScreenList) Contains(id int) bool {
	if s.All {
		return true
	}
	for _, v := range s.IDs {
		if v == id {
			return true
		}
	}
	return false
}

// BlacklistParams configures capture exclusion.
type BlacklistParams struct {
	Enabled bool     `mapstructure:"enabled"`
	Apps    []string `mapstructure:"apps"`
	Windows []string `mapstructure:"windows"`
}

// RecorderParams is the typed view of jobs.recorder.params.
type RecorderParams struct {
	Screens           ScreenList      `mapstructure:"screens"`
	Deduplicate       bool            `mapstructure:"deduplicate"`
	HashThreshold     int             `mapstructure:"hash_threshold"`
	FileIOTimeout     int             `mapstructure:"file_io_timeout"`
	DBTimeout         int             `mapstructure:"db_timeout"`
	WindowInfoTimeout int             `mapstructure:"window_info_timeout"`
	AutoExcludeSelf   bool            `mapstructure:"auto_exclude_self"`
	Blacklist         BlacklistParams `mapstructure:"blacklist"`
}

// OCRParams is the typed view of jobs.ocr.params.
type OCRParams struct {
	Language            string  `mapstructure:"language"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// CleanupParams is the typed view of jobs.clean_data.
type CleanupParams struct {
	MaxScreenshots int  `mapstructure:"max_screenshots"`
	MaxDays        int  `mapstructure:"max_days"`
	DeleteFileOnly bool `mapstructure:"delete_file_only"`
}

// SchedulerParams is the typed view of the scheduler section.
type SchedulerParams struct {
	MaxWorkers       int    `mapstructure:"max_workers"`
	Coalesce         bool   `mapstructure:"coalesce"`
	MaxInstances     int    `mapstructure:"max_instances"`
	MisfireGraceTime int    `mapstructure:"misfire_grace_time"`
	Timezone         string `mapstructure:"timezone"`
}

// RecorderParams decodes jobs.recorder.params, applying defaults for
// absent fields.
func (s *Snapshot) RecorderParams() (RecorderParams, error) {
	p := RecorderParams{
		Screens:           ScreenList{All: true},
		Deduplicate:       true,
		HashThreshold:     defaults.HashThreshold,
		FileIOTimeout:     int(defaults.FileIOTimeout.Seconds()),
		DBTimeout:         int(defaults.DBTimeout.Seconds()),
		WindowInfoTimeout: int(defaults.WindowInfoTimeout.Seconds()),
		AutoExcludeSelf:   true,
	}
	if err := s.decodeSection("jobs.recorder.params", &p); err != nil {
		return RecorderParams{}, trace.Wrap(err)
	}
	return p, nil
}

// OCRParams decodes jobs.ocr.params, applying defaults.
func (s *Snapshot) OCRParams() (OCRParams, error) {
	p := OCRParams{
		Language:            defaults.OCRLanguage,
		ConfidenceThreshold: defaults.OCRConfidenceThreshold,
	}
	if err := s.decodeSection("jobs.ocr.params", &p); err != nil {
		return OCRParams{}, trace.Wrap(err)
	}
	return p, nil
}

// CleanupParams decodes jobs.clean_data, applying defaults.
func (s *Snapshot) CleanupParams() (CleanupParams, error) {
	p := CleanupParams{
		MaxScreenshots: defaults.MaxScreenshots,
		MaxDays:        defaults.MaxScreenshotDays,
		DeleteFileOnly: true,
	}
	if err := s.decodeSection("jobs.clean_data", &p); err != nil {
		return CleanupParams{}, trace.Wrap(err)
	}
	return p, nil
}

// SchedulerParams decodes the scheduler section, applying defaults.
func (s *Snapshot) SchedulerParams() (SchedulerParams, error) {
	p := SchedulerParams{
		MaxWorkers:       defaults.SchedulerMaxWorkers,
		Coalesce:         true,
		MaxInstances:     defaults.SchedulerMaxInstances,
		MisfireGraceTime: int(defaults.MisfireGraceTime.Seconds()),
		Timezone:         "UTC",
	}
	if err := s.decodeSection("scheduler", &p); err != nil {
		return SchedulerParams{}, trace.Wrap(err)
	}
	return p, nil
}

// decodeSection decodes a subtree into a typed struct. A missing section
// leaves the passed-in defaults untouched; a present but malformed one is
// an error.
func (s *Snapshot) decodeSection(key string, out any) error {
	raw, err := s.Get(key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       screenListHook,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := dec.Decode(raw); err != nil {
		return trace.BadParameter("config section %q: %v", key, err)
	}
	return nil
}

// screenListHook decodes "all" or a list of ids into a ScreenList.
func screenListHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(ScreenList{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if v == "all" {
			return ScreenList{All: true}, nil
		}
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, trace.BadParameter("screens: expected %q or monitor ids, got %q", "all", v)
		}
		return ScreenList{IDs: []int{id}}, nil
	case []any:
		ids := make([]int, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case int:
				ids = append(ids, n)
			case float64:
				ids = append(ids, int(n))
			default:
				return nil, trace.BadParameter("screens: expected monitor id, got %T", e)
			}
		}
		return ScreenList{IDs: ids}, nil
	case ScreenList:
		return v, nil
	default:
		return nil, trace.BadParameter("screens: unsupported value %T", data)
	}
}
