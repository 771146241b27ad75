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

// Package capture implements the screenshot pipeline tick: probe the
// focused window, grab its monitor, dedupe by perceptual hash, persist
// the frame and its metadata, and attribute it to the active event.
package capture

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/config"
	"github.com/gravitational/lifetrace/lib/defaults"
	"github.com/gravitational/lifetrace/lib/probe"
	"github.com/gravitational/lifetrace/lib/storage"
	"github.com/gravitational/lifetrace/lib/timeutil"
)

var (
	framesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifetrace_capture_frames_saved_total",
		Help: "Frames persisted to disk",
	})
	framesDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifetrace_capture_frames_deduped_total",
		Help: "Frames dropped as perceptual-hash duplicates",
	})
)

func init() {
	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(framesSaved, framesDeduped)
}

// WindowProber is the slice of the probe guard the recorder needs.
type WindowProber interface {
	ActiveWindow(ctx context.Context) (probe.Info, error)
}

// TodoDetector receives a frame of a whitelisted application. It runs
// fire-and-forget: the tick does not wait for it and never sees its
// errors.
type TodoDetector func(ctx context.Context, app, title string, frame image.Image)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Storage is the entity store.
	Storage *storage.Storage
	// Probe resolves the focused window.
	Probe WindowProber
	// Grabber captures monitor pixels.
	Grabber Grabber
	// Params returns the current recorder parameters. Called once per
	// tick so a config reload takes effect on the next tick.
	Params func() (config.RecorderParams, error)
	// Dir is the screenshots directory.
	Dir string
	// SelfPort is the local HTTP port used for self-exclusion.
	SelfPort int
	// TodoApps is the todo-detection whitelist.
	TodoApps []string
	// DetectTodo is the optional todo extraction collaborator.
	DetectTodo TodoDetector
	// Clock drives timestamps and file naming.
	Clock clockwork.Clock
	// Log is the recorder's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *RecorderConfig) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Probe == nil {
		return trace.BadParameter("missing parameter Probe")
	}
	if c.Grabber == nil {
		return trace.BadParameter("missing parameter Grabber")
	}
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Params == nil {
		c.Params = func() (config.RecorderParams, error) {
			return (&config.Snapshot{}).RecorderParams()
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentCapture)
	}
	return nil
}

// Recorder runs the capture tick. The last perceptual hash per screen
// lives in a TTL cache owned exclusively by the recorder; it is not
// persisted, so the first tick after restart always saves a frame.
type Recorder struct {
	cfg     RecorderConfig
	tracker *EventTracker
	hashes  *gocache.Cache
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Recorder{
		cfg:     cfg,
		tracker: NewEventTracker(cfg.Storage.Events(), cfg.Clock, cfg.Log),
		hashes:  gocache.New(10*time.Minute, 30*time.Minute),
	}, nil
}

// Tracker exposes the event tracker for composition.
func (r *Recorder) Tracker() *EventTracker {
	return r.tracker
}

// Tick runs one capture cycle. Failures abort only this tick; the next
// tick starts from scratch.
func (r *Recorder) Tick(ctx context.Context) error {
	return trace.Wrap(r.tick(ctx, false))
}

// TodoTick runs the todo-detection cycle: same probe and exclusion
// logic, but the frame only feeds the detector and is never persisted.
func (r *Recorder) TodoTick(ctx context.Context) error {
	return trace.Wrap(r.tick(ctx, true))
}

func (r *Recorder) tick(ctx context.Context, detectOnly bool) error {
	params, err := r.cfg.Params()
	if err != nil {
		return trace.Wrap(err)
	}

	info, err := r.cfg.Probe.ActiveWindow(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if info.Unknown() {
		// Probe timed out: nothing identifiable to record this tick.
		r.cfg.Log.Debug("Skipping tick, focused window unknown.")
		return nil
	}

	blacklist := NewBlacklist(params.Blacklist, params.AutoExcludeSelf, r.cfg.SelfPort)
	if reason, blocked := blacklist.Match(info.App, info.Title); blocked {
		r.cfg.Log.Debug("Skipping excluded window.", "reason", reason)
		if !detectOnly {
			return trace.Wrap(r.tracker.CloseActive(ctx))
		}
		return nil
	}

	if detectOnly {
		if r.cfg.DetectTodo == nil || !r.todoWhitelisted(info.App) {
			return nil
		}
		frame, err := r.grab(ctx, info.ScreenID, params)
		if err != nil {
			return trace.Wrap(err)
		}
		r.fireTodoDetection(ctx, info, frame)
		return nil
	}

	screenID := info.ScreenID
	if screenID == 0 {
		screenID = 1
	}
	if !params.Screens.Contains(screenID) {
		r.cfg.Log.Debug("Skipping unselected screen.", "screen_id", screenID)
		return trace.Wrap(r.tracker.CloseActive(ctx))
	}

	frame, err := r.grab(ctx, screenID, params)
	if err != nil {
		return trace.Wrap(err)
	}

	// The hash comes straight from memory, before any disk write.
	hash, err := goimagehash.PerceptionHash(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	if params.Deduplicate && r.isDuplicate(screenID, hash, params.HashThreshold) {
		framesDeduped.Inc()
		r.cfg.Log.Debug("Dropping duplicate frame.", "screen_id", screenID)
		return nil
	}

	shot, err := r.persistFrame(ctx, frame, info, screenID)
	if err != nil {
		return trace.Wrap(err)
	}

	// Row insert happens-before event attribution, which happens-before
	// the fire-and-forget todo detection.
	eventID, err := r.tracker.RecordCapture(ctx, info.App, info.Title)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := r.cfg.Storage.Events().AddScreenshot(ctx, eventID, shot.ID); err != nil {
		return trace.Wrap(err)
	}
	// Remember the hash only once the frame is durably recorded. A hash
	// cached before a failed persist would dedupe every retry of a
	// static screen against a frame that was never saved.
	r.hashes.Set(hashKey(screenID), hash, gocache.DefaultExpiration)
	framesSaved.Inc()

	if r.cfg.DetectTodo != nil && r.todoWhitelisted(info.App) {
		r.fireTodoDetection(ctx, info, frame)
	}
	return nil
}

func (r *Recorder) grab(ctx context.Context, screenID int, params config.RecorderParams) (image.Image, error) {
	timeout := time.Duration(params.FileIOTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaults.FileIOTimeout
	}
	grabCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	frame, err := r.cfg.Grabber.Capture(grabCtx, screenID)
	return frame, trace.Wrap(err)
}

func (r *Recorder) isDuplicate(screenID int, hash *goimagehash.ImageHash, threshold int) bool {
	prev, ok := r.hashes.Get(hashKey(screenID))
	if !ok {
		return false
	}
	last, ok := prev.(*goimagehash.ImageHash)
	if !ok {
		return false
	}
	distance, err := hash.Distance(last)
	if err != nil {
		return false
	}
	return distance <= threshold
}

func (r *Recorder) persistFrame(ctx context.Context, frame image.Image, info probe.Info, screenID int) (*storage.Screenshot, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return nil, trace.Wrap(err)
	}
	now := timeutil.NowUTC(r.cfg.Clock)
	path := filepath.Join(r.cfg.Dir, frameFileName(screenID, now))
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	sum := md5.Sum(buf.Bytes())

	bounds := frame.Bounds()
	shot := storage.Screenshot{
		FilePath:    path,
		FileHash:    hex.EncodeToString(sum[:]),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		ScreenID:    screenID,
		AppName:     info.App,
		WindowTitle: info.Title,
		CreatedAt:   now,
	}
	id, err := r.cfg.Storage.Screenshots().Add(ctx, shot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	shot.ID = id
	return &shot, nil
}

func (r *Recorder) todoWhitelisted(app string) bool {
	lowApp := strings.ToLower(app)
	for _, entry := range r.cfg.TodoApps {
		if entry != "" && strings.Contains(lowApp, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}

// fireTodoDetection hands the frame to the detector on its own
// goroutine. The detached context survives the tick; a panicking
// detector is contained.
func (r *Recorder) fireTodoDetection(ctx context.Context, info probe.Info, frame image.Image) {
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.cfg.Log.Error("Todo detector panicked.", "panic", rec)
			}
		}()
		r.cfg.DetectTodo(detached, info.App, info.Title, frame)
	}()
}

// frameFileName renders screen_<id>_<YYYYmmdd_HHMMSS_ms>.png.
func frameFileName(screenID int, t time.Time) string {
	return fmt.Sprintf("screen_%d_%s_%03d.png", screenID, t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
}

// SweepOrphans scans the screenshots directory for PNG files with no
// row and inserts best-effort rows for them. A crash between the disk
// write and the row insert leaves such a file behind; this runs at
// startup to recover them.
func (r *Recorder) SweepOrphans(ctx context.Context) (int, error) {
	known, err := r.cfg.Storage.Screenshots().AllPaths(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	var adopted int
	err = filepath.WalkDir(r.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".png") || known[path] {
			return nil
		}
		shot := storage.Screenshot{
			FilePath:    path,
			ScreenID:    screenIDFromName(d.Name()),
			AppName:     "unknown",
			WindowTitle: "unknown",
		}
		if info, err := d.Info(); err == nil {
			shot.CreatedAt = info.ModTime().UTC()
		}
		if _, err := r.cfg.Storage.Screenshots().Add(ctx, shot); err != nil {
			r.cfg.Log.Warn("Failed to adopt orphaned screenshot.", "path", path, "error", err)
			return nil
		}
		adopted++
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return adopted, trace.ConvertSystemError(err)
	}
	if adopted > 0 {
		r.cfg.Log.Info("Adopted orphaned screenshots.", "count", adopted)
	}
	return adopted, nil
}

// screenIDFromName parses the screen id out of
// screen_<id>_<timestamp>.png, defaulting to 1.
func screenIDFromName(name string) int {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 3 || parts[0] != "screen" {
		return 1
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id < 1 {
		return 1
	}
	return id
}

func hashKey(screenID int) string {
	return "screen:" + strconv.Itoa(screenID)
}
