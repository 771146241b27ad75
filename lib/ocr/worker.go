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

package ocr

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/png"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/ai"
	"github.com/gravitational/lifetrace/lib/config"
	"github.com/gravitational/lifetrace/lib/defaults"
	"github.com/gravitational/lifetrace/lib/storage"
	"github.com/gravitational/lifetrace/lib/vector"
)

var (
	framesRecognized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifetrace_ocr_frames_total",
		Help: "Number of screenshots run through the recognizer.",
	})
	framesMissing = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifetrace_ocr_missing_files_total",
		Help: "Number of screenshots whose file vanished before recognition.",
	})
)

func init() {
	prometheus.MustRegister(framesRecognized, framesMissing)
}

// WorkerConfig configures the OCR worker.
type WorkerConfig struct {
	// Storage is the relational store.
	Storage *storage.Storage
	// Params returns the current OCR parameters.
	Params func() (config.OCRParams, error)
	// Recognizer, when set, is used directly instead of the factories.
	Recognizer Recognizer
	// Factory builds the primary recognizer on first use.
	Factory Factory
	// Fallback builds the minimal recognizer when Factory fails.
	Fallback Factory
	// Index receives one document per recognized screenshot. Optional.
	Index vector.Index
	// Oracle computes embeddings for Index. Optional.
	Oracle ai.Oracle
	// BatchSize is how many screenshots one tick takes.
	BatchSize int
	// Delay is the pause between images within one tick.
	Delay time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the worker logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WorkerConfig) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Params == nil {
		c.Params = func() (config.OCRParams, error) {
			var s config.Snapshot
			return s.OCRParams()
		}
	}
	if c.Recognizer == nil && c.Factory == nil {
		c.Factory = NewTesseract
	}
	if c.Fallback == nil {
		c.Fallback = NewTesseractMinimal
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.OCRBatchSize
	}
	if c.Delay <= 0 {
		c.Delay = defaults.OCRProcessingDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentOCR)
	}
	return nil
}

// Worker drains unprocessed screenshots through the recognizer. The
// recognizer is initialized lazily so a broken OCR install does not
// prevent the rest of the pipeline from starting.
type Worker struct {
	cfg WorkerConfig

	mu  sync.Mutex
	rec Recognizer
}

// NewWorker returns an OCR worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{cfg: cfg, rec: cfg.Recognizer}, nil
}

// Tick processes one batch of unprocessed screenshots, newest first.
func (w *Worker) Tick(ctx context.Context) error {
	return w.run(ctx, w.cfg.BatchSize, w.cfg.Delay)
}

// ProactiveTick processes a handful of the most recent captures without
// the inter-image delay, so what is on screen right now becomes
// searchable quickly. Disabled by default.
func (w *Worker) ProactiveTick(ctx context.Context) error {
	return w.run(ctx, 5, 0)
}

// Text recognizes one in-memory frame without touching storage. The
// todo detector uses it on frames that are never persisted.
func (w *Worker) Text(ctx context.Context, img image.Image) (string, error) {
	params, err := w.cfg.Params()
	if err != nil {
		return "", trace.Wrap(err)
	}
	rec, err := w.recognizer(params.Language)
	if err != nil {
		return "", trace.Wrap(err)
	}
	lines, err := rec.Recognize(ctx, preprocess(img))
	if err != nil {
		return "", trace.Wrap(err)
	}
	text, _ := joinLines(lines, params.ConfidenceThreshold)
	return text, nil
}

func (w *Worker) run(ctx context.Context, batch int, delay time.Duration) error {
	params, err := w.cfg.Params()
	if err != nil {
		return trace.Wrap(err)
	}
	rec, err := w.recognizer(params.Language)
	if err != nil {
		return trace.Wrap(err)
	}
	shots, err := w.cfg.Storage.Screenshots().Unprocessed(ctx, batch)
	if err != nil {
		return trace.Wrap(err)
	}
	for i, shot := range shots {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		if i > 0 && delay > 0 {
			w.cfg.Clock.Sleep(delay)
		}
		if err := w.process(ctx, rec, params, shot); err != nil {
			w.cfg.Log.WarnContext(ctx, "Failed to process screenshot.",
				"screenshot_id", shot.ID, "path", shot.FilePath, "error", err)
		}
	}
	return nil
}

func (w *Worker) process(ctx context.Context, rec Recognizer, params config.OCRParams, shot storage.Screenshot) error {
	img, err := loadImage(shot.FilePath)
	if err != nil {
		if trace.IsNotFound(err) {
			framesMissing.Inc()
			w.cfg.Log.DebugContext(ctx, "Screenshot file is gone, marking deleted.",
				"screenshot_id", shot.ID, "path", shot.FilePath)
			return trace.Wrap(w.cfg.Storage.Screenshots().MarkFileDeleted(ctx, shot.ID))
		}
		return trace.Wrap(err)
	}

	started := w.cfg.Clock.Now()
	lines, err := rec.Recognize(ctx, preprocess(img))
	if err != nil {
		return trace.Wrap(err)
	}
	framesRecognized.Inc()

	text, confidence := joinLines(lines, params.ConfidenceThreshold)
	res := storage.OCRResult{
		ScreenshotID:   shot.ID,
		TextContent:    text,
		TextHash:       textHash(text),
		Confidence:     confidence,
		Language:       params.Language,
		ProcessingTime: w.cfg.Clock.Now().Sub(started),
	}
	if _, err := w.cfg.Storage.OCR().Add(ctx, res); err != nil {
		return trace.Wrap(err)
	}

	w.index(ctx, shot.ID, text)
	return nil
}

// index upserts the recognized text into the vector store. Embedding
// unavailability degrades to a log line; search lags, recognition does
// not.
func (w *Worker) index(ctx context.Context, screenshotID int64, text string) {
	if w.cfg.Index == nil || w.cfg.Oracle == nil || text == "" {
		return
	}
	vec, err := w.cfg.Oracle.Embed(ctx, text)
	if err != nil {
		if ai.IsUnavailable(err) {
			w.cfg.Log.DebugContext(ctx, "Embedding service unavailable, skipping index.",
				"screenshot_id", screenshotID)
			return
		}
		w.cfg.Log.WarnContext(ctx, "Failed to embed screenshot text.",
			"screenshot_id", screenshotID, "error", err)
		return
	}
	doc := vector.Document{
		ID:     fmt.Sprintf("screenshot_%d", screenshotID),
		Text:   text,
		Vector: vec,
	}
	if err := w.cfg.Index.Upsert(ctx, doc); err != nil {
		w.cfg.Log.WarnContext(ctx, "Failed to index screenshot text.",
			"screenshot_id", screenshotID, "error", err)
	}
}

// recognizer returns the cached recognizer, constructing it on first
// use. A failed primary construction falls back to the minimal one; if
// both fail the error propagates and the next tick retries.
func (w *Worker) recognizer(lang string) (Recognizer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rec != nil {
		return w.rec, nil
	}
	rec, err := w.cfg.Factory(lang)
	if err != nil {
		w.cfg.Log.Warn("Primary recognizer init failed, trying minimal config.", "error", err)
		if rec, err = w.cfg.Fallback(lang); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	w.rec = rec
	return rec, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return img, nil
}

// joinLines concatenates lines at or above the confidence threshold and
// returns the mean confidence of the kept lines.
func joinLines(lines []Line, threshold float64) (string, float64) {
	var parts []string
	var sum float64
	for _, l := range lines {
		if l.Confidence < threshold {
			continue
		}
		parts = append(parts, l.Text)
		sum += l.Confidence
	}
	if len(parts) == 0 {
		return "", 0
	}
	return strings.Join(parts, "\n"), sum / float64(len(parts))
}

// textHash is the MD5 of the whitespace-normalized, lowercased text.
// Empty text hashes to the empty string so the column stays null.
func textHash(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if norm == "" {
		return ""
	}
	sum := md5.Sum([]byte(norm))
	return hex.EncodeToString(sum[:])
}
