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
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/lifetrace/lib/ai"
	"github.com/gravitational/lifetrace/lib/config"
	"github.com/gravitational/lifetrace/lib/storage"
	"github.com/gravitational/lifetrace/lib/vector"
)

type fakeRecognizer struct {
	lines []Line
	calls int
}

func (r *fakeRecognizer) Recognize(ctx context.Context, img image.Image) ([]Line, error) {
	r.calls++
	return r.lines, nil
}

// embedOnlyOracle serves embeddings; the chat surface is never reached
// from the OCR worker.
type embedOnlyOracle struct{}

func (embedOnlyOracle) Summarize(ctx context.Context, events []ai.EventDigest) (ai.Summary, error) {
	return ai.Summary{}, trace.NotImplemented("not used")
}

func (embedOnlyOracle) ClassifyTodo(ctx context.Context, app, title, text string) (ai.TodoCandidate, error) {
	return ai.TodoCandidate{}, trace.NotImplemented("not used")
}

func (embedOnlyOracle) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestStore(t *testing.T, clock clockwork.Clock) (*storage.Storage, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(context.Background(), storage.Config{
		Path:  filepath.Join(dir, "lifetrace.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func writeFrame(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	require.NoError(t, f.Close())
	return path
}

func addShot(t *testing.T, store *storage.Storage, path string) int64 {
	t.Helper()
	id, err := store.Screenshots().Add(context.Background(), storage.Screenshot{
		FilePath:    path,
		FileHash:    "hash-" + filepath.Base(path),
		Width:       8,
		Height:      8,
		ScreenID:    1,
		AppName:     "firefox",
		WindowTitle: "docs",
	})
	require.NoError(t, err)
	return id
}

func staticParams(p config.OCRParams) func() (config.OCRParams, error) {
	return func() (config.OCRParams, error) { return p, nil }
}

func TestTickRecognizesAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	store, dir := newTestStore(t, clock)
	id := addShot(t, store, writeFrame(t, dir, "a.png"))

	rec := &fakeRecognizer{lines: []Line{
		{Text: "review the design doc", Confidence: 0.9},
		{Text: "noise", Confidence: 0.2},
	}}
	w, err := NewWorker(WorkerConfig{
		Storage:    store,
		Recognizer: rec,
		Params:     staticParams(config.OCRParams{Language: "en", ConfidenceThreshold: 0.5}),
		Clock:      clock,
	})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))

	res, err := store.OCR().GetByScreenshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "review the design doc", res.TextContent)
	require.InDelta(t, 0.9, res.Confidence, 1e-9)
	require.Equal(t, "en", res.Language)
	require.NotEmpty(t, res.TextHash)

	shot, err := store.Screenshots().GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, shot.Processed)

	// A second tick finds nothing to do.
	require.NoError(t, w.Tick(ctx))
	require.Equal(t, 1, rec.calls)
}

func TestTickMarksMissingFileDeleted(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	store, dir := newTestStore(t, clock)
	path := writeFrame(t, dir, "gone.png")
	id := addShot(t, store, path)
	require.NoError(t, os.Remove(path))

	w, err := NewWorker(WorkerConfig{
		Storage:    store,
		Recognizer: &fakeRecognizer{},
		Clock:      clock,
	})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))

	shot, err := store.Screenshots().GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, shot.FileDeleted)
	_, err = store.OCR().GetByScreenshot(ctx, id)
	require.True(t, trace.IsNotFound(err))
}

func TestTickUpsertsVectorDocument(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	store, dir := newTestStore(t, clock)
	addShot(t, store, writeFrame(t, dir, "a.png"))

	idx, err := vector.Open(ctx, vector.Config{
		Path:  filepath.Join(dir, "vectors.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	w, err := NewWorker(WorkerConfig{
		Storage:    store,
		Recognizer: &fakeRecognizer{lines: []Line{{Text: "meeting notes", Confidence: 0.8}}},
		Index:      idx,
		Oracle:     embedOnlyOracle{},
		Clock:      clock,
	})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "meeting notes", matches[0].Text)
}

func TestLazyInitFallsBack(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	store, dir := newTestStore(t, clock)
	id := addShot(t, store, writeFrame(t, dir, "a.png"))

	primaryCalls := 0
	w, err := NewWorker(WorkerConfig{
		Storage: store,
		Factory: func(lang string) (Recognizer, error) {
			primaryCalls++
			return nil, trace.BadParameter("engine unavailable")
		},
		Fallback: func(lang string) (Recognizer, error) {
			return &fakeRecognizer{lines: []Line{{Text: "fallback", Confidence: 1}}}, nil
		},
		Clock: clock,
	})
	require.NoError(t, err)
	require.NoError(t, w.Tick(ctx))
	require.Equal(t, 1, primaryCalls)

	res, err := store.OCR().GetByScreenshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "fallback", res.TextContent)

	// The fallback recognizer is cached across ticks.
	require.NoError(t, w.Tick(ctx))
	require.Equal(t, 1, primaryCalls)
}

func TestLazyInitPropagatesDoubleFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	store, _ := newTestStore(t, clock)

	fail := func(lang string) (Recognizer, error) {
		return nil, trace.BadParameter("engine unavailable")
	}
	w, err := NewWorker(WorkerConfig{
		Storage:  store,
		Factory:  fail,
		Fallback: fail,
		Clock:    clock,
	})
	require.NoError(t, err)
	require.Error(t, w.Tick(context.Background()))
}

func TestJoinLines(t *testing.T) {
	text, conf := joinLines([]Line{
		{Text: "keep one", Confidence: 0.8},
		{Text: "drop", Confidence: 0.1},
		{Text: "keep two", Confidence: 0.6},
	}, 0.5)
	require.Equal(t, "keep one\nkeep two", text)
	require.InDelta(t, 0.7, conf, 1e-9)

	text, conf = joinLines(nil, 0.5)
	require.Empty(t, text)
	require.Zero(t, conf)
}

func TestTextHashNormalizes(t *testing.T) {
	require.Equal(t, textHash("Hello  World"), textHash("hello\nworld"))
	require.Empty(t, textHash("   "))
}

func TestParseTSV(t *testing.T) {
	out := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tHello\n" +
		"5\t1\t1\t1\t1\t2\t12\t0\t10\t10\t80\tworld\n" +
		"4\t1\t1\t1\t2\t0\t0\t12\t20\t10\t-1\t\n" +
		"5\t1\t1\t1\t2\t1\t0\t12\t10\t10\t60\tbye\n"
	lines := parseTSV(out)
	require.Len(t, lines, 2)
	require.Equal(t, "Hello world", lines[0].Text)
	require.InDelta(t, 0.85, lines[0].Confidence, 1e-9)
	require.Equal(t, "bye", lines[1].Text)
	require.InDelta(t, 0.6, lines[1].Confidence, 1e-9)
}
