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

// Command lifetrace runs the background recording pipeline: screenshot
// capture, OCR, activity aggregation, retention, and todo reminders.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/defaults"
	"github.com/gravitational/lifetrace/lib/service"
)

func main() {
	app := kingpin.New("lifetrace", "Life recording background pipeline.")
	app.Version(lifetrace.Version)

	dataDir := app.Flag("data-dir", "User data directory.").
		Envar(defaults.DataDirEnvVar).String()
	host := app.Flag("host", "API bind address.").
		Default(defaults.HTTPListenAddr).String()
	port := app.Flag("port", "API bind port.").
		Default(fmt.Sprintf("%d", defaults.HTTPListenPort)).Int()
	interval := app.Flag("interval", "Recorder interval in seconds for this run.").
		Default("0").Int()
	screens := app.Flag("screens", "Monitors to capture, 'all' or a comma-separated id list.").
		String()
	debug := app.Flag("debug", "Also log at debug level to stderr.").Bool()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := service.Config{
		DataDir: *dataDir,
		Host:    *host,
		Port:    *port,
		Screens: *screens,
	}
	if *interval > 0 {
		cfg.RecorderInterval = time.Duration(*interval) * time.Second
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
	cfg.Log = newLogger(filepath.Join(cfg.DataDir, defaults.LogsDirName), *debug)

	svc, err := service.New(ctx, cfg)
	if err != nil {
		cfg.Log.Error("Failed to initialize the pipeline.", "error", err)
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		cfg.Log.Error("Failed to start the pipeline.", "error", err)
		svc.Close()
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	cfg.Log.Info("Shutting down.")
	svc.Close()
}

// newLogger fans log records out to the rotating main log, a warnings-
// and-up error log, and optionally stderr.
func newLogger(dir string, debug bool) *slog.Logger {
	mainOut := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "lifetrace.log"),
		MaxSize:    50, // MB
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	}
	errorOut := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "lifetrace.error.log"),
		MaxSize:    50,
		MaxBackups: 7,
		MaxAge:     30,
		Compress:   true,
	}
	handlers := []slog.Handler{
		slog.NewJSONHandler(mainOut, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(errorOut, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	if debug {
		handlers = append(handlers,
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(multiHandler(handlers))
}

// multiHandler dispatches each record to every handler whose level
// admits it.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, h := range m {
		if h.Enabled(ctx, rec.Level) {
			if err := h.Handle(ctx, rec.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
