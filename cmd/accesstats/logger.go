package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// configureRuntimeLogger writes structured logs to <log-dir>/accesstats.log
// and mirrors them to stderr unless quiet. The returned func closes the file.
func configureRuntimeLogger(cfg appConfig, stderr io.Writer) (*slog.Logger, func()) {
	level := slog.LevelInfo
	switch {
	case cfg.Debug:
		level = slog.LevelDebug
	case cfg.Quiet >= 2:
		level = slog.LevelWarn
	}

	var writers []io.Writer
	if cfg.Quiet == 0 && stderr != nil {
		writers = append(writers, stderr)
	}

	cleanup := func() {}
	if err := os.MkdirAll(cfg.LogDir, 0755); err == nil {
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, defaultLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			writers = append(writers, f)
			cleanup = func() { _ = f.Close() }
		}
	}
	if len(writers) == 0 && stderr != nil {
		writers = append(writers, stderr)
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, cleanup
}
