// Package checkpoint persists run state with a crash-safe main/old/tmp
// file rotation.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

var unsafeChars = regexp.MustCompile(`\W`)

// Sanitize maps an artifact identity (usually a log file path) to a flat
// file name.
func Sanitize(identity string) string {
	return unsafeChars.ReplaceAllString(identity, "_")
}

// SafeFile is a named artifact committed through three slots: Main holds
// the last committed content, Old the previous Main, and Tmp the content
// being written by this process.
type SafeFile struct {
	Main string
	Old  string
	Tmp  string

	logger *slog.Logger
}

// NewSafeFile derives the slot paths for identity+suffix under workdir.
func NewSafeFile(workdir, identity, suffix string, logger *slog.Logger) *SafeFile {
	if logger == nil {
		logger = slog.Default()
	}
	main := filepath.Join(workdir, Sanitize(identity+suffix))
	return &SafeFile{
		Main:   main,
		Old:    main + ".old",
		Tmp:    fmt.Sprintf("%s.%d.tmp", main, os.Getpid()),
		logger: logger,
	}
}

// Read returns the committed content. A missing Main is reported with an
// error matching os.ErrNotExist.
func (f *SafeFile) Read() ([]byte, error) {
	return os.ReadFile(f.Main)
}

// WriteTmp writes and syncs data to the Tmp slot without touching Main.
func (f *SafeFile) WriteTmp(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Tmp), defaultDirMode); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	tf, err := os.OpenFile(f.Tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("checkpoint: open tmp: %w", err)
	}
	if _, err := tf.Write(data); err != nil {
		_ = tf.Close()
		_ = os.Remove(f.Tmp)
		return fmt.Errorf("checkpoint: write tmp: %w", err)
	}
	if err := tf.Sync(); err != nil {
		_ = tf.Close()
		_ = os.Remove(f.Tmp)
		return fmt.Errorf("checkpoint: sync tmp: %w", err)
	}
	if err := tf.Close(); err != nil {
		_ = os.Remove(f.Tmp)
		return fmt.Errorf("checkpoint: close tmp: %w", err)
	}
	return nil
}

// Commit backs up Main to Old and atomically renames Tmp over Main.
// A failed backup is logged and does not stop the commit.
func (f *SafeFile) Commit() error {
	if err := f.backup(); err != nil {
		f.logger.Warn("checkpoint: backup failed", "main", f.Main, "old", f.Old, "err", err)
	}
	if err := os.Rename(f.Tmp, f.Main); err != nil {
		return fmt.Errorf("checkpoint: rename tmp: %w", err)
	}
	f.logger.Debug("checkpoint: committed", "main", f.Main)
	return nil
}

// Write stores data through the tmp slot and commits it.
func (f *SafeFile) Write(data []byte) error {
	if err := f.WriteTmp(data); err != nil {
		return err
	}
	return f.Commit()
}

func (f *SafeFile) backup() error {
	src, err := os.Open(f.Main)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(f.Old, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// RemoveTmp deletes this process's Tmp slot if present.
func (f *SafeFile) RemoveTmp() error {
	if err := os.Remove(f.Tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: remove tmp: %w", err)
	}
	return nil
}

// CleanStale removes tmp slots left behind by any process and returns how
// many were removed. Main and Old are never touched.
func (f *SafeFile) CleanStale() (int, error) {
	matches, err := filepath.Glob(globEscape(f.Main) + ".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("checkpoint: glob tmp: %w", err)
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("checkpoint: remove stale tmp: %w", err)
		}
		f.logger.Info("checkpoint: removed stale tmp", "path", m)
		removed++
	}
	return removed, nil
}

// Remove backs up Main to Old and deletes Main so the next run starts over.
func (f *SafeFile) Remove() error {
	if err := f.backup(); err != nil {
		f.logger.Warn("checkpoint: backup failed", "main", f.Main, "old", f.Old, "err", err)
	}
	if err := f.RemoveTmp(); err != nil {
		return err
	}
	if err := os.Remove(f.Main); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: remove main: %w", err)
	}
	return nil
}

var globMeta = regexp.MustCompile(`[\[\]*?\\]`)

func globEscape(path string) string {
	return globMeta.ReplaceAllString(path, `\$0`)
}
