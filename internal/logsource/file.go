package logsource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tinytelemetry/accesstats/internal/checkpoint"
)

// Position is the committed read position of a file.
type Position struct {
	Inode  uint64
	Offset int64
}

func (p Position) encode() []byte {
	return []byte(strconv.FormatUint(p.Inode, 10) + "\n" + strconv.FormatInt(p.Offset, 10) + "\n")
}

func decodePosition(data []byte) (Position, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return Position{}, fmt.Errorf("logsource: malformed offset file: %d fields", len(fields))
	}
	inode, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("logsource: parse inode: %w", err)
	}
	off, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || off < 0 {
		return Position{}, fmt.Errorf("logsource: parse offset %q", fields[1])
	}
	return Position{Inode: inode, Offset: off}, nil
}

// FileConfig configures a FileSource.
type FileConfig struct {
	Path     string
	Offset   *checkpoint.SafeFile // committed read position
	MaxLines int                  // 0 = unbounded
	Logger   *slog.Logger
}

// FileSource tails a growing file from its last committed offset.
type FileSource struct {
	path     string
	offset   *checkpoint.SafeFile
	maxLines int
	logger   *slog.Logger

	pos      Position
	consumed bool
	opened   bool
}

// NewFileSource creates a tailer. The committed position is read lazily by
// Lines.
func NewFileSource(cfg FileConfig) (*FileSource, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logsource: path is empty")
	}
	if cfg.Offset == nil {
		return nil, errors.New("logsource: offset file is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:     cfg.Path,
		offset:   cfg.Offset,
		maxLines: cfg.MaxLines,
		logger:   logger,
	}, nil
}

// Committed returns the last committed position.
func (s *FileSource) Committed() (Position, bool, error) {
	data, err := s.offset.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Position{}, false, nil
		}
		return Position{}, false, fmt.Errorf("logsource: read offset: %w", err)
	}
	pos, err := decodePosition(data)
	if err != nil {
		return Position{}, false, err
	}
	return pos, true, nil
}

// Position returns the position after the last yielded line.
func (s *FileSource) Position() Position { return s.pos }

func (s *FileSource) open() (*os.File, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("logsource: open: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logsource: stat: %w", err)
	}
	inode, err := fileIdentity(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logsource: identity: %w", err)
	}

	prev, found, err := s.Committed()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.pos = Position{Inode: inode}
	switch {
	case !found:
	case prev.Inode != inode:
		s.logger.Warn("log file rotated, reading from start", "path", s.path, "old_inode", prev.Inode, "inode", inode)
	case prev.Offset > fi.Size():
		s.logger.Warn("log file truncated, reading from start", "path", s.path, "offset", prev.Offset, "size", fi.Size())
	default:
		s.pos.Offset = prev.Offset
	}

	if _, err := f.Seek(s.pos.Offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logsource: seek: %w", err)
	}
	return f, nil
}

// Lines yields the complete lines appended since the committed offset,
// without their line terminators. A trailing line without a newline is left
// for the next run.
func (s *FileSource) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.consumed {
			yield("", ErrConsumed)
			return
		}
		s.consumed = true

		f, err := s.open()
		if err != nil {
			yield("", err)
			return
		}
		defer f.Close()
		s.opened = true

		reader := bufio.NewReaderSize(f, 64*1024)
		n := 0
		for s.maxLines <= 0 || n < s.maxLines {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", fmt.Errorf("logsource: read: %w", err))
				}
				return
			}
			s.pos.Offset += int64(len(line))
			n++
			if !yield(strings.TrimRight(line, "\r\n"), nil) {
				return
			}
		}
	}
}

// Commit persists the position after the last yielded line.
func (s *FileSource) Commit() error {
	if !s.opened {
		return nil
	}
	if err := s.offset.Write(s.pos.encode()); err != nil {
		return fmt.Errorf("logsource: commit offset: %w", err)
	}
	return nil
}

func (s *FileSource) Name() string { return "file" }
