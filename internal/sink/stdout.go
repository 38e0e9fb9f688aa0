package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// Stdout prints points as indented JSON instead of delivering them.
type Stdout struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewStdout returns a dry-run sink writing to w, or os.Stdout when w is nil.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: w}
}

func (s *Stdout) Name() string { return NameStdout }

func (s *Stdout) Prepare(context.Context) error { return nil }

func (s *Stdout) Send(ctx context.Context, points []model.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if points == nil {
		points = []model.Point{}
	}
	enc := json.NewEncoder(s.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(points); err != nil {
		return fmt.Errorf("sink: stdout: %w", err)
	}
	return nil
}

func (s *Stdout) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
