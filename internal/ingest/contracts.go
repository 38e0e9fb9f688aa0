package ingest

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	// ModeStrict aborts the run on the first malformed line.
	ModeStrict = "strict"
	// ModePermissive counts and skips malformed lines.
	ModePermissive = "permissive"
)

// NewProcessor creates a line processor for the given failure mode.
// An empty mode selects ModeStrict.
func NewProcessor(mode string, logger *slog.Logger) (*Processor, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeStrict:
		return newProcessor(ModeStrict, logger), nil
	case ModePermissive:
		return newProcessor(ModePermissive, logger), nil
	default:
		return nil, fmt.Errorf("ingest: unknown processor mode %q", mode)
	}
}
