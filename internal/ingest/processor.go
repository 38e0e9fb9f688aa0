package ingest

import (
	"log/slog"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// Processor turns raw lines into records according to its failure mode.
type Processor struct {
	mode      string
	logger    *slog.Logger
	malformed int
}

func newProcessor(mode string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{mode: mode, logger: logger}
}

// Name returns the failure mode.
func (p *Processor) Name() string { return p.mode }

// ProcessLine parses one line. In permissive mode a malformed line is
// logged, counted and reported as skipped (ok=false, err=nil).
func (p *Processor) ProcessLine(line string) (rec model.Record, ok bool, err error) {
	rec, err = ParseLine(line)
	if err == nil {
		return rec, true, nil
	}
	if p.mode != ModePermissive {
		return model.Record{}, false, err
	}
	p.malformed++
	p.logger.Warn("skipping malformed line", "err", err)
	return model.Record{}, false, nil
}

// Malformed returns the number of lines skipped in permissive mode.
func (p *Processor) Malformed() int { return p.malformed }
