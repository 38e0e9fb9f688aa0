// Package pipeline runs one tail, aggregate and deliver invocation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tinytelemetry/accesstats/internal/aggregate"
	"github.com/tinytelemetry/accesstats/internal/bucket"
	"github.com/tinytelemetry/accesstats/internal/checkpoint"
	"github.com/tinytelemetry/accesstats/internal/delivery"
	"github.com/tinytelemetry/accesstats/internal/emit"
	"github.com/tinytelemetry/accesstats/internal/ingest"
	"github.com/tinytelemetry/accesstats/internal/model"
)

// ErrCheckpointMismatch is returned when the committed checkpoint carries
// leftover records produced under a different bucket duration or lookback.
var ErrCheckpointMismatch = errors.New("pipeline: checkpoint configuration mismatch")

// Config holds the per-run settings.
type Config struct {
	BucketDuration     int64 // seconds
	LookbackFactor     int64 // buckets
	SkipToEnd          bool  // cold start discards the existing backlog
	Permissive         bool  // skip malformed lines instead of aborting
	RetryQueueCapacity int
	SendTimeout        time.Duration
	GlobalTags         map[string]string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BucketDuration:     model.DefaultBucketDuration,
		LookbackFactor:     model.DefaultLookbackFactor,
		SkipToEnd:          true,
		RetryQueueCapacity: model.DefaultRetryQueueCapacity,
		SendTimeout:        model.DefaultSendTimeout,
	}
}

// Runner wires a line source, the checkpoint store and a sender.
type Runner struct {
	cfg         Config
	source      model.LineSource
	sender      delivery.Sender
	checkpoints *checkpoint.Store
	logger      *slog.Logger
	now         func() time.Time
}

// NewRunner validates cfg and returns a runner. The caller owns the lock
// and the lifetime of every collaborator.
func NewRunner(cfg Config, source model.LineSource, sender delivery.Sender, checkpoints *checkpoint.Store, logger *slog.Logger) (*Runner, error) {
	if err := (bucket.Config{Duration: cfg.BucketDuration, Lookback: cfg.LookbackFactor}).Validate(); err != nil {
		return nil, err
	}
	if cfg.RetryQueueCapacity < 0 {
		return nil, fmt.Errorf("pipeline: negative retry queue capacity %d", cfg.RetryQueueCapacity)
	}
	if source == nil || sender == nil || checkpoints == nil {
		return nil, errors.New("pipeline: source, sender and checkpoint store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:         cfg,
		source:      source,
		sender:      sender,
		checkpoints: checkpoints,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Run processes every new line once. Nothing is committed unless the whole
// run succeeds; the checkpoint is committed before the source offset.
func (r *Runner) Run(ctx context.Context) (model.RunSummary, error) {
	var sum model.RunSummary

	cp, cold, err := r.restore()
	if err != nil {
		return sum, err
	}
	sum.ColdStart = cold

	engine := aggregate.NewEngine()
	store, err := bucket.NewStore(
		bucket.Config{Duration: cp.BucketDuration, Lookback: cp.LookbackFactor},
		cp.LastSeen, cp.Leftover, engine, r.logger,
	)
	if err != nil {
		return sum, err
	}

	if sum.ColdStart && r.cfg.SkipToEnd {
		err = r.skipBacklog(ctx, store, &sum)
	} else {
		err = r.ingest(ctx, store, &sum)
	}
	if err != nil {
		return sum, err
	}

	leftover := store.End()
	sum.Stale = store.Stale()
	sum.Drained = store.Drained()
	sum.Dropped = store.Dropped()
	for _, recs := range leftover {
		sum.Leftover += len(recs)
	}

	snapshot := engine.Finalize()
	points := slices.Collect(emit.Points(snapshot, emit.Options{
		BucketDuration: cp.BucketDuration,
		GlobalTags:     r.cfg.GlobalTags,
	}))

	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("pipeline: cancelled before delivery: %w", err)
	}

	queue, err := delivery.NewQueue(r.sender, cp.RetryQueue, delivery.Config{
		Capacity: r.cfg.RetryQueueCapacity,
		Timeout:  r.cfg.SendTimeout,
	}, r.logger)
	if err != nil {
		return sum, err
	}
	res := queue.Deliver(ctx, points)
	sum.PointsSent = res.Resent + res.Sent
	sum.BatchesQueued = queue.Len()
	sum.Evicted = queue.Evicted()
	for _, b := range queue.Batches() {
		sum.PointsQueued += len(b)
	}

	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("pipeline: cancelled before commit: %w", err)
	}

	next := checkpoint.Checkpoint{
		SavedAt:        r.now().Unix(),
		LastSeen:       store.LastSeen(),
		BucketDuration: cp.BucketDuration,
		LookbackFactor: cp.LookbackFactor,
		Leftover:       leftover,
		RetryQueue:     queue.Batches(),
	}
	if err := r.commit(next); err != nil {
		return sum, err
	}
	if err := r.source.Commit(); err != nil {
		return sum, fmt.Errorf("pipeline: commit source offset: %w", err)
	}
	return sum, nil
}

// restore loads the committed checkpoint or synthesizes the first-run state.
// Bucket geometry is fixed by the first checkpoint; configured values only
// apply to a fresh one.
func (r *Runner) restore() (cp checkpoint.Checkpoint, cold bool, err error) {
	cp, found, err := r.checkpoints.Load()
	if err != nil {
		return cp, false, err
	}
	if !found {
		r.logger.Info("no checkpoint found, starting fresh",
			"bucket_duration", r.cfg.BucketDuration,
			"lookback_factor", r.cfg.LookbackFactor,
			"skip_to_end", r.cfg.SkipToEnd,
		)
		return checkpoint.New(r.cfg.BucketDuration, r.cfg.LookbackFactor), true, nil
	}

	if cp.BucketDuration == r.cfg.BucketDuration && cp.LookbackFactor == r.cfg.LookbackFactor {
		return cp, false, nil
	}
	if n := cp.LeftoverRecords(); n > 0 {
		return cp, false, fmt.Errorf("%w: checkpoint has bucket_duration=%d lookback_factor=%d with %d leftover records, configured bucket_duration=%d lookback_factor=%d",
			ErrCheckpointMismatch,
			cp.BucketDuration, cp.LookbackFactor, n,
			r.cfg.BucketDuration, r.cfg.LookbackFactor,
		)
	}
	r.logger.Warn("checkpoint bucket settings differ, keeping checkpoint values",
		"checkpoint_bucket_duration", cp.BucketDuration,
		"checkpoint_lookback_factor", cp.LookbackFactor,
		"bucket_duration", r.cfg.BucketDuration,
		"lookback_factor", r.cfg.LookbackFactor,
	)
	return cp, false, nil
}

// skipBacklog scans the available lines for their newest timestamp only and
// primes the store past it.
func (r *Runner) skipBacklog(ctx context.Context, store *bucket.Store, sum *model.RunSummary) error {
	var newest float64
	for line, err := range r.source.Lines() {
		if err != nil {
			return fmt.Errorf("pipeline: read: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline: cancelled: %w", err)
		}
		ts, err := ingest.ParseTimestamp(line)
		if err != nil {
			if !r.cfg.Permissive {
				return fmt.Errorf("pipeline: line %d: %w", sum.Skipped+sum.Malformed+1, err)
			}
			sum.Malformed++
			continue
		}
		sum.Skipped++
		newest = max(newest, ts)
	}
	store.Prime(newest)
	r.logger.Info("cold start, skipped existing lines", "lines", sum.Skipped, "last_seen", store.LastSeen())
	return nil
}

func (r *Runner) ingest(ctx context.Context, store *bucket.Store, sum *model.RunSummary) error {
	mode := ingest.ModeStrict
	if r.cfg.Permissive {
		mode = ingest.ModePermissive
	}
	proc, err := ingest.NewProcessor(mode, r.logger)
	if err != nil {
		return err
	}

	lineNo := 0
	for line, err := range r.source.Lines() {
		if err != nil {
			return fmt.Errorf("pipeline: read: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline: cancelled: %w", err)
		}
		lineNo++
		rec, ok, err := proc.ProcessLine(line)
		if err != nil {
			return fmt.Errorf("pipeline: line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		sum.Parsed++
		if _, err := store.Add(rec); err != nil {
			return err
		}
	}
	sum.Malformed = proc.Malformed()
	return nil
}

func (r *Runner) commit(cp checkpoint.Checkpoint) error {
	if err := r.checkpoints.Stage(cp); err != nil {
		r.discard()
		return err
	}
	if err := r.checkpoints.Commit(); err != nil {
		r.discard()
		return err
	}
	return nil
}

func (r *Runner) discard() {
	if err := r.checkpoints.Discard(); err != nil {
		r.logger.Warn("failed to remove staged checkpoint", "err", err)
	}
}
