package duckdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionInterval is how often Run prunes when no interval is set.
const DefaultRetentionInterval = time.Hour

// RetentionConfig holds configuration for point retention.
type RetentionConfig struct {
	RetentionDays int // 0 keeps everything
	Interval      time.Duration
	Logger        *slog.Logger
}

// Retention deletes points older than a fixed number of days.
type Retention struct {
	store    *Store
	days     int
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetention returns nil when cfg.RetentionDays is 0 or negative.
func NewRetention(store *Store, cfg RetentionConfig) *Retention {
	if cfg.RetentionDays <= 0 {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetentionInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retention{
		store:    store,
		days:     cfg.RetentionDays,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Days returns the retention period in days.
func (r *Retention) Days() int { return r.days }

// Cutoff is the oldest timestamp that survives a cleanup.
func (r *Retention) Cutoff() time.Time {
	return r.now().Add(-time.Duration(r.days) * 24 * time.Hour)
}

// Cleanup deletes expired points once and returns the number removed.
func (r *Retention) Cleanup(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteBefore(ctx, r.Cutoff())
	if err != nil {
		return 0, fmt.Errorf("duckdb: retention: %w", err)
	}
	if n > 0 {
		r.logger.Info("duckdb: pruned expired points", "deleted", n, "retention_days", r.days)
	}
	return n, nil
}

// Run cleans up immediately, then every interval, until ctx is done.
// Failed cleanups are logged and retried on the next tick.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Cleanup(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("duckdb: retention cleanup failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
