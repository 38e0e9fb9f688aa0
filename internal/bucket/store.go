// Package bucket windows records into fixed-width time buckets and releases
// each bucket once it can no longer receive out-of-order records.
package bucket

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// ErrInvalidConfig is returned for a non-positive duration or negative lookback.
var ErrInvalidConfig = errors.New("bucket: invalid configuration")

// Index returns the bucket holding a timestamp: ceil(msec / duration).
func Index(msec float64, duration int64) int64 {
	return int64(math.Ceil(msec / float64(duration)))
}

// Consumer receives buckets that are ready for aggregation.
type Consumer interface {
	Consume(index int64, records []model.Record) error
}

// Config parameterizes a Store.
type Config struct {
	Duration int64 // seconds, > 0
	Lookback int64 // buckets, >= 0
}

// Validate checks the window parameters.
func (c Config) Validate() error {
	if c.Duration <= 0 || c.Lookback < 0 {
		return fmt.Errorf("%w: duration=%d lookback=%d", ErrInvalidConfig, c.Duration, c.Lookback)
	}
	return nil
}

// Store holds buckets that are not yet ready. It is not safe for
// concurrent use.
type Store struct {
	cfg       Config
	consumer  Consumer
	logger    *slog.Logger
	lastSeen  float64
	highWater int64
	// ignoreBefore is the last seen timestamp of the previous run. With no
	// lookback it is the only bound on the open bucket.
	ignoreBefore float64
	lastReleased int64
	buckets   map[int64][]model.Record

	staleCount int
	drained    int
	dropped    int
}

// NewStore restores a store from the previous run's last seen timestamp and
// leftover buckets.
func NewStore(cfg Config, lastSeen float64, leftover map[int64][]model.Record, consumer Consumer, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, errors.New("bucket: consumer is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		cfg:       cfg,
		consumer:  consumer,
		logger:    logger,
		lastSeen:     lastSeen,
		highWater:    Index(lastSeen, cfg.Duration),
		ignoreBefore: lastSeen,
		buckets:      make(map[int64][]model.Record, len(leftover)),
	}
	for idx, recs := range leftover {
		if len(recs) == 0 {
			continue
		}
		s.buckets[idx] = slices.Clone(recs)
		if idx > s.highWater {
			s.highWater = idx
		}
	}
	return s, nil
}

// Prime positions an empty store past the newest timestamp seen by a cold
// start scan so that the scanned backlog is never aggregated.
func (s *Store) Prime(maxMsec float64) {
	if maxMsec <= 0 {
		return
	}
	s.lastSeen = float64((Index(maxMsec, s.cfg.Duration) + s.cfg.Lookback) * s.cfg.Duration)
	s.highWater = Index(s.lastSeen, s.cfg.Duration)
	s.ignoreBefore = s.lastSeen
}

// frontier is the newest bucket that has already been released.
func (s *Store) frontier() int64 {
	return s.highWater - s.cfg.Lookback
}

// stale reports whether a record belongs to a bucket that was already
// released. Without lookback the newest bucket stays open for the whole run
// and is released after every record.
func (s *Store) stale(rec model.Record, idx int64) bool {
	if s.cfg.Lookback == 0 {
		return idx < s.highWater || rec.Msec <= s.ignoreBefore
	}
	return rec.Msec <= s.lastSeen-float64(s.cfg.Duration*s.cfg.Lookback) || idx <= s.frontier()
}

// Add places a record into its bucket and releases every bucket that became
// ready. It reports false when the record was stale and dropped.
func (s *Store) Add(rec model.Record) (bool, error) {
	idx := Index(rec.Msec, s.cfg.Duration)
	if s.stale(rec, idx) {
		s.staleCount++
		return false, nil
	}

	s.buckets[idx] = append(s.buckets[idx], rec)
	if rec.Msec > s.lastSeen {
		s.lastSeen = rec.Msec
	}
	switch {
	case idx > s.highWater:
		s.highWater = idx
	case s.cfg.Lookback > 0:
		return true, nil
	}
	if err := s.release(); err != nil {
		return true, err
	}
	return true, nil
}

// release hands every bucket at or below the frontier to the consumer in
// ascending order.
func (s *Store) release() error {
	limit := s.frontier()
	var ready []int64
	for idx := range s.buckets {
		if idx <= limit {
			ready = append(ready, idx)
		}
	}
	slices.Sort(ready)
	for _, idx := range ready {
		recs := s.buckets[idx]
		delete(s.buckets, idx)
		s.logger.Debug("bucket ready", "bucket", idx, "time", time.Unix(idx*s.cfg.Duration, 0).UTC(), "records", len(recs))
		if err := s.consumer.Consume(idx, recs); err != nil {
			return fmt.Errorf("bucket: consume %d: %w", idx, err)
		}
		if idx != s.lastReleased {
			s.drained++
			s.lastReleased = idx
		}
	}
	return nil
}

// End closes the run and returns the buckets to carry into the next one.
// Buckets that are neither ready nor within the lookback window are dropped.
func (s *Store) End() map[int64][]model.Record {
	limit := s.frontier()
	leftover := make(map[int64][]model.Record, len(s.buckets))
	for idx, recs := range s.buckets {
		if idx > limit {
			leftover[idx] = recs
			continue
		}
		s.dropped++
		s.logger.Warn("dropping bucket outside lookback window", "bucket", idx, "records", len(recs))
	}
	s.buckets = make(map[int64][]model.Record)
	return leftover
}

// LastSeen returns the newest accepted timestamp.
func (s *Store) LastSeen() float64 { return s.lastSeen }

// HighWater returns the newest bucket index seen.
func (s *Store) HighWater() int64 { return s.highWater }

// Stale returns the number of records dropped as out of window.
func (s *Store) Stale() int { return s.staleCount }

// Drained returns the number of distinct buckets handed to the consumer.
func (s *Store) Drained() int { return s.drained }

// Dropped returns the number of buckets discarded by End.
func (s *Store) Dropped() int { return s.dropped }

// Pending returns the number of records waiting in buckets.
func (s *Store) Pending() int {
	n := 0
	for _, recs := range s.buckets {
		n += len(recs)
	}
	return n
}
