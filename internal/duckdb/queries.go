package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// DefaultSeriesLimit caps Series results when the query sets no limit.
const DefaultSeriesLimit = 1000

var _ model.PointQuerier = (*Store)(nil)
var _ model.PointWriter = (*Store)(nil)

// TotalPointCount returns the number of stored points.
func (s *Store) TotalPointCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&count)
	return count, err
}

// Measurements returns per-measurement point counts and time ranges.
func (s *Store) Measurements(ctx context.Context) ([]model.MeasurementStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT measurement, COUNT(*), MIN(ts), MAX(ts)
		FROM points
		GROUP BY measurement
		ORDER BY measurement`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.MeasurementStat
	for rows.Next() {
		var st model.MeasurementStat
		if err := rows.Scan(&st.Measurement, &st.Points, &st.First, &st.Last); err != nil {
			slog.Warn("duckdb scan error (Measurements)", "err", err)
			continue
		}
		st.First = st.First.UTC()
		st.Last = st.Last.UTC()
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Series returns the newest points of one measurement whose tags contain
// every pair in q.Tags.
func (s *Store) Series(ctx context.Context, q model.SeriesQuery) ([]model.StoredPoint, error) {
	if q.Measurement == "" {
		return nil, fmt.Errorf("duckdb: series: measurement is required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSeriesLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `SELECT tags, ts, value FROM points WHERE measurement = ? ORDER BY ts DESC, series`
	args := []any{q.Measurement}
	if len(q.Tags) == 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StoredPoint
	for rows.Next() && len(out) < limit {
		var (
			tagsJSON string
			ts       time.Time
			value    float64
		)
		if err := rows.Scan(&tagsJSON, &ts, &value); err != nil {
			slog.Warn("duckdb scan error (Series)", "err", err)
			continue
		}
		tags := make(map[string]string)
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			slog.Warn("duckdb: bad stored tags", "err", err)
			continue
		}
		if !matchTags(tags, q.Tags) {
			continue
		}
		out = append(out, model.StoredPoint{
			Measurement: q.Measurement,
			Tags:        tags,
			Timestamp:   ts.UTC(),
			Value:       value,
		})
	}
	return out, rows.Err()
}

func matchTags(tags, want map[string]string) bool {
	for k, v := range want {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// DeleteBefore removes points older than cutoff and returns the number deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
