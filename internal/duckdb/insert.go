package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// SeriesKey returns the canonical "k=v,k=v" form of a tag set, sorted by key.
func SeriesKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

type pointRow struct {
	measurement string
	series      string
	tags        string
	point       model.Point
}

// InsertPoints upserts points keyed by measurement, tag set and timestamp.
// Re-delivered points overwrite the stored value.
func (s *Store) InsertPoints(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}

	rows, err := dedupePoints(points)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	err = s.insertBatchTx(ctx, rows)
	if err == nil {
		return nil
	}

	// Batch failed, retry point-by-point to salvage what we can.
	var failed int
	for _, r := range rows {
		if rerr := s.insertBatchTx(ctx, []pointRow{r}); rerr != nil {
			failed++
			slog.Warn("duckdb: dropping point", "measurement", r.measurement, "series", r.series, "err", rerr)
		}
	}
	if failed == len(rows) {
		return fmt.Errorf("duckdb: insert points: %w", err)
	}
	if failed > 0 {
		slog.Warn("duckdb: batch partially failed", "dropped", failed, "total", len(rows))
	}
	return nil
}

// dedupePoints keeps the last point for each primary key so one transaction
// never touches the same row twice.
func dedupePoints(points []model.Point) ([]pointRow, error) {
	type key struct {
		measurement, series string
		ts                  int64
	}
	index := make(map[key]int, len(points))
	rows := make([]pointRow, 0, len(points))
	for _, p := range points {
		tags := p.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		data, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("duckdb: marshal tags: %w", err)
		}
		r := pointRow{
			measurement: p.Measurement,
			series:      SeriesKey(tags),
			tags:        string(data),
			point:       p,
		}
		k := key{r.measurement, r.series, p.Timestamp}
		if i, ok := index[k]; ok {
			rows[i] = r
			continue
		}
		index[k] = len(rows)
		rows = append(rows, r)
	}
	return rows, nil
}

// insertBatchTx inserts rows in a single transaction.
func (s *Store) insertBatchTx(ctx context.Context, rows []pointRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO points (measurement, series, tags, ts, value, is_integer)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (measurement, series, ts) DO UPDATE SET
			tags = excluded.tags,
			value = excluded.value,
			is_integer = excluded.is_integer,
			inserted_at = current_timestamp`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(
			ctx,
			r.measurement, r.series, r.tags,
			r.point.Time(), r.point.Value, r.point.Integer,
		); err != nil {
			return fmt.Errorf("point insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
