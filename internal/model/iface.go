package model

import (
	"context"
	"iter"
)

// PointWriter persists emitted points.
type PointWriter interface {
	InsertPoints(ctx context.Context, points []Point) error
}

// PointQuerier provides read-only queries over stored points.
type PointQuerier interface {
	Measurements(ctx context.Context) ([]MeasurementStat, error)
	Series(ctx context.Context, q SeriesQuery) ([]StoredPoint, error)
	TotalPointCount(ctx context.Context) (int64, error)
}

// SeriesQuery selects stored points for one measurement.
type SeriesQuery struct {
	Measurement string
	Tags        map[string]string
	Limit       int
}

// LineSource yields complete new lines and commits the read position.
type LineSource interface {
	Lines() iter.Seq2[string, error]
	Commit() error
}
