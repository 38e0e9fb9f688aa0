package model

import "time"

// Point is one time-series sample handed to a sink.
type Point struct {
	Measurement string            `cbor:"measurement" json:"measurement"`
	Tags        map[string]string `cbor:"tags" json:"tags"`
	Timestamp   int64             `cbor:"timestamp" json:"timestamp"` // unix seconds
	Value       float64           `cbor:"value" json:"value"`
	Integer     bool              `cbor:"integer,omitempty" json:"integer,omitempty"`
}

// Time returns the point timestamp in UTC.
func (p Point) Time() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// StoredPoint is a point read back from the local point store.
type StoredPoint struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags"`
	Timestamp   time.Time         `json:"timestamp"`
	Value       float64           `json:"value"`
}

// MeasurementStat summarizes one measurement in the local point store.
type MeasurementStat struct {
	Measurement string    `json:"measurement"`
	Points      int64     `json:"points"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
}
