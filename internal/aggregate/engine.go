// Package aggregate accumulates per-bucket access statistics keyed by tag
// tuples and derives means and percentages at finalize.
package aggregate

import (
	"cmp"
	"errors"
	"slices"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// ErrFinalized is returned when records are added after Finalize.
var ErrFinalized = errors.New("aggregate: engine already finalized")

// Key is a tag tuple. Fields outside a metric's Dimension are zero.
type Key struct {
	Bucket   int64
	VHost    string
	Protocol string
	LocTag   string
	Upstream string
	Status   int
}

func compareKeys(a, b Key) int {
	return cmp.Or(
		cmp.Compare(a.Bucket, b.Bucket),
		cmp.Compare(a.VHost, b.VHost),
		cmp.Compare(a.Protocol, b.Protocol),
		cmp.Compare(a.LocTag, b.LocTag),
		cmp.Compare(a.Upstream, b.Upstream),
		cmp.Compare(a.Status, b.Status),
	)
}

type series map[Key]float64

// Engine accumulates records into running counters. It is not safe for
// concurrent use.
type Engine struct {
	acc       map[Metric]series
	servers   map[Key]map[string]struct{}
	records   int
	finalized bool
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		acc:     make(map[Metric]series),
		servers: make(map[Key]map[string]struct{}),
	}
}

func (e *Engine) add(m Metric, k Key, v float64) {
	s, ok := e.acc[m]
	if !ok {
		s = make(series)
		e.acc[m] = s
	}
	s[k] += v
}

// Consume aggregates one ready bucket.
func (e *Engine) Consume(index int64, records []model.Record) error {
	for _, rec := range records {
		if err := e.Add(index, rec); err != nil {
			return err
		}
	}
	return nil
}

// Add aggregates one record into the given bucket.
func (e *Engine) Add(index int64, rec model.Record) error {
	if e.finalized {
		return ErrFinalized
	}
	e.records++

	base := Key{Bucket: index, VHost: rec.VHost, Protocol: rec.Protocol, LocTag: rec.LocTag}

	e.add(Hits, base, 1)
	e.add(BytesSent, base, float64(rec.BytesSent))
	e.add(requestLengthSum, base, float64(rec.RequestLength))
	if rec.GzipRatio != nil {
		e.add(GzipCount, base, 1)
		e.add(gzipRatioSum, base, *rec.GzipRatio)
	}
	if rec.RequestTime != nil {
		e.add(requestTimeCount, base, 1)
		e.add(requestTimeSum, base, *rec.RequestTime)
	}

	withStatus := base
	withStatus.Status = rec.Status
	e.add(Status, withStatus, 1)

	up := rec.Upstream
	if up == nil {
		return nil
	}
	e.add(HitsWithUpstream, base, 1)
	e.add(serversContactedSum, base, float64(up.ServersContacted))
	e.add(internalRedirectsSum, base, float64(up.InternalRedirects))

	set, ok := e.servers[base]
	if !ok {
		set = make(map[string]struct{})
		e.servers[base] = set
	}
	for _, at := range up.Attempts {
		set[at.Address] = struct{}{}

		k := base
		k.Upstream = at.Address
		e.add(UpstreamsHits, k, 1)
		e.add(responseTimeSum, k, at.ResponseTime)
		e.add(connectTimeSum, k, at.ConnectTime)
		e.add(headerTimeSum, k, at.HeaderTime)

		k.Status = at.Status
		e.add(UpstreamsStatus, k, 1)
	}
	return nil
}

// Records returns the number of records aggregated so far.
func (e *Engine) Records() int { return e.records }

// Finalize derives means and percentages and freezes the engine.
// Calling it again returns an equivalent snapshot.
func (e *Engine) Finalize() *Snapshot {
	e.finalized = true

	out := make(map[Metric]series, len(Specs))
	for _, m := range counters {
		if s := e.acc[m]; len(s) > 0 {
			out[m] = cloneSeries(s)
		}
	}

	for _, ms := range means {
		sums, counts := e.acc[ms.sum], e.acc[ms.count]
		if len(sums) == 0 || len(counts) == 0 {
			continue
		}
		res := make(series, len(sums))
		for k, sum := range sums {
			if n := counts[k]; n > 0 {
				res[k] = sum / n
			}
		}
		if len(res) > 0 {
			out[ms.out] = res
		}
	}

	if hits := e.acc[Hits]; len(hits) > 0 {
		gzip := e.acc[GzipCount]
		pct := make(series, len(hits))
		for k, n := range hits {
			if n > 0 {
				pct[k] = gzip[k] / n
			}
		}
		out[GzipCountPercent] = pct
	}

	if len(e.servers) > 0 {
		distinct := make(series, len(e.servers))
		for k, set := range e.servers {
			distinct[k] = float64(len(set))
		}
		out[UpstreamsServers] = distinct
	}

	return &Snapshot{values: out}
}

func cloneSeries(s series) series {
	out := make(series, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Snapshot is the frozen result of one run's aggregation.
type Snapshot struct {
	values map[Metric]series
}

// Value returns one metric value.
func (s *Snapshot) Value(m Metric, k Key) (float64, bool) {
	v, ok := s.values[m][k]
	return v, ok
}

// Keys returns the tag tuples of a metric in deterministic order.
func (s *Snapshot) Keys(m Metric) []Key {
	vals := s.values[m]
	keys := make([]Key, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Len returns the number of values across all metrics.
func (s *Snapshot) Len() int {
	n := 0
	for _, vals := range s.values {
		n += len(vals)
	}
	return n
}
