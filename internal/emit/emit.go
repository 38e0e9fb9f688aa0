// Package emit turns a finalized aggregation snapshot into time-series points.
package emit

import (
	"iter"
	"maps"
	"strconv"

	"github.com/tinytelemetry/accesstats/internal/aggregate"
	"github.com/tinytelemetry/accesstats/internal/model"
)

// Tag names.
const (
	TagVHost    = "vhost"
	TagProtocol = "protocol"
	TagLocTag   = "loctag"
	TagStatus   = "status"
	TagUpstream = "upstream"
)

// Options control point construction.
type Options struct {
	BucketDuration int64             // seconds
	GlobalTags     map[string]string // merged into every point
}

// Protocol maps the log's protocol code to its label.
func Protocol(code string) string {
	if code == "s" {
		return "https"
	}
	return "http"
}

func tagValue(v string) string {
	if v == "" {
		return model.AbsentField
	}
	return v
}

func statusValue(v int) string {
	if v == 0 {
		return model.AbsentField
	}
	return strconv.Itoa(v)
}

// Tags builds the tag map of one key for a metric dimension.
func Tags(dim aggregate.Dimension, k aggregate.Key, global map[string]string) map[string]string {
	tags := make(map[string]string, len(global)+5)
	maps.Copy(tags, global)
	tags[TagVHost] = tagValue(k.VHost)
	tags[TagProtocol] = Protocol(k.Protocol)
	tags[TagLocTag] = tagValue(k.LocTag)
	switch dim {
	case aggregate.DimStatus:
		tags[TagStatus] = statusValue(k.Status)
	case aggregate.DimUpstream:
		tags[TagUpstream] = tagValue(k.Upstream)
	case aggregate.DimUpstreamStatus:
		tags[TagUpstream] = tagValue(k.Upstream)
		tags[TagStatus] = statusValue(k.Status)
	}
	return tags
}

// Points yields one point per metric value in metric order, then tag order.
// The sequence is consumed once; ranging over it again yields nothing.
func Points(s *aggregate.Snapshot, opts Options) iter.Seq[model.Point] {
	consumed := false
	return func(yield func(model.Point) bool) {
		if s == nil || consumed {
			return
		}
		consumed = true
		for _, spec := range aggregate.Specs {
			for _, k := range s.Keys(spec.Metric) {
				v, _ := s.Value(spec.Metric, k)
				p := model.Point{
					Measurement: string(spec.Metric),
					Tags:        Tags(spec.Dimension, k, opts.GlobalTags),
					Timestamp:   k.Bucket * opts.BucketDuration,
					Value:       v,
					Integer:     spec.Integer,
				}
				if !yield(p) {
					return
				}
			}
		}
	}
}
