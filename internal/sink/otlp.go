package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// ScopeName identifies the instrumentation scope of exported metrics.
const ScopeName = "accesstats"

// OTLPConfig configures the OTLP/gRPC metrics sink.
type OTLPConfig struct {
	Endpoint string
	Insecure bool
	// Resource attributes attached to every export, e.g. service.name.
	Resource map[string]string
	Logger   *slog.Logger
}

// OTLP exports points as OTLP gauge data points.
type OTLP struct {
	conn     *grpc.ClientConn
	client   colmetricspb.MetricsServiceClient
	resource *resourcepb.Resource
	logger   *slog.Logger
}

// NewOTLP creates the gRPC client. The connection is established lazily.
func NewOTLP(cfg OTLPConfig) (*OTLP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sink: otlp: endpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("sink: otlp: dial %s: %w", cfg.Endpoint, err)
	}

	res := map[string]string{"service.name": ScopeName}
	for k, v := range cfg.Resource {
		res[k] = v
	}
	return &OTLP{
		conn:     conn,
		client:   colmetricspb.NewMetricsServiceClient(conn),
		resource: &resourcepb.Resource{Attributes: keyValues(res)},
		logger:   cfg.Logger,
	}, nil
}

func (s *OTLP) Name() string { return NameOTLP }

// Prepare is a no-op: OTLP receivers have no database to create.
func (s *OTLP) Prepare(context.Context) error { return nil }

// Send exports all points in one request. A partial success that rejected
// any data point is reported as a failure.
func (s *OTLP) Send(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}
	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: s.resource,
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: ScopeName},
				Metrics: buildMetrics(points),
			}},
		}},
	}

	resp, err := s.client.Export(ctx, req)
	if err != nil {
		return fmt.Errorf("sink: otlp: export: %w", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		return fmt.Errorf("sink: otlp: export rejected %d data points: %s",
			ps.GetRejectedDataPoints(), ps.GetErrorMessage())
	}
	s.logger.Debug("sink: otlp: exported",
		"points", len(points),
		"bytes", humanize.Bytes(uint64(proto.Size(req))),
	)
	return nil
}

func (s *OTLP) Close() error {
	return s.conn.Close()
}

// buildMetrics groups points into one gauge per measurement, keeping the
// order in which measurements first appear.
func buildMetrics(points []model.Point) []*metricspb.Metric {
	byName := make(map[string]*metricspb.Gauge)
	var metrics []*metricspb.Metric
	for _, p := range points {
		g, ok := byName[p.Measurement]
		if !ok {
			g = &metricspb.Gauge{}
			byName[p.Measurement] = g
			metrics = append(metrics, &metricspb.Metric{
				Name: p.Measurement,
				Data: &metricspb.Metric_Gauge{Gauge: g},
			})
		}
		dp := &metricspb.NumberDataPoint{
			Attributes:   keyValues(p.Tags),
			TimeUnixNano: uint64(p.Timestamp) * 1e9,
		}
		if p.Integer {
			dp.Value = &metricspb.NumberDataPoint_AsInt{AsInt: int64(p.Value)}
		} else {
			dp.Value = &metricspb.NumberDataPoint_AsDouble{AsDouble: p.Value}
		}
		g.DataPoints = append(g.DataPoints, dp)
	}
	return metrics
}

func keyValues(m map[string]string) []*commonpb.KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, &commonpb.KeyValue{
			Key:   k,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: m[k]}},
		})
	}
	return kvs
}
