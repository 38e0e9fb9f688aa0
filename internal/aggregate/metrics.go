package aggregate

// Metric names a measurement in the aggregation snapshot.
type Metric string

// Emitted metrics.
const (
	Hits                             Metric = "hits"
	HitsWithUpstream                 Metric = "hits_with_upstream"
	Status                           Metric = "status"
	BytesSent                        Metric = "bytes_sent"
	GzipCount                        Metric = "gzip_count"
	GzipCountPercent                 Metric = "gzip_count_percent"
	GzipRatioMean                    Metric = "gzip_ratio_mean"
	RequestLengthMean                Metric = "request_length_mean"
	RequestTimeMean                  Metric = "request_time_mean"
	UpstreamsHits                    Metric = "upstreams_hits"
	UpstreamsStatus                  Metric = "upstreams_status"
	UpstreamsServers                 Metric = "upstreams_servers"
	UpstreamsServersContactedPerHit  Metric = "upstreams_servers_contacted_per_hit"
	UpstreamsInternalRedirectsPerHit Metric = "upstreams_internal_redirects_per_hit"
	UpstreamsResponseTimeMean        Metric = "upstreams_response_time_mean"
	UpstreamsConnectTimeMean         Metric = "upstreams_connect_time_mean"
	UpstreamsHeaderTimeMean          Metric = "upstreams_header_time_mean"
)

// Running sums and counts that only exist until finalize.
const (
	gzipRatioSum         Metric = "_gzip_ratio_premean"
	requestLengthSum     Metric = "_request_length_premean"
	requestTimeSum       Metric = "_request_time_premean"
	requestTimeCount     Metric = "_request_time_count"
	serversContactedSum  Metric = "_upstreams_servers_contacted"
	internalRedirectsSum Metric = "_upstreams_internal_redirects"
	responseTimeSum      Metric = "_upstreams_response_time_premean"
	connectTimeSum       Metric = "_upstreams_connect_time_premean"
	headerTimeSum        Metric = "_upstreams_header_time_premean"
)

// Dimension selects which parts of a Key a metric is keyed by.
type Dimension int

const (
	// DimBase keys by bucket, vhost, protocol and loctag.
	DimBase Dimension = iota
	// DimStatus adds the response status.
	DimStatus
	// DimUpstream adds the upstream address.
	DimUpstream
	// DimUpstreamStatus adds the upstream address and its status.
	DimUpstreamStatus
)

// Spec describes one emitted metric.
type Spec struct {
	Metric    Metric
	Dimension Dimension
	Integer   bool
}

// Specs lists the emitted metrics in emission order.
var Specs = []Spec{
	{Hits, DimBase, true},
	{HitsWithUpstream, DimBase, true},
	{Status, DimStatus, true},
	{BytesSent, DimBase, true},
	{GzipCount, DimBase, true},
	{GzipCountPercent, DimBase, false},
	{GzipRatioMean, DimBase, false},
	{RequestLengthMean, DimBase, false},
	{RequestTimeMean, DimBase, false},
	{UpstreamsHits, DimUpstream, true},
	{UpstreamsStatus, DimUpstreamStatus, true},
	{UpstreamsServers, DimBase, true},
	{UpstreamsServersContactedPerHit, DimBase, false},
	{UpstreamsInternalRedirectsPerHit, DimBase, false},
	{UpstreamsResponseTimeMean, DimUpstream, false},
	{UpstreamsConnectTimeMean, DimUpstream, false},
	{UpstreamsHeaderTimeMean, DimUpstream, false},
}

type meanSpec struct {
	out   Metric
	sum   Metric
	count Metric
}

var means = []meanSpec{
	{GzipRatioMean, gzipRatioSum, GzipCount},
	{RequestLengthMean, requestLengthSum, Hits},
	{RequestTimeMean, requestTimeSum, requestTimeCount},
	{UpstreamsServersContactedPerHit, serversContactedSum, HitsWithUpstream},
	{UpstreamsInternalRedirectsPerHit, internalRedirectsSum, HitsWithUpstream},
	{UpstreamsResponseTimeMean, responseTimeSum, UpstreamsHits},
	{UpstreamsConnectTimeMean, connectTimeSum, UpstreamsHits},
	{UpstreamsHeaderTimeMean, headerTimeSum, UpstreamsHits},
}

// counters are copied into the snapshot unchanged.
var counters = []Metric{
	Hits,
	HitsWithUpstream,
	Status,
	BytesSent,
	GzipCount,
	UpstreamsHits,
	UpstreamsStatus,
}
