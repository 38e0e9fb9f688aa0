package model

// Record represents one parsed access-log line.
// It is the unit stored in buckets and carried across runs as leftover.
type Record struct {
	Msec          float64   `cbor:"msec" json:"msec"` // nginx $msec, seconds with millisecond resolution
	VHost         string    `cbor:"vhost" json:"vhost"`
	Protocol      string    `cbor:"protocol" json:"protocol"` // "s" for https, anything else is http
	LocTag        string    `cbor:"loctag" json:"loctag"`
	Status        int       `cbor:"status" json:"status"`
	BytesSent     int64     `cbor:"bytes_sent" json:"bytes_sent"`
	RequestLength int64     `cbor:"request_length" json:"request_length"`
	GzipRatio     *float64  `cbor:"gzip_ratio,omitempty" json:"gzip_ratio,omitempty"`
	RequestTime   *float64  `cbor:"request_time,omitempty" json:"request_time,omitempty"`
	Upstream      *Upstream `cbor:"upstream,omitempty" json:"upstream,omitempty"`
}

// Upstream describes the chain of backend servers contacted for one request.
type Upstream struct {
	ServersContacted  int               `cbor:"servers_contacted" json:"servers_contacted"`
	InternalRedirects int               `cbor:"internal_redirects" json:"internal_redirects"`
	Attempts          []UpstreamAttempt `cbor:"attempts" json:"attempts"`
}

// UpstreamAttempt is one contacted server. Absent numeric values are zero.
type UpstreamAttempt struct {
	Address      string  `cbor:"address" json:"address"`
	Status       int     `cbor:"status" json:"status"`
	ResponseTime float64 `cbor:"response_time" json:"response_time"`
	ConnectTime  float64 `cbor:"connect_time" json:"connect_time"`
	HeaderTime   float64 `cbor:"header_time" json:"header_time"`
}

// RunSummary reports what one invocation did.
type RunSummary struct {
	Parsed        int
	Skipped       int
	Stale         int
	Malformed     int
	Drained       int
	Leftover      int
	Dropped       int
	PointsSent    int
	PointsQueued  int
	BatchesQueued int
	Evicted       int
	ColdStart     bool
}
