package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// FieldSeparator separates the positional fields of a stats log line.
const FieldSeparator = "|"

// Positions of the fields in the stats log format.
const (
	posVersion = iota
	posMsec
	posVHost
	posProtocol
	posLocTag
	posStatus
	posBytesSent
	posGzipRatio
	posRequestLength
	posRequestTime
	posUpstreamAddr
	posUpstreamStatus
	posUpstreamResponseTime
	posUpstreamConnectTime
	posUpstreamHeaderTime

	FieldCount
)

var fieldNames = [FieldCount]string{
	"version",
	"msec",
	"vhost",
	"protocol",
	"loctag",
	"status",
	"bytes_sent",
	"gzip_ratio",
	"request_length",
	"request_time",
	"upstream_addr",
	"upstream_status",
	"upstream_response_time",
	"upstream_connect_time",
	"upstream_header_time",
}

var (
	// ErrFieldCount is returned when a line does not carry exactly FieldCount fields.
	ErrFieldCount = errors.New("unexpected field count")
	// ErrInvalidTimestamp is returned for negative or non-finite timestamps.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// ParseError reports a malformed field in one log line.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ingest: field %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseLine decodes one stats log line into a Record.
func ParseLine(line string) (model.Record, error) {
	line = strings.TrimRight(line, "\r\n")
	items := strings.Split(line, FieldSeparator)
	if len(items) != FieldCount {
		return model.Record{}, &ParseError{
			Field: "line",
			Value: strconv.Itoa(len(items)),
			Err:   ErrFieldCount,
		}
	}

	msec, err := parseMsec(items[posMsec])
	if err != nil {
		return model.Record{}, err
	}

	rec := model.Record{
		Msec:     msec,
		VHost:    items[posVHost],
		Protocol: items[posProtocol],
		LocTag:   items[posLocTag],
	}

	if rec.Status, err = parseInt(items, posStatus); err != nil {
		return model.Record{}, err
	}
	if rec.BytesSent, err = parseInt64(items, posBytesSent); err != nil {
		return model.Record{}, err
	}
	if rec.RequestLength, err = parseInt64(items, posRequestLength); err != nil {
		return model.Record{}, err
	}
	if rec.GzipRatio, err = parseOptionalFloat(items, posGzipRatio); err != nil {
		return model.Record{}, err
	}
	if rec.RequestTime, err = parseOptionalFloat(items, posRequestTime); err != nil {
		return model.Record{}, err
	}

	if items[posUpstreamAddr] != model.AbsentField {
		up, err := parseUpstream(
			items[posUpstreamAddr],
			items[posUpstreamStatus],
			items[posUpstreamResponseTime],
			items[posUpstreamConnectTime],
			items[posUpstreamHeaderTime],
		)
		if err != nil {
			return model.Record{}, err
		}
		rec.Upstream = up
	}

	return rec, nil
}

// ParseTimestamp extracts only the msec field of a line.
// The cold-start scan uses it to find the high-water mark without decoding
// the rest of the line.
func ParseTimestamp(line string) (float64, error) {
	items := strings.SplitN(line, FieldSeparator, posMsec+2)
	if len(items) <= posMsec {
		return 0, &ParseError{
			Field: "line",
			Value: strconv.Itoa(len(items)),
			Err:   ErrFieldCount,
		}
	}
	return parseMsec(strings.TrimRight(items[posMsec], "\r\n"))
}

func parseMsec(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ParseError{Field: fieldNames[posMsec], Value: s, Err: err}
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ParseError{Field: fieldNames[posMsec], Value: s, Err: ErrInvalidTimestamp}
	}
	return v, nil
}

func parseInt(items []string, pos int) (int, error) {
	v, err := strconv.Atoi(items[pos])
	if err != nil {
		return 0, &ParseError{Field: fieldNames[pos], Value: items[pos], Err: err}
	}
	return v, nil
}

func parseInt64(items []string, pos int) (int64, error) {
	v, err := strconv.ParseInt(items[pos], 10, 64)
	if err != nil {
		return 0, &ParseError{Field: fieldNames[pos], Value: items[pos], Err: err}
	}
	return v, nil
}

func parseOptionalFloat(items []string, pos int) (*float64, error) {
	if items[pos] == model.AbsentField {
		return nil, nil
	}
	v, err := strconv.ParseFloat(items[pos], 64)
	if err != nil {
		return nil, &ParseError{Field: fieldNames[pos], Value: items[pos], Err: err}
	}
	return &v, nil
}
