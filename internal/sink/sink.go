// Package sink implements the backends that receive emitted points.
package sink

import (
	"context"
	"errors"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// Backend names accepted by the CLI.
const (
	NameInflux = "influx"
	NameOTLP   = "otlp"
	NameDuckDB = "duckdb"
	NameStdout = "stdout"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("sink: closed")

// Sink delivers points to one backend. A failed Send means no point of the
// batch may be assumed delivered.
type Sink interface {
	Name() string
	// Prepare creates the backend database or collection when absent.
	Prepare(ctx context.Context) error
	Send(ctx context.Context, points []model.Point) error
	Close() error
}
