// Package logsource reads new log lines from a growing file or a stream.
package logsource

import (
	"errors"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// LogSource is a line source with a name for logging.
type LogSource interface {
	model.LineSource
	Name() string // "file", "stdin"
}

// ErrConsumed is yielded when Lines is called a second time.
var ErrConsumed = errors.New("logsource: lines already consumed")
