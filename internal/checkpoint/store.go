package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// Version is the checkpoint format version written by this build.
const Version = 1

var (
	// ErrCorrupt is returned when the committed checkpoint cannot be decoded.
	ErrCorrupt = errors.New("checkpoint: corrupt checkpoint")
	// ErrUnsupportedVersion is returned for checkpoints of another format version.
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported version")
)

// Checkpoint is the state carried between runs.
type Checkpoint struct {
	Version        int                      `cbor:"version"`
	SavedAt        int64                    `cbor:"saved_at"` // unix seconds
	LastSeen       float64                  `cbor:"last_seen"`
	BucketDuration int64                    `cbor:"bucket_duration"`
	LookbackFactor int64                    `cbor:"lookback_factor"`
	Leftover       map[int64][]model.Record `cbor:"leftover"`
	RetryQueue     [][]model.Point          `cbor:"retry_queue"`
}

// New returns the state of a first run.
func New(bucketDuration, lookbackFactor int64) Checkpoint {
	return Checkpoint{
		Version:        Version,
		BucketDuration: bucketDuration,
		LookbackFactor: lookbackFactor,
		Leftover:       map[int64][]model.Record{},
	}
}

// LeftoverRecords returns the number of records carried in leftover buckets.
func (c Checkpoint) LeftoverRecords() int {
	n := 0
	for _, recs := range c.Leftover {
		n += len(recs)
	}
	return n
}

// QueuedPoints returns the number of points waiting in the retry queue.
func (c Checkpoint) QueuedPoints() int {
	n := 0
	for _, batch := range c.RetryQueue {
		n += len(batch)
	}
	return n
}

// Store reads and commits checkpoints through a SafeFile.
type Store struct {
	file   *SafeFile
	logger *slog.Logger
}

// NewStore creates a checkpoint store backed by file.
func NewStore(file *SafeFile, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{file: file, logger: logger}
}

// File returns the underlying artifact.
func (s *Store) File() *SafeFile { return s.file }

// Load reads the committed checkpoint. found is false when no checkpoint
// has been committed yet; cp is then the zero Checkpoint.
func (s *Store) Load() (cp Checkpoint, found bool, err error) {
	data, err := s.file.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("checkpoint: read: %w", err)
	}
	cp, err = Decode(data)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if cp.Leftover == nil {
		cp.Leftover = map[int64][]model.Record{}
	}
	return cp, true, nil
}

// Stage writes cp to the tmp slot. Main is untouched until Commit.
func (s *Store) Stage(cp Checkpoint) error {
	cp.Version = Version
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	if err := s.file.WriteTmp(data); err != nil {
		return err
	}
	s.logger.Debug("checkpoint: staged", "bytes", len(data), "leftover_records", cp.LeftoverRecords(), "queued_batches", len(cp.RetryQueue))
	return nil
}

// Commit promotes the staged checkpoint to main.
func (s *Store) Commit() error {
	return s.file.Commit()
}

// Save stages and commits cp.
func (s *Store) Save(cp Checkpoint) error {
	if err := s.Stage(cp); err != nil {
		return err
	}
	return s.Commit()
}

// Discard removes a staged but uncommitted checkpoint.
func (s *Store) Discard() error {
	return s.file.RemoveTmp()
}
