package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinytelemetry/accesstats/internal/duckdb"
	"github.com/tinytelemetry/accesstats/internal/model"
)

// DuckDBConfig configures the local point store sink.
type DuckDBConfig struct {
	Path          string
	RetentionDays int // 0 keeps everything
	QueryTimeout  time.Duration
	Logger        *slog.Logger
}

// DuckDB stores points in a local DuckDB database.
type DuckDB struct {
	store     *duckdb.Store
	retention *duckdb.Retention
}

// NewDuckDB opens (and migrates) the database at cfg.Path.
func NewDuckDB(cfg DuckDBConfig) (*DuckDB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sink: duckdb: path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	store, err := duckdb.NewStore(cfg.Path, cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("sink: duckdb: open %s: %w", cfg.Path, err)
	}
	return &DuckDB{
		store:     store,
		retention: duckdb.NewRetention(store, duckdb.RetentionConfig{RetentionDays: cfg.RetentionDays, Logger: cfg.Logger}),
	}, nil
}

func (s *DuckDB) Name() string { return NameDuckDB }

// Prepare prunes points older than the retention period.
func (s *DuckDB) Prepare(ctx context.Context) error {
	if s.retention == nil {
		return nil
	}
	if _, err := s.retention.Cleanup(ctx); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	return nil
}

func (s *DuckDB) Send(ctx context.Context, points []model.Point) error {
	return s.store.InsertPoints(ctx, points)
}

func (s *DuckDB) Close() error {
	return s.store.Close()
}
