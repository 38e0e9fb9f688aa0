// Package migrate keeps the point store schema current using the SQL files
// embedded under migrations/.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var files embed.FS

// ErrNewerSchema is returned when the database was migrated by a newer
// build than this one.
var ErrNewerSchema = errors.New("migrate: database schema is newer than this build")

// Step is one numbered schema change, loaded from "<version>_<name>.sql".
type Step struct {
	Version int
	Name    string
	sql     string
}

// State describes how far a database is from the embedded schema.
type State struct {
	Applied int
	Latest  int
	Pending []Step
}

// Runner applies the embedded steps to a DuckDB database.
type Runner struct{ db *sql.DB }

// NewRunner returns a runner for db.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Steps returns the embedded steps in version order.
func Steps() ([]Step, error) {
	entries, err := fs.ReadDir(files, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded steps: %w", err)
	}

	steps := make([]Step, 0, len(entries))
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil || ver <= 0 {
			return nil, fmt.Errorf("migrate: bad version in %s", e.Name())
		}
		if other, dup := seen[ver]; dup {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", ver, other, e.Name())
		}
		seen[ver] = e.Name()

		body, err := files.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", e.Name(), err)
		}
		steps = append(steps, Step{Version: ver, Name: e.Name(), sql: string(body)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

func (r *Runner) ensureLedger(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("migrate: create ledger: %w", err)
	}
	return nil
}

// Status reports the applied version and the steps still to run.
func (r *Runner) Status(ctx context.Context) (State, error) {
	if err := r.ensureLedger(ctx); err != nil {
		return State{}, err
	}
	steps, err := Steps()
	if err != nil {
		return State{}, err
	}

	var applied sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&applied); err != nil {
		return State{}, fmt.Errorf("migrate: read applied version: %w", err)
	}

	st := State{Applied: int(applied.Int64)}
	for _, s := range steps {
		st.Latest = s.Version
		if s.Version > st.Applied {
			st.Pending = append(st.Pending, s)
		}
	}
	if st.Applied > st.Latest {
		return st, fmt.Errorf("%w: applied %d, latest known %d", ErrNewerSchema, st.Applied, st.Latest)
	}
	return st, nil
}

// Run applies every pending step, each in its own transaction together
// with its ledger row. It returns the number of steps applied.
func (r *Runner) Run(ctx context.Context) (int, error) {
	st, err := r.Status(ctx)
	if err != nil {
		return 0, err
	}
	for i, s := range st.Pending {
		if err := r.apply(ctx, s); err != nil {
			return i, err
		}
	}
	return len(st.Pending), nil
}

func (r *Runner) apply(ctx context.Context, s Step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", s.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.sql); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", s.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", s.Version, s.Name); err != nil {
		return fmt.Errorf("migrate: record %s: %w", s.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", s.Name, err)
	}
	return nil
}
