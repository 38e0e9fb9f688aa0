package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSteps(t *testing.T) {
	steps, err := Steps()
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) == 0 || steps[0].Version != 1 || steps[0].Name != "001_points.sql" {
		t.Fatalf("steps = %+v", steps)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Version <= steps[i-1].Version {
			t.Fatalf("steps out of order: %+v", steps)
		}
	}
}

func TestRunCreatesPointsTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	n, err := NewRunner(db).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied %d steps, want 1", n)
	}

	for _, table := range []string{"points", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(openTestDB(t))

	before, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if before.Applied != 0 || len(before.Pending) != 1 || before.Latest != 1 {
		t.Fatalf("before run: %+v", before)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	n, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n != 0 {
		t.Fatalf("second Run applied %d steps", n)
	}

	after, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.Applied != 1 || len(after.Pending) != 0 {
		t.Fatalf("after run: %+v", after)
	}
}

func TestStatusRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	r := NewRunner(db)
	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version, name) VALUES (99, '099_future.sql')"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := r.Run(ctx); !errors.Is(err, ErrNewerSchema) {
		t.Fatalf("Run err = %v, want ErrNewerSchema", err)
	}
}
