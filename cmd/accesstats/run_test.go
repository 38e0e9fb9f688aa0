package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinytelemetry/accesstats/internal/duckdb"
	"github.com/tinytelemetry/accesstats/internal/lock"
	"github.com/tinytelemetry/accesstats/internal/model"
	"github.com/tinytelemetry/accesstats/internal/sink"
)

func statsLine(msec float64, vhost string, status int) string {
	return strings.Join([]string{
		"1", fmt.Sprintf("%.3f", msec), vhost, "s", "api", fmt.Sprint(status), "1024",
		"-", "300", "0.020", "10.0.0.1:80", fmt.Sprint(status), "0.015", "0.001", "0.010",
	}, "|") + "\n"
}

func testApp(t *testing.T, logContent string) (*app, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "stats.log")
	if err := os.WriteFile(logPath, []byte(logContent), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	var out bytes.Buffer
	a := &app{
		cfg: appConfig{
			File:               logPath,
			Workdir:            filepath.Join(dir, "state"),
			LogDir:             filepath.Join(dir, "state"),
			Hostname:           "web1",
			BucketDuration:     model.DefaultBucketDuration,
			LookbackFactor:     model.DefaultLookbackFactor,
			RetryQueueCapacity: model.DefaultRetryQueueCapacity,
			SendTimeout:        model.DefaultSendTimeout,
			Backend:            sink.NameStdout,
			DuckDBPath:         filepath.Join(dir, "points.duckdb"),
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		stdout: &out,
		stderr: io.Discard,
	}
	return a, &out
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func decodePoints(t *testing.T, out *bytes.Buffer) []model.Point {
	t.Helper()
	var all []model.Point
	dec := json.NewDecoder(out)
	for dec.More() {
		var batch []model.Point
		if err := dec.Decode(&batch); err != nil {
			t.Fatalf("decode points: %v", err)
		}
		all = append(all, batch...)
	}
	return all
}

func TestRunOnce_DryRunBackfill(t *testing.T) {
	a, out := testApp(t, statsLine(30, "a", 200)+statsLine(45, "a", 502)+statsLine(200, "a", 200))
	a.cfg.SkipToEnd = false

	sum, err := a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if sum.Parsed != 3 || sum.Drained != 1 || sum.Leftover != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	points := decodePoints(t, out)
	var hits float64
	for _, p := range points {
		if p.Tags["host"] != "web1" {
			t.Fatalf("point %s missing host tag: %v", p.Measurement, p.Tags)
		}
		if p.Tags["name"] != a.cfg.File {
			t.Fatalf("point %s name tag = %q, want log path %q", p.Measurement, p.Tags["name"], a.cfg.File)
		}
		if p.Measurement == "hits" {
			hits += p.Value
			if p.Timestamp != 60 {
				t.Errorf("hits timestamp = %d, want 60", p.Timestamp)
			}
		}
	}
	if hits != 2 {
		t.Fatalf("hits = %v, want 2", hits)
	}

	// Nothing new: the offset was committed.
	out.Reset()
	sum, err = a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("second runOnce: %v", err)
	}
	if sum.Parsed != 0 || out.Len() != 0 {
		t.Fatalf("second run parsed %d lines, output %q", sum.Parsed, out.String())
	}

	appendLog(t, a.cfg.File, statsLine(400, "a", 200))
	sum, err = a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("third runOnce: %v", err)
	}
	if sum.Parsed != 1 || sum.Drained != 1 {
		t.Fatalf("third summary = %+v", sum)
	}
}

func TestRunOnce_ColdStartSkipsAndStartover(t *testing.T) {
	a, out := testApp(t, statsLine(30, "a", 200)+statsLine(200, "a", 200))
	a.cfg.SkipToEnd = true

	sum, err := a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if !sum.ColdStart || sum.Skipped != 2 || out.Len() != 0 {
		t.Fatalf("summary = %+v output=%q", sum, out.String())
	}

	sum, err = a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if sum.ColdStart {
		t.Fatal("second run should be warm")
	}

	a.cfg.Startover = true
	sum, err = a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("startover runOnce: %v", err)
	}
	if !sum.ColdStart || sum.Skipped != 2 {
		t.Fatalf("startover summary = %+v", sum)
	}
}

func TestRunOnce_LockHeld(t *testing.T) {
	a, _ := testApp(t, statsLine(30, "a", 200))
	if err := os.MkdirAll(a.cfg.Workdir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	files := newArtifacts(a.cfg, nil)
	held, err := lock.Acquire(files.lock.Main)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	if _, err := a.runOnce(context.Background()); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("runOnce error = %v, want lock.ErrLocked", err)
	}
	if _, err := os.Stat(files.status.Main); !os.IsNotExist(err) {
		t.Fatalf("status file touched while locked: %v", err)
	}
}

func TestRunOnce_SimulatedFailureQueues(t *testing.T) {
	a, out := testApp(t, statsLine(30, "a", 200)+statsLine(200, "a", 200))
	a.cfg.SkipToEnd = false
	a.cfg.SimulateSendFailure = true

	sum, err := a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if sum.BatchesQueued != 1 || out.Len() != 0 {
		t.Fatalf("summary = %+v output=%q", sum, out.String())
	}

	a.cfg.SimulateSendFailure = false
	sum, err = a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if sum.BatchesQueued != 0 || sum.PointsSent == 0 {
		t.Fatalf("resend summary = %+v", sum)
	}
	if len(decodePoints(t, out)) != sum.PointsSent {
		t.Fatal("resent points not written to stdout")
	}
}

func TestRunOnce_DuckDBBackend(t *testing.T) {
	a, _ := testApp(t, statsLine(30, "a", 200)+statsLine(35, "b", 404)+statsLine(200, "a", 200))
	a.cfg.SkipToEnd = false
	a.cfg.Backend = sink.NameDuckDB

	if _, err := a.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	store, err := duckdb.NewStore(a.cfg.DuckDBPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	points, err := store.Series(context.Background(), model.SeriesQuery{
		Measurement: "status",
		Tags:        map[string]string{"status": "404"},
	})
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(points) != 1 || points[0].Value != 1 || points[0].Tags["vhost"] != "b" {
		t.Fatalf("status 404 points = %+v", points)
	}
}

func TestRunOnce_MalformedLineAborts(t *testing.T) {
	a, out := testApp(t, statsLine(30, "a", 200)+"not a stats line\n"+statsLine(200, "a", 200))
	a.cfg.SkipToEnd = false

	if _, err := a.runOnce(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
	if out.Len() != 0 {
		t.Fatalf("points written despite parse error: %q", out.String())
	}

	a.cfg.Permissive = true
	sum, err := a.runOnce(context.Background())
	if err != nil {
		t.Fatalf("permissive runOnce: %v", err)
	}
	if sum.Malformed != 1 || sum.Parsed != 2 {
		t.Fatalf("permissive summary = %+v", sum)
	}
}

func TestRootCommand_RunsByDefault(t *testing.T) {
	resetAccesstatsEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	logPath := filepath.Join(home, "stats.log")
	content := statsLine(30, "a", 200) + statsLine(45, "a", 200) + statsLine(200, "a", 200)
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	var out bytes.Buffer
	root := newRootCmd(&app{stdout: &out, stderr: io.Discard})
	root.SetArgs([]string{
		"-f", logPath,
		"--workdir", filepath.Join(home, "state"),
		"--log-dir", filepath.Join(home, "state"),
		"--hostname", "web1",
		"--backend", "stdout",
		"--skip-to-end=false",
		"-q",
	})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var hits float64
	for _, p := range decodePoints(t, &out) {
		if p.Measurement == "hits" {
			hits += p.Value
		}
	}
	if hits != 2 {
		t.Fatalf("hits = %v, want 2", hits)
	}
}
