package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestStatusReport(t *testing.T) {
	a, _ := testApp(t, statsLine(30, "a", 200)+statsLine(200, "a", 200))
	a.cfg.SkipToEnd = false

	before, err := loadStatus(a.cfg)
	if err != nil {
		t.Fatalf("loadStatus: %v", err)
	}
	if before.Found || before.HasPosition {
		t.Fatalf("fresh status = %+v", before)
	}

	if _, err := a.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	report, err := loadStatus(a.cfg)
	if err != nil {
		t.Fatalf("loadStatus: %v", err)
	}
	if !report.Found || !report.HasPosition {
		t.Fatalf("status after run = %+v", report)
	}
	if report.Position.Offset != report.FileSize {
		t.Fatalf("offset %d, file size %d", report.Position.Offset, report.FileSize)
	}
	if report.Checkpoint.LeftoverRecords() != 1 {
		t.Fatalf("leftover = %d, want 1", report.Checkpoint.LeftoverRecords())
	}

	var out bytes.Buffer
	printStatus(&out, report)
	for _, want := range []string{"Checkpoint", "Leftover", "1 records", "Retry queue"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, out.String())
		}
	}
}
