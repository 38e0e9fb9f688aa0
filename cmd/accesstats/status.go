package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/accesstats/internal/checkpoint"
	"github.com/tinytelemetry/accesstats/internal/logsource"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the committed checkpoint and offset for the configured log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if done, err := a.printConfig(); done {
				return err
			}
			report, err := loadStatus(a.cfg)
			if err != nil {
				return err
			}
			printStatus(a.stdout, report)
			return nil
		},
	}
}

// statusReport is the read-only view printed by the status subcommand.
type statusReport struct {
	Source      string
	Workdir     string
	Checkpoint  checkpoint.Checkpoint
	Found       bool
	Position    logsource.Position
	HasPosition bool
	FileSize    int64
}

func loadStatus(cfg appConfig) (statusReport, error) {
	files := newArtifacts(cfg, nil)
	report := statusReport{Source: cfg.File, Workdir: cfg.Workdir}
	if report.Source == "" {
		report.Source = stdinName
	}

	cp, found, err := checkpoint.NewStore(files.status, nil).Load()
	if err != nil {
		return report, err
	}
	report.Checkpoint, report.Found = cp, found

	if cfg.File == "" {
		return report, nil
	}
	src, err := logsource.NewFileSource(logsource.FileConfig{Path: cfg.File, Offset: files.offset})
	if err != nil {
		return report, err
	}
	report.Position, report.HasPosition, err = src.Committed()
	if err != nil {
		return report, err
	}
	if fi, err := os.Stat(cfg.File); err == nil {
		report.FileSize = fi.Size()
	}
	return report, nil
}

func printStatus(w io.Writer, r statusReport) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	warn := yellow.Render("●")

	var lines []string
	row := func(mark, label, value string) {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", mark, label, value))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Source"))
	lines = append(lines, "")
	row(check, "Log", cyan.Render(shortenPath(r.Source)))
	row(check, "Workdir", dim.Render(shortenPath(r.Workdir)))
	switch {
	case r.HasPosition:
		row(check, "Offset", fmt.Sprintf("%s of %s (inode %d)",
			humanize.IBytes(uint64(r.Position.Offset)), humanize.IBytes(uint64(r.FileSize)), r.Position.Inode))
	case r.Source != stdinName:
		row(dot, "Offset", dim.Render("not committed yet"))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Checkpoint"))
	lines = append(lines, "")
	if !r.Found {
		row(dot, "State", dim.Render("no checkpoint (next run is a cold start)"))
	} else {
		cp := r.Checkpoint
		saved := time.Unix(cp.SavedAt, 0)
		row(check, "Saved", fmt.Sprintf("%s %s", saved.UTC().Format(time.RFC3339), dim.Render("("+humanize.Time(saved)+")")))
		row(check, "Last seen", time.Unix(int64(cp.LastSeen), 0).UTC().Format(time.RFC3339))
		row(check, "Buckets", fmt.Sprintf("%ds x lookback %d", cp.BucketDuration, cp.LookbackFactor))

		if n := cp.LeftoverRecords(); n > 0 {
			row(check, "Leftover", fmt.Sprintf("%s records in buckets %s", humanize.Comma(int64(n)), bucketList(cp)))
		} else {
			row(dot, "Leftover", dim.Render("none"))
		}
		if len(cp.RetryQueue) > 0 {
			row(warn, "Retry queue", fmt.Sprintf("%d batches, %s points", len(cp.RetryQueue), humanize.Comma(int64(cp.QueuedPoints()))))
		} else {
			row(dot, "Retry queue", dim.Render("empty"))
		}
	}
	lines = append(lines, "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func bucketList(cp checkpoint.Checkpoint) string {
	idx := make([]int64, 0, len(cp.Leftover))
	for b := range cp.Leftover {
		idx = append(idx, b)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	parts := make([]string, len(idx))
	for i, b := range idx {
		parts[i] = time.Unix(b*cp.BucketDuration, 0).UTC().Format("15:04:05")
	}
	return strings.Join(parts, ", ")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
