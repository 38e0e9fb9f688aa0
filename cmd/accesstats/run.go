package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/accesstats/internal/checkpoint"
	"github.com/tinytelemetry/accesstats/internal/delivery"
	"github.com/tinytelemetry/accesstats/internal/lock"
	"github.com/tinytelemetry/accesstats/internal/logsource"
	"github.com/tinytelemetry/accesstats/internal/model"
	"github.com/tinytelemetry/accesstats/internal/pipeline"
)

// Artifact suffixes appended to the sanitized log identity in the workdir.
const (
	statusSuffix = ".status"
	offsetSuffix = ".offset"
	lockSuffix   = ".lock"
	stdinName    = "stdin"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process new log lines once and deliver the resulting points",
		Args:  cobra.NoArgs,
		RunE:  a.runE,
	}
	addRunFlags(cmd)
	return cmd
}

// runE backs both "run" and the bare root command.
func (a *app) runE(cmd *cobra.Command, _ []string) error {
	if done, err := a.printConfig(); done {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, err := a.runOnce(ctx)
	return err
}

// artifacts names the per-log state files under the workdir.
type artifacts struct {
	status *checkpoint.SafeFile
	offset *checkpoint.SafeFile
	lock   *checkpoint.SafeFile
}

func newArtifacts(cfg appConfig, logger *slog.Logger) artifacts {
	identity := cfg.File
	if identity == "" {
		identity = stdinName
	}
	return artifacts{
		status: checkpoint.NewSafeFile(cfg.Workdir, identity, statusSuffix, logger),
		offset: checkpoint.NewSafeFile(cfg.Workdir, identity, offsetSuffix, logger),
		lock:   checkpoint.NewSafeFile(cfg.Workdir, identity, lockSuffix, logger),
	}
}

// runOnce performs one locked invocation and logs its summary.
func (a *app) runOnce(ctx context.Context) (model.RunSummary, error) {
	cfg, logger := a.cfg, a.logger
	var sum model.RunSummary
	start := time.Now()

	if err := os.MkdirAll(cfg.Workdir, 0755); err != nil {
		return sum, fmt.Errorf("creating workdir: %w", err)
	}
	files := newArtifacts(cfg, logger)

	l, err := lock.Acquire(files.lock.Main)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Warn("releasing lock", "path", l.Path(), "err", err)
		}
	}()

	for _, f := range []*checkpoint.SafeFile{files.status, files.offset} {
		if _, err := f.CleanStale(); err != nil {
			return sum, err
		}
		if cfg.Startover {
			logger.Warn("startover: removing state", "path", f.Main)
			if err := f.Remove(); err != nil {
				return sum, err
			}
		}
	}

	source, err := openSource(cfg, files, logger)
	if err != nil {
		return sum, err
	}

	backend, err := openBackend(ctx, BackendPluginConfig{App: cfg, Stdout: a.stdout, Logger: logger})
	if err != nil {
		return sum, err
	}
	defer backend.Close()

	var sender delivery.Sender = backend
	if cfg.SimulateSendFailure {
		logger.Warn("simulating send failures")
		sender = delivery.SimulateFailure()
	} else {
		prepCtx, cancel := context.WithTimeout(ctx, defaultBackendPrepareTime)
		if err := backend.Prepare(prepCtx); err != nil {
			logger.Warn("backend prepare failed, sends may be queued", "backend", backend.Name(), "err", err)
		}
		cancel()
	}

	runner, err := pipeline.NewRunner(pipeline.Config{
		BucketDuration:     cfg.BucketDuration,
		LookbackFactor:     cfg.LookbackFactor,
		SkipToEnd:          cfg.SkipToEnd,
		Permissive:         cfg.Permissive,
		RetryQueueCapacity: cfg.RetryQueueCapacity,
		SendTimeout:        cfg.SendTimeout,
		GlobalTags:         cfg.GlobalTags(),
	}, source, sender, checkpoint.NewStore(files.status, logger), logger)
	if err != nil {
		return sum, err
	}

	sum, err = runner.Run(ctx)
	if err != nil {
		return sum, err
	}
	logSummary(logger, sum, time.Since(start), source.Name(), backend.Name())
	return sum, nil
}

func openSource(cfg appConfig, files artifacts, logger *slog.Logger) (logsource.LogSource, error) {
	if cfg.File == "" {
		return logsource.NewStdinSource(cfg.MaxLines), nil
	}
	src, err := logsource.NewFileSource(logsource.FileConfig{
		Path:     cfg.File,
		Offset:   files.offset,
		MaxLines: cfg.MaxLines,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func logSummary(logger *slog.Logger, sum model.RunSummary, elapsed time.Duration, source, backend string) {
	lines := sum.Parsed + sum.Skipped + sum.Malformed
	var perLine time.Duration
	if lines > 0 {
		perLine = elapsed / time.Duration(lines)
	}
	logger.Info("run complete",
		"source", source,
		"backend", backend,
		"duration", elapsed.Round(time.Millisecond),
		"lines", humanize.Comma(int64(lines)),
		"parsed", sum.Parsed,
		"skipped", sum.Skipped,
		"stale", sum.Stale,
		"malformed", sum.Malformed,
		"per_line", perLine,
		"buckets", sum.Drained,
		"leftover", sum.Leftover,
		"points_sent", sum.PointsSent,
		"points_queued", sum.PointsQueued,
		"cold_start", sum.ColdStart,
	)
	if sum.Evicted > 0 {
		logger.Warn("retry queue evicted batches", "batches", sum.Evicted)
	}
}
