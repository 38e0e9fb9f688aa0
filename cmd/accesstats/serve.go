package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/accesstats/internal/duckdb"
	"github.com/tinytelemetry/accesstats/internal/httpserver"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only HTTP API over points stored by the duckdb backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if done, err := a.printConfig(); done {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("api-addr", defaultAPIAddr, "HTTP API listen address")
	addDuckDBFlags(cmd)
	return cmd
}

// serve runs the HTTP API and the retention cleaner until ctx is done.
func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	store, err := duckdb.NewStore(cfg.DuckDBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	retention := duckdb.NewRetention(store, duckdb.RetentionConfig{
		RetentionDays: cfg.DuckDBRetentionDays,
		Interval:      defaultRetentionInterval,
		Logger:        logger,
	})

	api := httpserver.NewServer(cfg.APIAddr, store, logger)
	if err := api.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	logger.Info("serving", "addr", api.Addr(), "db", cfg.DuckDBPath)
	if cfg.Quiet == 0 {
		printStartupBanner(a, api.Addr(), retention != nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	if retention != nil {
		g.Go(func() error { return retention.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return api.Stop()
	})
	return g.Wait()
}

func printStartupBanner(a *app, addr string, retention bool) {
	cfg := a.cfg
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	separator := dim.Render("    ─────────────────────────────────")

	var lines []string
	lines = append(lines, "")
	lines = append(lines, "    "+cyan.Bold(true).Render("accesstats")+" "+dim.Render("v"+version))
	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(addr)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Points         %s", check, dim.Render(shortenPath(cfg.DuckDBPath))))
	if retention {
		lines = append(lines, fmt.Sprintf("    %s  Retention      %s", check, dim.Render(fmt.Sprintf("%d days", cfg.DuckDBRetentionDays))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Retention      %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Fprintln(a.stdout, strings.Join(lines, "\n"))
}
