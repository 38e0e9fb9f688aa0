package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinytelemetry/accesstats/internal/sink"
)

// BackendPlugin is a small plugin primitive for wiring point sinks.
type BackendPlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (sink.Sink, error)
}

// BackendPluginConfig defines runtime backend selection.
type BackendPluginConfig struct {
	App    appConfig
	Stdout io.Writer
	Logger *slog.Logger
}

func buildBackendPlugins(cfg BackendPluginConfig) []BackendPlugin {
	selected := cfg.App.Backend
	if cfg.App.DryRun {
		selected = sink.NameStdout
	}
	return []BackendPlugin{
		influxPlugin{cfg: cfg, enabled: selected == sink.NameInflux},
		otlpPlugin{cfg: cfg, enabled: selected == sink.NameOTLP},
		duckdbPlugin{cfg: cfg, enabled: selected == sink.NameDuckDB},
		stdoutPlugin{w: cfg.Stdout, enabled: selected == sink.NameStdout},
	}
}

// openBackend builds the single enabled backend.
func openBackend(ctx context.Context, cfg BackendPluginConfig) (sink.Sink, error) {
	for _, plugin := range buildBackendPlugins(cfg) {
		if !plugin.Enabled() {
			continue
		}
		s, err := plugin.Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", plugin.Name(), err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.App.Backend)
}

type influxPlugin struct {
	cfg     BackendPluginConfig
	enabled bool
}

func (p influxPlugin) Name() string { return sink.NameInflux }

func (p influxPlugin) Enabled() bool { return p.enabled }

func (p influxPlugin) Build(_ context.Context) (sink.Sink, error) {
	c := p.cfg.App
	return sink.NewInflux(sink.InfluxConfig{
		Host:         c.InfluxHost,
		Port:         c.InfluxPort,
		SSL:          c.InfluxSSL,
		Username:     c.InfluxUsername,
		Password:     c.InfluxPassword,
		Database:     c.InfluxDatabase,
		BatchSize:    c.InfluxBatchSize,
		DropDatabase: c.InfluxDropDatabase,
		Timeout:      c.SendTimeout,
		Logger:       p.cfg.Logger,
	})
}

type otlpPlugin struct {
	cfg     BackendPluginConfig
	enabled bool
}

func (p otlpPlugin) Name() string { return sink.NameOTLP }

func (p otlpPlugin) Enabled() bool { return p.enabled }

func (p otlpPlugin) Build(_ context.Context) (sink.Sink, error) {
	c := p.cfg.App
	return sink.NewOTLP(sink.OTLPConfig{
		Endpoint: c.OTLPEndpoint,
		Insecure: c.OTLPInsecure,
		Resource: map[string]string{"host.name": c.Hostname},
		Logger:   p.cfg.Logger,
	})
}

type duckdbPlugin struct {
	cfg     BackendPluginConfig
	enabled bool
}

func (p duckdbPlugin) Name() string { return sink.NameDuckDB }

func (p duckdbPlugin) Enabled() bool { return p.enabled }

func (p duckdbPlugin) Build(_ context.Context) (sink.Sink, error) {
	c := p.cfg.App
	return sink.NewDuckDB(sink.DuckDBConfig{
		Path:          c.DuckDBPath,
		RetentionDays: c.DuckDBRetentionDays,
		QueryTimeout:  c.QueryTimeout,
		Logger:        p.cfg.Logger,
	})
}

type stdoutPlugin struct {
	w       io.Writer
	enabled bool
}

func (p stdoutPlugin) Name() string { return sink.NameStdout }

func (p stdoutPlugin) Enabled() bool { return p.enabled }

func (p stdoutPlugin) Build(_ context.Context) (sink.Sink, error) {
	return sink.NewStdout(p.w), nil
}
