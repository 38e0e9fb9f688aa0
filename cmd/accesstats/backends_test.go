package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/tinytelemetry/accesstats/internal/sink"
)

func TestBuildBackendPlugins_RegistersPrimitives(t *testing.T) {
	t.Parallel()

	plugins := buildBackendPlugins(BackendPluginConfig{App: appConfig{Backend: sink.NameOTLP}})

	want := []string{sink.NameInflux, sink.NameOTLP, sink.NameDuckDB, sink.NameStdout}
	if len(plugins) != len(want) {
		t.Fatalf("expected %d plugins, got %d", len(want), len(plugins))
	}
	for i, p := range plugins {
		if p.Name() != want[i] {
			t.Fatalf("plugins[%d] name = %q, want %q", i, p.Name(), want[i])
		}
		if p.Enabled() != (want[i] == sink.NameOTLP) {
			t.Fatalf("plugin %q enabled = %v", p.Name(), p.Enabled())
		}
	}
}

func TestBuildBackendPlugins_DryRunSelectsStdout(t *testing.T) {
	t.Parallel()

	plugins := buildBackendPlugins(BackendPluginConfig{App: appConfig{Backend: sink.NameInflux, DryRun: true}})
	for _, p := range plugins {
		if p.Enabled() != (p.Name() == sink.NameStdout) {
			t.Fatalf("plugin %q enabled = %v with dry-run", p.Name(), p.Enabled())
		}
	}
}

func TestOpenBackend(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s, err := openBackend(context.Background(), BackendPluginConfig{
		App:    appConfig{Backend: sink.NameInflux, InfluxHost: "localhost", InfluxPort: 8086, InfluxDatabase: "stats"},
		Stdout: &out,
	})
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer s.Close()
	if s.Name() != sink.NameInflux {
		t.Fatalf("backend = %q, want influx", s.Name())
	}

	if _, err := openBackend(context.Background(), BackendPluginConfig{App: appConfig{Backend: "carbon"}}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := openBackend(context.Background(), BackendPluginConfig{App: appConfig{Backend: sink.NameInflux}}); err == nil {
		t.Fatal("expected error for influx without host")
	}
}
