// Command accesstats tails an nginx stats log, aggregates it into time
// buckets and delivers the resulting points to a time-series backend.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// app carries state shared by the subcommands.
type app struct {
	configPath string
	dumpConfig bool

	cfg      appConfig
	v        *viper.Viper
	logger   *slog.Logger
	closeLog func()

	stdout io.Writer
	stderr io.Writer
}

func main() {
	root := newRootCmd(&app{stdout: os.Stdout, stderr: os.Stderr})
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "accesstats",
		Short:         "accesstats aggregates nginx stats logs into time-series points",
		Version:       fmt.Sprintf("%s (commit %s, built %s, %s)", version, commit, buildTime, goVersion),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          a.runE,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := loadConfig(a.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg, a.v = cfg, v
			if a.dumpConfig {
				return nil
			}
			a.logger, a.closeLog = configureRuntimeLogger(cfg, a.stderr)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default is $HOME/.config/accesstats/config.yml)")
	pf.BoolVar(&a.dumpConfig, "dump-config", false, "print the effective configuration as YAML and exit")
	pf.StringP("file", "f", "", "stats log file to tail (stdin when empty)")
	pf.String("workdir", "", "directory for checkpoint, offset and lock files")
	pf.String("log-dir", "", "directory for accesstats.log")
	pf.String("hostname", "", "host tag added to every point")
	pf.String("name", "", "name tag added to every point")
	pf.String("datacenter", "", "dc tag added to every point")
	pf.Bool("debug", false, "enable debug logging")
	pf.CountP("quiet", "q", "log less (repeat to show warnings only)")

	addRunFlags(root)
	root.AddCommand(newRunCmd(a), newStatusCmd(a), newServeCmd(a))
	return root
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntP("max-lines", "m", 0, "maximum number of lines to read per run (0 = unlimited)")
	f.Int64("bucket-duration", model.DefaultBucketDuration, "bucket width in seconds")
	f.Int64("lookback-factor", model.DefaultLookbackFactor, "buckets kept open for late records")
	f.Int("retry-queue-capacity", model.DefaultRetryQueueCapacity, "failed batches kept for retry")
	f.Duration("send-timeout", model.DefaultSendTimeout, "timeout for each backend send")
	f.BoolP("dry-run", "n", false, "print points as JSON instead of sending them")
	f.Bool("skip-to-end", true, "on first run, skip lines already in the file")
	f.Bool("startover", false, "discard checkpoint and offset before running")
	f.Bool("permissive", false, "skip malformed lines instead of aborting")
	f.Bool("simulate-send-failure", false, "fail every send (testing)")
	f.String("backend", defaultBackend, "backend: influx, otlp, duckdb or stdout")
	f.String("influx-host", defaultInfluxHost, "InfluxDB host")
	f.Int("influx-port", defaultInfluxPort, "InfluxDB port")
	f.String("influx-username", "", "InfluxDB username")
	f.String("influx-password", "", "InfluxDB password")
	f.String("influx-database", defaultInfluxDatabase, "InfluxDB database")
	f.Int("influx-batch-size", model.DefaultInfluxBatchSize, "points per InfluxDB write")
	f.Bool("influx-drop-database", false, "drop the InfluxDB database before writing")
	f.Bool("influx-ssl", false, "use https for InfluxDB")
	f.String("otlp-endpoint", defaultOTLPEndpoint, "OTLP/gRPC collector endpoint")
	f.Bool("otlp-insecure", false, "disable TLS for the OTLP endpoint")
	addDuckDBFlags(cmd)
}

func addDuckDBFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("duckdb-path", "", "DuckDB point store path")
	f.Int("duckdb-retention-days", defaultDuckDBRetention, "days of points kept in DuckDB (0 = forever)")
	f.Duration("query-timeout", defaultQueryTimeout, "DuckDB statement timeout")
}

// printConfig handles --dump-config for every subcommand.
func (a *app) printConfig() (bool, error) {
	if !a.dumpConfig {
		return false, nil
	}
	out, err := dumpConfig(a.v)
	if err != nil {
		return true, fmt.Errorf("dump config: %w", err)
	}
	_, err = a.stdout.Write(out)
	return true, err
}
