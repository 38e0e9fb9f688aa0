package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/accesstats/internal/model"
	"github.com/tinytelemetry/accesstats/internal/sink"
)

const (
	envPrefix                 = "ACCESSTATS"
	defaultBackend            = sink.NameInflux
	defaultInfluxHost         = "localhost"
	defaultInfluxPort         = 8086
	defaultInfluxDatabase     = "nginx_stats"
	defaultOTLPEndpoint       = "localhost:4317"
	defaultDuckDBRetention    = 30 // days, 0 = disabled
	defaultQueryTimeout       = 30 * time.Second
	defaultAPIAddr            = "127.0.0.1:3000"
	defaultRetentionInterval  = time.Hour
	defaultWorkdirName        = "accesstats"
	defaultDuckDBName         = "points.duckdb"
	defaultLogName            = "accesstats.log"
	defaultBackendPrepareTime = 10 * time.Second
)

//go:embed config.schema.json
var configSchema []byte

// appConfig is the merged runtime configuration.
type appConfig struct {
	File                string        `mapstructure:"file" json:"file"`
	Workdir             string        `mapstructure:"workdir" json:"workdir"`
	LogDir              string        `mapstructure:"log-dir" json:"log_dir"`
	Hostname            string        `mapstructure:"hostname" json:"hostname"`
	Name                string        `mapstructure:"name" json:"name"`
	Datacenter          string        `mapstructure:"datacenter" json:"datacenter"`
	MaxLines            int           `mapstructure:"max-lines" json:"max_lines"`
	BucketDuration      int64         `mapstructure:"bucket-duration" json:"bucket_duration"`
	LookbackFactor      int64         `mapstructure:"lookback-factor" json:"lookback_factor"`
	RetryQueueCapacity  int           `mapstructure:"retry-queue-capacity" json:"retry_queue_capacity"`
	SendTimeout         time.Duration `mapstructure:"send-timeout" json:"send_timeout"`
	DryRun              bool          `mapstructure:"dry-run" json:"dry_run"`
	SkipToEnd           bool          `mapstructure:"skip-to-end" json:"skip_to_end"`
	Startover           bool          `mapstructure:"startover" json:"startover"`
	Permissive          bool          `mapstructure:"permissive" json:"permissive"`
	SimulateSendFailure bool          `mapstructure:"simulate-send-failure" json:"simulate_send_failure"`
	Backend             string        `mapstructure:"backend" json:"backend"`
	InfluxHost          string        `mapstructure:"influx-host" json:"influx_host"`
	InfluxPort          int           `mapstructure:"influx-port" json:"influx_port"`
	InfluxUsername      string        `mapstructure:"influx-username" json:"influx_username"`
	InfluxPassword      string        `mapstructure:"influx-password" json:"influx_password"`
	InfluxDatabase      string        `mapstructure:"influx-database" json:"influx_database"`
	InfluxBatchSize     int           `mapstructure:"influx-batch-size" json:"influx_batch_size"`
	InfluxDropDatabase  bool          `mapstructure:"influx-drop-database" json:"influx_drop_database"`
	InfluxSSL           bool          `mapstructure:"influx-ssl" json:"influx_ssl"`
	OTLPEndpoint        string        `mapstructure:"otlp-endpoint" json:"otlp_endpoint"`
	OTLPInsecure        bool          `mapstructure:"otlp-insecure" json:"otlp_insecure"`
	DuckDBPath          string        `mapstructure:"duckdb-path" json:"duckdb_path"`
	DuckDBRetentionDays int           `mapstructure:"duckdb-retention-days" json:"duckdb_retention_days"`
	APIAddr             string        `mapstructure:"api-addr" json:"api_addr"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout" json:"query_timeout"`
	Debug               bool          `mapstructure:"debug" json:"debug"`
	Quiet               int           `mapstructure:"quiet" json:"quiet"`
	ConfigPath          string        `mapstructure:"-" json:"-"` // not from config file
}

// GlobalTags returns the tags added to every emitted point. The name tag
// falls back to the log path, or stdin when reading a stream.
func (c appConfig) GlobalTags() map[string]string {
	tags := map[string]string{"host": c.Hostname, "name": c.Name}
	if c.Name == "" {
		tags["name"] = c.File
		if c.File == "" {
			tags["name"] = stdinName
		}
	}
	if c.Datacenter != "" {
		tags["dc"] = c.Datacenter
	}
	return tags
}

func setDefaults(v *viper.Viper, home string) {
	state := filepath.Join(home, ".local", "state", defaultWorkdirName)
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	v.SetDefault("file", "")
	v.SetDefault("workdir", state)
	v.SetDefault("log-dir", state)
	v.SetDefault("hostname", hostname)
	v.SetDefault("name", "")
	v.SetDefault("datacenter", "")
	v.SetDefault("max-lines", 0)
	v.SetDefault("bucket-duration", model.DefaultBucketDuration)
	v.SetDefault("lookback-factor", model.DefaultLookbackFactor)
	v.SetDefault("retry-queue-capacity", model.DefaultRetryQueueCapacity)
	v.SetDefault("send-timeout", model.DefaultSendTimeout)
	v.SetDefault("dry-run", false)
	v.SetDefault("skip-to-end", true)
	v.SetDefault("startover", false)
	v.SetDefault("permissive", false)
	v.SetDefault("simulate-send-failure", false)
	v.SetDefault("backend", defaultBackend)
	v.SetDefault("influx-host", defaultInfluxHost)
	v.SetDefault("influx-port", defaultInfluxPort)
	v.SetDefault("influx-username", "")
	v.SetDefault("influx-password", "")
	v.SetDefault("influx-database", defaultInfluxDatabase)
	v.SetDefault("influx-batch-size", model.DefaultInfluxBatchSize)
	v.SetDefault("influx-drop-database", false)
	v.SetDefault("influx-ssl", false)
	v.SetDefault("otlp-endpoint", defaultOTLPEndpoint)
	v.SetDefault("otlp-insecure", false)
	v.SetDefault("duckdb-path", filepath.Join(home, ".local", "share", defaultWorkdirName, defaultDuckDBName))
	v.SetDefault("duckdb-retention-days", defaultDuckDBRetention)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("debug", false)
	v.SetDefault("quiet", 0)
}

// loadConfig merges defaults, the optional config file, ACCESSTATS_* env
// vars and changed flags, in increasing precedence.
func loadConfig(configPath string, flags *pflag.FlagSet) (appConfig, *viper.Viper, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, nil, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	setDefaults(v, home)

	if flags != nil {
		known := make(map[string]bool)
		for _, k := range v.AllKeys() {
			known[k] = true
		}
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil && known[f.Name] {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return cfg, nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", defaultWorkdirName, "config.yml"))
	}
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, nil, fmt.Errorf("reading config: %w", err)
		}
		// An explicitly requested file must exist.
		if configPath != "" {
			return cfg, nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	for _, p := range []*string{&cfg.File, &cfg.Workdir, &cfg.LogDir, &cfg.DuckDBPath} {
		*p = expandHome(*p, home)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))

	if err := validateConfig(cfg); err != nil {
		return cfg, nil, err
	}
	return cfg, v, nil
}

// validateConfig checks the decoded configuration against the embedded schema.
func validateConfig(cfg appConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(configSchema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("config schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, strings.ReplaceAll(desc.String(), "_", "-"))
	}
	sort.Strings(details)
	return fmt.Errorf("invalid config: %s", strings.Join(details, "; "))
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// dumpConfig renders the effective settings as YAML with durations in
// their string form.
func dumpConfig(v *viper.Viper) ([]byte, error) {
	settings := v.AllSettings()
	for k, val := range settings {
		if d, ok := val.(time.Duration); ok {
			settings[k] = d.String()
		}
	}
	if _, ok := settings["influx-password"]; ok {
		if s, _ := settings["influx-password"].(string); s != "" {
			settings["influx-password"] = "********"
		}
	}
	return yaml.Marshal(settings)
}
