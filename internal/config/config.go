// Package config defines the loader's settings and loads them from flags,
// the environment and an optional config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. MEMCLOAD_CHUNK_SIZE.
const EnvPrefix = "MEMCLOAD"

// Metrics backends accepted by MetricsBackend.
const (
	MetricsNone        = "none"
	MetricsDatadog     = "datadog"
	MetricsPushgateway = "pushgateway"
)

// Config holds every setting of a run. Field tags name the flag, which is
// also the config file key (underscores are accepted in place of dashes).
type Config struct {
	ConfigFile string

	Dir     string
	Pattern string

	IDFA string
	GAID string
	ADID string
	DVID string
	// Shards holds extra "device_type=address" routes.
	Shards []string

	ChunkSize   int
	Workers     int
	Concurrency int

	Retries       int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
	WriteRate     float64

	ErrorThreshold float64

	DryRun    bool
	SkipCount bool
	NoRename  bool

	LogLevel  string
	LogFormat string
	LogFile   string

	MetricsBackend string
	PushgatewayURL string
	MetricsTags    []string
	Job            string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Dir:            ".",
		Pattern:        "*.tsv.gz",
		IDFA:           "127.0.0.1:33013",
		GAID:           "127.0.0.1:33014",
		ADID:           "127.0.0.1:33015",
		DVID:           "127.0.0.1:33016",
		ChunkSize:      100,
		Workers:        3,
		Concurrency:    4,
		Retries:        3,
		RetryDelay:     200 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		Timeout:        3 * time.Second,
		ErrorThreshold: 0.01,
		LogLevel:       "info",
		LogFormat:      "console",
		MetricsBackend: MetricsNone,
		PushgatewayURL: "http://localhost:9091",
		Job:            "memcload",
	}
}

// RegisterFlags defines one flag per setting on fs, each bound to a field of
// c. The current values of c become the flag defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.ConfigFile, "config", "c", c.ConfigFile, "config file (json, yaml or toml by extension)")

	fs.StringVar(&c.Dir, "dir", c.Dir, "input directory")
	fs.StringVar(&c.Pattern, "pattern", c.Pattern, "glob pattern of input files")

	fs.StringVar(&c.IDFA, "idfa", c.IDFA, "shard address for idfa devices")
	fs.StringVar(&c.GAID, "gaid", c.GAID, "shard address for gaid devices")
	fs.StringVar(&c.ADID, "adid", c.ADID, "shard address for adid devices")
	fs.StringVar(&c.DVID, "dvid", c.DVID, "shard address for dvid devices")
	fs.StringSliceVar(&c.Shards, "shards", c.Shards, "extra device_type=address routes")

	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "lines per chunk")
	fs.IntVar(&c.Workers, "workers", c.Workers, "files processed in parallel")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "chunk workers per file")

	fs.IntVar(&c.Retries, "retries", c.Retries, "write attempts per shard batch")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "initial retry backoff")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", c.RetryMaxDelay, "retry backoff cap")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "per-call shard timeout")
	fs.Float64Var(&c.WriteRate, "write-rate", c.WriteRate, "batch writes per second per shard (0 = unlimited)")

	fs.Float64Var(&c.ErrorThreshold, "error-threshold", c.ErrorThreshold, "highest acceptable error rate per file")

	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun, "log entries instead of writing them")
	fs.BoolVar(&c.SkipCount, "skip-count", c.SkipCount, "skip the line precount")
	fs.BoolVar(&c.NoRename, "no-rename", c.NoRename, "leave input files in place")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "log file (stderr when empty)")

	fs.StringVar(&c.MetricsBackend, "metrics-backend", c.MetricsBackend, "none, datadog or pushgateway")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", c.PushgatewayURL, "Pushgateway base URL")
	fs.StringSliceVar(&c.MetricsTags, "metrics-tags", c.MetricsTags, "extra k:v metric tags")
	fs.StringVar(&c.Job, "job", c.Job, "job name for metrics")

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

// Apply fills every flag of fs that was not set on the command line from, in
// priority order, the environment (EnvPrefix_NAME), the config file named by
// the "config" flag and the flag default. Since each flag points at a Config
// field, the Config is updated in place.
//
// Errors:
//   - the config file cannot be read or parsed
//   - the config file holds a key that is not a flag
//   - a value cannot be parsed into its flag's type
func Apply(fs *pflag.FlagSet) error {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	valid := map[string]bool{}
	fs.VisitAll(func(f *pflag.Flag) { valid[f.Name] = true })

	if path := v.GetString("config"); path != "" {
		file, err := readFile(path, valid)
		if err != nil {
			return err
		}
		if err := v.MergeConfigMap(file); err != nil {
			return fmt.Errorf("config: merge %s: %w", path, err)
		}
	}

	var flagErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// A list from a config file does not survive GetString.
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		// Values from the environment or file count as explicit, so they
		// mark the flag changed.
		var err error
		if v.IsSet(f.Name) {
			err = fs.Set(f.Name, value)
		} else {
			err = f.Value.Set(value)
		}
		if err != nil {
			flagErr = fmt.Errorf("config: %s=%q: %w", f.Name, value, err)
		}
	})
	return flagErr
}

// Resolve derives settings that depend on other settings once fs has been
// applied. A dry run logs at debug level unless log-level was set explicitly.
func (c *Config) Resolve(fs *pflag.FlagSet) {
	if c.DryRun && !fs.Changed("log-level") {
		c.LogLevel = "debug"
	}
}

// readFile parses a config file into flag-named keys.
func readFile(path string, valid map[string]bool) (map[string]any, error) {
	fv := viper.New()
	fv.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		fv.SetConfigType("yaml")
	}
	if err := fv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	out := map[string]any{}
	var unknown []string
	for _, key := range fv.AllKeys() {
		name := strings.ReplaceAll(key, "_", "-")
		if !valid[name] {
			unknown = append(unknown, key)
			continue
		}
		out[name] = fv.Get(key)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config: invalid option(s) in %s: %s", path, strings.Join(unknown, ", "))
	}
	return out, nil
}

// Load parses args into a Config starting from Default, then applies the
// environment and config file. It is the non-cobra entry point.
func Load(args []string) (Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("memcload", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := Apply(fs); err != nil {
		return Config{}, err
	}
	cfg.Resolve(fs)
	return cfg, nil
}

// ShardMap merges the four fixed device types with Shards. Empty addresses
// are left out; later Shards entries override earlier routes.
//
// Errors:
//   - a Shards entry is not "device_type=address"
func (c Config) ShardMap() (map[string]string, error) {
	m := map[string]string{}
	for typ, addr := range map[string]string{"idfa": c.IDFA, "gaid": c.GAID, "adid": c.ADID, "dvid": c.DVID} {
		if addr != "" {
			m[typ] = addr
		}
	}
	for _, s := range c.Shards {
		typ, addr, ok := strings.Cut(s, "=")
		typ, addr = strings.TrimSpace(typ), strings.TrimSpace(addr)
		if !ok || typ == "" || addr == "" {
			return nil, fmt.Errorf("config: shards entry %q: want device_type=address", s)
		}
		m[typ] = addr
	}
	return m, nil
}
