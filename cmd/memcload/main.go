package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"memcload/internal/config"
	"memcload/internal/loader"
	"memcload/internal/logging"
	"memcload/internal/metrics"
	"memcload/internal/metrics/datadog"
	"memcload/internal/metrics/prompush"
	"memcload/internal/writer"

	// register every shard backend with the storage factory.
	_ "memcload/internal/storage/all"
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject a fake metrics backend or logger and capture output.
//
// Errors:
//   - BackendFactory returning an error only disables metrics.
//   - BackendFactory returning (nil, nil) means metrics are off.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, cfg config.Config, runID string) (backendCloser, error)
	NewLogger      func(opts logging.Options) (*zap.SugaredLogger, error)
}

// main wires real dependencies, cancels the run on SIGINT/SIGTERM and exits
// with the code run returns.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		BackendFactory: newMetricsBackend,
		NewLogger:      logging.New,
	})
	stop()
	os.Exit(code)
}

// run executes the command and returns an exit code.
//
// Exit codes:
//   - 0: the run completed, including files with a high error rate and
//     directories with nothing to do.
//   - 1: setup failed (configuration, logging, discovery).
//   - 2: usage error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newMetricsBackend
	}
	if d.NewLogger == nil {
		d.NewLogger = logging.New
	}

	code := 0
	cmd := newRootCommand(d, &code)
	cmd.SetArgs(args)
	cmd.SetOut(d.Stdout)
	cmd.SetErr(d.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}
	return code
}

func newRootCommand(d deps, code *int) *cobra.Command {
	cfg := config.Default()
	var validateOnly bool

	cmd := &cobra.Command{
		Use:   "memcload",
		Short: "Load device app installs from TSV dumps into sharded key-value stores",
		Long: `memcload reads gzip TSV dumps of installed apps per device, encodes each
record and writes it to the shard configured for its device type.

Settings come from flags, MEMCLOAD_* environment variables and an optional
config file, in that priority order.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			*code = execute(cmd.Context(), cmd.Flags(), &cfg, validateOnly, d)
			return nil
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	return cmd
}

func execute(ctx context.Context, flags *pflag.FlagSet, cfg *config.Config, validateOnly bool, d deps) int {
	if err := config.Apply(flags); err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	}
	cfg.Resolve(flags)

	issues := config.Validate(*cfg)
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(d.Stderr, "configuration is invalid")
		return 1
	}
	if validateOnly {
		fmt.Fprintln(d.Stdout, "configuration is valid")
		return 0
	}

	base, err := d.NewLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(d.Stderr, "logging: %v\n", err)
		return 1
	}
	defer func() { _ = base.Sync() }()

	runID := uuid.NewString()
	log := base.With("run_id", runID)

	closeMetrics := setupMetrics(ctx, *cfg, runID, d, log)
	defer closeMetrics()

	shards, err := cfg.ShardMap()
	if err != nil {
		log.Errorf("stage=setup err=%v", err)
		return 1
	}

	r := loader.NewRunner(loader.Config{
		Dir:       cfg.Dir,
		Pattern:   cfg.Pattern,
		Shards:    shards,
		Workers:   cfg.Workers,
		SkipCount: cfg.SkipCount,
		File: loader.FileOptions{
			ChunkSize:      cfg.ChunkSize,
			Concurrency:    cfg.Concurrency,
			ErrorThreshold: cfg.ErrorThreshold,
			NoRename:       cfg.NoRename,
		},
		Write: writer.Options{
			DryRun:        cfg.DryRun,
			Retries:       cfg.Retries,
			RetryDelay:    cfg.RetryDelay,
			RetryMaxDelay: cfg.RetryMaxDelay,
			Timeout:       cfg.Timeout,
			Rate:          cfg.WriteRate,
		},
		Timeout:  cfg.Timeout,
		Progress: d.Stdout,
		RunID:    runID,
	}, log)

	start := time.Now()
	if _, err := r.Run(ctx); err != nil {
		log.Errorf("stage=setup err=%v", err)
		return 1
	}
	log.Debugf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	return 0
}

// setupMetrics installs the configured backend and returns its shutdown
// func. Any failure leaves the no-op backend in place.
func setupMetrics(ctx context.Context, cfg config.Config, runID string, d deps, log logging.Logger) func() {
	b, err := d.BackendFactory(ctx, cfg, runID)
	if err != nil {
		log.Warnf("metrics: backend=%s init failed: %v; metrics disabled", cfg.MetricsBackend, err)
		return func() {}
	}
	if b == nil {
		log.Debugf("metrics: disabled (backend=%q)", cfg.MetricsBackend)
		return func() {}
	}

	log.Infof("metrics: backend=%s job_name=%s", cfg.MetricsBackend, cfg.Job)
	metrics.SetBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			log.Warnf("metrics: close/flush error: %v", err)
		}
		metrics.SetBackend(nil)
	}
}

// newMetricsBackend builds the backend named by cfg.MetricsBackend.
func newMetricsBackend(ctx context.Context, cfg config.Config, runID string) (backendCloser, error) {
	switch cfg.MetricsBackend {
	case "", config.MetricsNone:
		return nil, nil

	case config.MetricsDatadog:
		tags := datadog.ParseTagsCSV(strings.Join(cfg.MetricsTags, ","))
		tags = append(tags, "run_id:"+runID)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return b, nil

	case config.MetricsPushgateway:
		grouping := map[string]string{"run_id": runID}
		for _, t := range cfg.MetricsTags {
			if k, v, ok := strings.Cut(t, ":"); ok && k != "" {
				grouping[k] = v
			}
		}
		b, err := prompush.NewBackend(prompush.Options{
			URL:      cfg.PushgatewayURL,
			Job:      cfg.Job,
			Grouping: grouping,
		})
		if err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.MetricsBackend)
	}
}
