package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"memcload/internal/logging"
	"memcload/internal/router"
)

// Severity classifies an Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path names the offending setting.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks c and returns every issue found, errors and warnings
// mixed, in field order. Metrics settings only ever produce warnings: a bad
// metrics setup disables metrics, it does not stop a load.
func Validate(c Config) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{SeverityWarning, path, fmt.Sprintf(format, a...)})
	}

	if c.Dir == "" {
		errf("dir", "must not be empty")
	} else if fi, err := os.Stat(c.Dir); err != nil {
		errf("dir", "%v", err)
	} else if !fi.IsDir() {
		errf("dir", "%s is not a directory", c.Dir)
	}
	if c.Pattern == "" {
		errf("pattern", "must not be empty")
	} else if _, err := filepath.Match(filepath.Base(c.Pattern), ""); err != nil {
		errf("pattern", "%q: %v", c.Pattern, err)
	}

	for _, s := range []struct{ path, addr string }{
		{"idfa", c.IDFA}, {"gaid", c.GAID}, {"adid", c.ADID}, {"dvid", c.DVID},
	} {
		if s.addr == "" {
			warnf(s.path, "no shard address; %s records will be counted as errors", s.path)
			continue
		}
		if _, err := router.ParseShard(s.addr); err != nil {
			errf(s.path, "%v", err)
		}
	}
	if m, err := c.ShardMap(); err != nil {
		errf("shards", "%v", err)
	} else if len(c.Shards) > 0 {
		if _, err := router.NewTable(m); err != nil {
			errf("shards", "%v", err)
		}
	}

	if c.ChunkSize <= 0 {
		errf("chunk-size", "must be > 0, got %d", c.ChunkSize)
	}
	if c.Workers <= 0 {
		errf("workers", "must be > 0, got %d", c.Workers)
	}
	if c.Concurrency <= 0 {
		errf("concurrency", "must be > 0, got %d", c.Concurrency)
	}
	if c.Retries <= 0 {
		errf("retries", "must be > 0, got %d", c.Retries)
	}
	if c.RetryDelay < 0 {
		errf("retry-delay", "must not be negative")
	}
	if c.RetryMaxDelay < 0 {
		errf("retry-max-delay", "must not be negative")
	} else if c.RetryMaxDelay < c.RetryDelay {
		warnf("retry-max-delay", "%s is below retry-delay %s; backoff will not grow", c.RetryMaxDelay, c.RetryDelay)
	}
	if c.Timeout < 0 {
		errf("timeout", "must not be negative")
	}
	if c.WriteRate < 0 {
		errf("write-rate", "must not be negative")
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		errf("error-threshold", "must be in (0, 1], got %g", c.ErrorThreshold)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errf("log-level", "%v", err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errf("log-format", "must be console or json, got %q", c.LogFormat)
	}

	switch c.MetricsBackend {
	case "", MetricsNone, MetricsDatadog:
	case MetricsPushgateway:
		if u, err := url.Parse(c.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			warnf("pushgateway-url", "%q is not an absolute URL; metrics will be disabled", c.PushgatewayURL)
		}
	default:
		warnf("metrics-backend", "unknown backend %q; metrics will be disabled", c.MetricsBackend)
	}
	if c.Job == "" {
		warnf("job", "empty; defaulting to memcload")
	}

	return out
}
