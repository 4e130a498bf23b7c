package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config configures logging, tracing, metrics and events of one converge
// process. All hosts of a multi-host run share it.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the root logger. Per-host loggers derive from
// it through ForHost.
type LoggingConfig struct {
	// Level is a level name (trace, debug, verbose, info, warning,
	// error, critical, off) or its number. Scripts see it as
	// __cdist_log_level and __cdist_log_level_name.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file that is appended to.
	Output string

	// Colored turns on ANSI colours in console output and is handed to
	// scripts as __cdist_colored_log.
	Colored bool

	// TimeFormat is rfc3339 or unix.
	TimeFormat string
}

// TracingConfig configures run, object and phase spans.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	SamplingRate  float64
	ExportTimeout time.Duration

	// Insecure dials the collector without TLS.
	Insecure bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are the phase and run duration buckets in
	// seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the run and object event publisher.
type EventsConfig struct {
	Enabled bool

	// EnableAsync delivers events from a goroutine through a channel of
	// BufferSize. Synchronous delivery keeps the journal in step with
	// the run.
	EnableAsync bool
	BufferSize  int
}

// DefaultConfig logs warnings and above to stderr, publishes events
// synchronously and leaves tracing and metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "converge",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "warning",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "converge",
			// scripts take milliseconds, package installs minutes
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q (console or json)", c.Logging.Format)
	}
	switch c.Logging.TimeFormat {
	case "", "rfc3339", "unix":
	default:
		return fmt.Errorf("invalid log time format %q (rfc3339 or unix)", c.Logging.TimeFormat)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate %g is not between 0 and 1", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errors.New("metrics need a listen address")
	}

	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		return fmt.Errorf("async events need a positive buffer size, got %d", c.Events.BufferSize)
	}
	return nil
}
