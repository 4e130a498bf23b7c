// Package telemetry carries the logging, tracing, metrics and run events
// of converge.
//
// A Telemetry bundles one zerolog root logger, an OpenTelemetry tracer, a
// Prometheus registry and an EventPublisher that the run journal
// subscribes to:
//
//	tel, err := telemetry.NewTelemetry(settings.TelemetryConfig(version))
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
// Log levels are numbers shared with the scripts of a run, which see them
// as __cdist_log_level and __cdist_log_level_name:
//
//	TRACE=5 DEBUG=10 VERBOSE=15 INFO=20 WARNING=30 ERROR=40 CRITICAL=50 OFF=60
//
// Code working against a target host logs through ForHost(name). The
// logger is looked up by name, so snapshots handed between processes only
// carry the host name.
package telemetry
