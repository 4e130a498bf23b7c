package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr := newTracer(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)), "converge-test")
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr, exp
}

func attr(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestTracerSpanHierarchy(t *testing.T) {
	tr, exp := recordingTracer(t)

	ctx, run := tr.StartRunSpan(context.Background(), "run-1", "web1")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace id inside the run span")
	}
	octx, obj := tr.StartObjectSpan(ctx, "__file/etc/motd")
	_, phase := tr.StartPhaseSpan(octx, "__file/etc/motd", "gencode-remote")
	EndSpan(phase, errors.New("exit status 1"))
	EndSpan(obj, nil)
	EndSpan(run, nil)

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("Expected 3 spans, got %d", len(spans))
	}
	// spans are exported as they end
	p, o, r := spans[0], spans[1], spans[2]

	if r.Name != "converge web1" || attr(r.Attributes, AttrRunID) != "run-1" {
		t.Errorf("Unexpected run span %s %v", r.Name, r.Attributes)
	}
	if o.Parent.SpanID() != r.SpanContext.SpanID() {
		t.Error("Expected the object span to be a child of the run span")
	}
	if p.Parent.SpanID() != o.SpanContext.SpanID() {
		t.Error("Expected the phase span to be a child of the object span")
	}
	if attr(o.Attributes, AttrObjectType) != "__file" {
		t.Errorf("Expected object type __file, got %q", attr(o.Attributes, AttrObjectType))
	}
	if attr(p.Attributes, AttrPhase) != "gencode-remote" {
		t.Errorf("Expected phase attribute, got %v", p.Attributes)
	}
	if p.Status.Code != codes.Error || o.Status.Code != codes.Ok {
		t.Errorf("Unexpected statuses: phase %v, object %v", p.Status.Code, o.Status.Code)
	}
}

func TestTracerSingletonObjectType(t *testing.T) {
	tr, exp := recordingTracer(t)

	_, span := tr.StartObjectSpan(context.Background(), "__timezone")
	EndSpan(span, nil)

	if got := attr(exp.GetSpans()[0].Attributes, AttrObjectType); got != "__timezone" {
		t.Errorf("Expected object type __timezone, got %q", got)
	}
}

func TestNoopTracer(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "converge", "dev")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	ctx, span := tr.StartRunSpan(context.Background(), "run-1", "web1")
	EndSpan(span, nil)
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from the noop tracer")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin", SamplingRate: 1}, "converge", "dev"); err == nil {
		t.Error("Expected an error for an unknown exporter")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}

	tests := map[string]func(c *Config){
		"service name":  func(c *Config) { c.ServiceName = "" },
		"level":         func(c *Config) { c.Logging.Level = "chatty" },
		"format":        func(c *Config) { c.Logging.Format = "xml" },
		"time format":   func(c *Config) { c.Logging.TimeFormat = "iso" },
		"exporter":      func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" },
		"sampling rate": func(c *Config) { c.Tracing.SamplingRate = 1.5 },
		"metrics":       func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" },
		"buffer": func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		},
	}
	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			modify(c)
			if err := c.Validate(); err == nil {
				t.Error("Expected a validation error")
			}
		})
	}
}
