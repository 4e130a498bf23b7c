package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts sweeps, objects, phases, transfers and runs in a private
// registry. Every method is a no-op on a Metrics built with metrics
// disabled, and on a nil Metrics.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runSeconds    *prometheus.HistogramVec
	sweeps        prometheus.Counter
	objects       *prometheus.CounterVec
	phaseSeconds  *prometheus.HistogramVec
	transfers     *prometheus.CounterVec
	phaseFailures *prometheus.CounterVec
}

// NewMetrics registers the converge collectors when cfg is enabled.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.runs = counter("runs_completed_total", "Runs finished, by status.", "status")
	m.runSeconds = histogram("run_duration_seconds", "Wall time of a run against one host.", "status")
	m.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "sweeps_total",
		Help:      "Passes over the object store.",
	})
	m.objects = counter("objects_processed_total", "Objects that reached a final state, by type and status.", "type", "status")
	m.phaseSeconds = histogram("phase_duration_seconds", "Wall time of one object phase.", "phase")
	m.transfers = counter("transfers_total", "Uploads to the target, by method.", "method")
	m.phaseFailures = counter("script_failures_total", "Phases that failed, by phase.", "phase")

	m.registry = prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{m.runs, m.runSeconds, m.sweeps, m.objects, m.phaseSeconds, m.transfers, m.phaseFailures} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunCompleted observes a run that ended with status.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordSweep() {
	if m.enabled() {
		m.sweeps.Inc()
	}
}

func (m *Metrics) RecordObject(typeName, status string) {
	if m.enabled() {
		m.objects.WithLabelValues(typeName, status).Inc()
	}
}

// RecordPhase observes a phase and counts it as failed when err is set.
func (m *Metrics) RecordPhase(phase string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.phaseSeconds.WithLabelValues(phase).Observe(duration.Seconds())
	if err != nil {
		m.phaseFailures.WithLabelValues(phase).Inc()
	}
}

// RecordTransfer counts an upload; method is archive, onebyone or file.
func (m *Metrics) RecordTransfer(method string) {
	if m.enabled() {
		m.transfers.WithLabelValues(method).Inc()
	}
}

// Handler serves the registry, or 404 when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address and path in
// the background. It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			Default().WithError(err).Errorf("Metrics server on %s stopped", server.Addr)
		}
	}()
	return server
}
