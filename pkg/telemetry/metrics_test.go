package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordSweep()
	m.RecordPhase("manifest", time.Second, nil)
	m.RecordTransfer("archive")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from disabled metrics, got %d", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordSweep()
	m.RecordObject("__file", "done")
	m.RecordPhase("code-remote", 10*time.Millisecond, errTest)
	m.RecordTransfer("archive")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"converge_sweeps_total 1",
		`converge_objects_processed_total{status="done",type="__file"} 1`,
		`converge_script_failures_total{phase="code-remote"} 1`,
		`converge_transfers_total{method="archive"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("boom")
