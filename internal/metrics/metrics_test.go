package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUpdates(t *testing.T) {
	m := New()

	m.ObserveCycleDuration(2 * time.Second)
	m.ObserveApplyDuration(40 * time.Second)
	m.SetServicesTotal("Healthy", 3)
	m.SetServicesTotal("Failed", 1)
	m.IncTransitions("Degraded")
	m.IncProbeFailures("pds")
	m.IncProbeFailures("pds")
	m.IncDriverErrors("feed-generator")
	m.IncCertIssuance("pds.example.test", "issued")
	m.SetCertificateExpiry("pds.example.test", time.Unix(5000, 0))
	m.SetLastSuccessfulCycleTimestamp(time.Unix(100, 0))

	if got := testutil.ToFloat64(m.servicesTotal.WithLabelValues("Healthy")); got != 3 {
		t.Fatalf("expected healthy services 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.servicesTotal.WithLabelValues("Failed")); got != 1 {
		t.Fatalf("expected failed services 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitionsTotal.WithLabelValues("Degraded")); got != 1 {
		t.Fatalf("expected transitions 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.probeFailuresTotal.WithLabelValues("pds")); got != 2 {
		t.Fatalf("expected probe failures 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.driverErrorsTotal.WithLabelValues("feed-generator")); got != 1 {
		t.Fatalf("expected driver errors 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.certRenewalsTotal.WithLabelValues("pds.example.test", "issued")); got != 1 {
		t.Fatalf("expected certificate issuances 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.certExpiryGauge.WithLabelValues("pds.example.test")); got != 5000 {
		t.Fatalf("expected certificate expiry 5000, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccessfulCycleGauge); got != 100 {
		t.Fatalf("expected last successful cycle 100, got %v", got)
	}
	if count := testutil.CollectAndCount(m.cycleDurationSeconds); count == 0 {
		t.Fatalf("expected cycle duration histogram to be collected")
	}
	if count := testutil.CollectAndCount(m.applyDurationSeconds); count == 0 {
		t.Fatalf("expected apply duration histogram to be collected")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycleDuration(time.Second)
	m.SetServicesTotal("Healthy", 1)
	m.IncTransitions("Failed")
	m.IncCertIssuance("x", "failed")
	if m.Handler() == nil {
		t.Fatalf("expected fallback handler")
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncTransitions("Healthy")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "skyward_transitions_total") {
		t.Fatalf("expected transitions metric in output")
	}
}
