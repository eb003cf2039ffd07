package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for skyward.
type Metrics struct {
	registry                 *prometheus.Registry
	cycleDurationSeconds     prometheus.Histogram
	applyDurationSeconds     prometheus.Histogram
	servicesTotal            *prometheus.GaugeVec
	transitionsTotal         *prometheus.CounterVec
	probeFailuresTotal       *prometheus.CounterVec
	driverErrorsTotal        *prometheus.CounterVec
	certRenewalsTotal        *prometheus.CounterVec
	certExpiryGauge          *prometheus.GaugeVec
	lastSuccessfulCycleGauge prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		cycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skyward_monitor_cycle_duration_seconds",
			Help:    "Duration of health monitor probe cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		applyDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skyward_apply_duration_seconds",
			Help:    "Duration of apply passes in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		servicesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyward_services_total",
			Help: "Total services by lifecycle phase.",
		}, []string{"phase"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyward_transitions_total",
			Help: "Total service phase transitions by target phase.",
		}, []string{"phase"}),
		probeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyward_probe_failures_total",
			Help: "Total failed health probes by service.",
		}, []string{"service"}),
		driverErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyward_driver_errors_total",
			Help: "Total driver apply/verify errors by service kind.",
		}, []string{"kind"}),
		certRenewalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skyward_certificate_issuances_total",
			Help: "Total certificate issuance attempts by domain and result.",
		}, []string{"domain", "result"}),
		certExpiryGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyward_certificate_expiry_timestamp",
			Help: "Unix timestamp at which the current certificate for a domain expires.",
		}, []string{"domain"}),
		lastSuccessfulCycleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skyward_last_successful_cycle_timestamp",
			Help: "Unix timestamp of the last completed monitor cycle.",
		}),
	}

	registry.MustRegister(
		m.cycleDurationSeconds,
		m.applyDurationSeconds,
		m.servicesTotal,
		m.transitionsTotal,
		m.probeFailuresTotal,
		m.driverErrorsTotal,
		m.certRenewalsTotal,
		m.certExpiryGauge,
		m.lastSuccessfulCycleGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycleDuration records the duration of a completed monitor cycle.
func (m *Metrics) ObserveCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveApplyDuration records the duration of an apply pass.
func (m *Metrics) ObserveApplyDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.applyDurationSeconds.Observe(duration.Seconds())
}

// SetServicesTotal sets the services gauge for a phase.
func (m *Metrics) SetServicesTotal(phase string, value int) {
	if m == nil {
		return
	}
	m.servicesTotal.WithLabelValues(phase).Set(float64(value))
}

// IncTransitions increments the transition counter for the target phase.
func (m *Metrics) IncTransitions(phase string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(phase).Inc()
}

// IncProbeFailures increments the probe failure counter for a service.
func (m *Metrics) IncProbeFailures(service string) {
	if m == nil {
		return
	}
	m.probeFailuresTotal.WithLabelValues(service).Inc()
}

// IncDriverErrors increments the driver error counter for a kind.
func (m *Metrics) IncDriverErrors(kind string) {
	if m == nil {
		return
	}
	m.driverErrorsTotal.WithLabelValues(kind).Inc()
}

// IncCertIssuance counts an issuance attempt; result is "issued" or "failed".
func (m *Metrics) IncCertIssuance(domain, result string) {
	if m == nil {
		return
	}
	m.certRenewalsTotal.WithLabelValues(domain, result).Inc()
}

// SetCertificateExpiry records when a domain's certificate expires.
func (m *Metrics) SetCertificateExpiry(domain string, notAfter time.Time) {
	if m == nil {
		return
	}
	m.certExpiryGauge.WithLabelValues(domain).Set(float64(notAfter.Unix()))
}

// SetLastSuccessfulCycleTimestamp sets the last successful cycle time.
func (m *Metrics) SetLastSuccessfulCycleTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulCycleGauge.Set(float64(t.Unix()))
}
