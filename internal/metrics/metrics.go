package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Warden
type Metrics struct {
	// Import counters
	ImportsStartedTotal       *prometheus.CounterVec
	ImportsFinishedTotal      *prometheus.CounterVec
	ImportStepsTotal          *prometheus.CounterVec
	ImportStepDurationSeconds *prometheus.HistogramVec
	ImportsActive             prometheus.Gauge
	OperationsSweptTotal      prometheus.Counter

	// Template counters/gauges
	ExportsTotal     *prometheus.CounterVec
	ValidationsTotal *prometheus.CounterVec
	TemplatesStored  prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		// Import counters
		ImportsStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_imports_started_total",
				Help: "Total number of template imports started",
			},
			[]string{"strategy"},
		),
		ImportsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_imports_finished_total",
				Help: "Total number of template imports finished, by final status",
			},
			[]string{"status"},
		),
		ImportStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_import_steps_total",
				Help: "Total number of executed import plan steps",
			},
			[]string{"kind", "outcome"},
		),
		ImportStepDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_import_step_duration_seconds",
				Help:    "Duration of guild API calls made by import steps",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		ImportsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_imports_active",
				Help: "Number of import operations not yet finished",
			},
		),
		OperationsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_operations_swept_total",
				Help: "Total number of finished import operations removed by cleanup",
			},
		),

		// Template counters/gauges
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_exports_total",
				Help: "Total number of server template exports",
			},
			[]string{"status"},
		),
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_validations_total",
				Help: "Total number of template validations",
			},
			[]string{"result"},
		),
		TemplatesStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_templates_stored",
				Help: "Number of templates in the library",
			},
		),

		// API metrics
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		// System metrics
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	// Register all metrics
	reg.MustRegister(
		m.ImportsStartedTotal,
		m.ImportsFinishedTotal,
		m.ImportStepsTotal,
		m.ImportStepDurationSeconds,
		m.ImportsActive,
		m.OperationsSweptTotal,
		m.ExportsTotal,
		m.ValidationsTotal,
		m.TemplatesStored,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncImportsStarted increments the started import counter
func IncImportsStarted(strategy string) {
	m := Global()
	if m != nil {
		m.ImportsStartedTotal.WithLabelValues(strategy).Inc()
		m.ImportsActive.Inc()
	}
}

// IncImportsFinished increments the finished import counter
func IncImportsFinished(status string) {
	m := Global()
	if m != nil {
		m.ImportsFinishedTotal.WithLabelValues(status).Inc()
		m.ImportsActive.Dec()
	}
}

// ObserveImportStep records one executed plan step
func ObserveImportStep(kind, outcome string, seconds float64) {
	m := Global()
	if m != nil {
		m.ImportStepsTotal.WithLabelValues(kind, outcome).Inc()
		m.ImportStepDurationSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// AddOperationsSwept adds to the swept operations counter
func AddOperationsSwept(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.OperationsSweptTotal.Add(float64(n))
	}
}

// IncExports increments the export counter
func IncExports(status string) {
	m := Global()
	if m != nil {
		m.ExportsTotal.WithLabelValues(status).Inc()
	}
}

// IncValidations increments the validation counter
func IncValidations(valid bool) {
	m := Global()
	if m != nil {
		result := "invalid"
		if valid {
			result = "valid"
		}
		m.ValidationsTotal.WithLabelValues(result).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
