package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for voxdrop
type Metrics struct {
	// Delivery counters
	DeliveriesTotal       *prometheus.CounterVec
	DeliveryRetriesTotal  prometheus.Counter
	DispatchDeferredTotal *prometheus.CounterVec
	DispatchCycleSeconds  prometheus.Histogram

	// Reconciliation counters
	CallbacksTotal  *prometheus.CounterVec
	ReportRowsTotal *prometheus.CounterVec

	// Campaign gauges
	Campaigns *prometheus.GaugeVec

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
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxdrop_deliveries_total",
				Help: "Total number of voice drop attempts by result",
			},
			[]string{"result"},
		),
		DeliveryRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voxdrop_delivery_retries_total",
				Help: "Total number of failed attempts left pending for retry",
			},
		),
		DispatchDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxdrop_dispatch_deferred_total",
				Help: "Total number of campaign dispatch steps deferred",
			},
			[]string{"reason"},
		),
		DispatchCycleSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voxdrop_dispatch_cycle_duration_seconds",
				Help:    "Duration of one dispatch cycle across all campaigns",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxdrop_callbacks_total",
				Help: "Total number of provider status callbacks by mapped status",
			},
			[]string{"status"},
		),
		ReportRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxdrop_report_rows_total",
				Help: "Total number of provider report rows by outcome",
			},
			[]string{"outcome"},
		),

		Campaigns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxdrop_campaigns",
				Help: "Number of campaigns by status",
			},
			[]string{"status"},
		),

		// API metrics
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxdrop_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxdrop_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxdrop_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		// System metrics
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxdrop_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxdrop_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxdrop_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	// Register all metrics
	reg.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryRetriesTotal,
		m.DispatchDeferredTotal,
		m.DispatchCycleSeconds,
		m.CallbacksTotal,
		m.ReportRowsTotal,
		m.Campaigns,
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

// IncDeliveries increments the delivery counter for a result
// (accepted, retry, failed)
func IncDeliveries(result string) {
	m := Global()
	if m != nil {
		m.DeliveriesTotal.WithLabelValues(result).Inc()
	}
}

// IncDeliveryRetries increments the retry counter
func IncDeliveryRetries() {
	m := Global()
	if m != nil {
		m.DeliveryRetriesTotal.Inc()
	}
}

// IncDispatchDeferred increments the deferral counter
func IncDispatchDeferred(reason string) {
	m := Global()
	if m != nil {
		m.DispatchDeferredTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveDispatchCycle records the duration of a dispatch cycle
func ObserveDispatchCycle(seconds float64) {
	m := Global()
	if m != nil {
		m.DispatchCycleSeconds.Observe(seconds)
	}
}

// IncCallbacks increments the callback counter
func IncCallbacks(status string) {
	m := Global()
	if m != nil {
		m.CallbacksTotal.WithLabelValues(status).Inc()
	}
}

// AddReportRows adds to the report row counter
func AddReportRows(outcome string, n int) {
	m := Global()
	if m != nil && n > 0 {
		m.ReportRowsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
