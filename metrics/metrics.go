// Package metrics exposes the service's prometheus instruments.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by method, route and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refimage",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests handled",
	}, []string{"method", "route", "status"})

	// RequestDuration observes HTTP request latency by route.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "refimage",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// UpstreamFailures counts outbound fetch and proxy failures by cause.
	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refimage",
		Name:      "upstream_failures_total",
		Help:      "Outbound request failures by operation and reason",
	}, []string{"operation", "reason"})

	// ResolvedSections counts section image resolution outcomes. Stage is
	// the winning fallback stage, or "none" when every stage exhausted.
	ResolvedSections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refimage",
		Name:      "resolved_sections_total",
		Help:      "Section image resolution outcomes by winning stage",
	}, []string{"stage"})

	// UploadsTotal counts accepted reference-image uploads.
	UploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "refimage",
		Name:      "uploads_total",
		Help:      "Reference images accepted at ingest",
	})
)

// DatabaseMetrics mirrors sql.DBStats as gauges.
type DatabaseMetrics struct {
	maxOpen      prometheus.Gauge
	open         prometheus.Gauge
	inUse        prometheus.Gauge
	idle         prometheus.Gauge
	waitCount    prometheus.Gauge
	waitDuration prometheus.Gauge
}

// NewDatabaseMetrics registers connection-pool gauges under the given
// namespace.
func NewDatabaseMetrics(namespace string) *DatabaseMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      name,
			Help:      help,
		})
	}

	return &DatabaseMetrics{
		maxOpen:      gauge("max_open_connections", "Maximum open connections"),
		open:         gauge("open_connections", "Open connections"),
		inUse:        gauge("in_use_connections", "Connections currently in use"),
		idle:         gauge("idle_connections", "Idle connections"),
		waitCount:    gauge("wait_count_total", "Connections waited for"),
		waitDuration: gauge("wait_duration_seconds", "Total time blocked waiting for a connection"),
	}
}

// Update refreshes the gauges from a live pool.
func (m *DatabaseMetrics) Update(stats sql.DBStats) {
	m.maxOpen.Set(float64(stats.MaxOpenConnections))
	m.open.Set(float64(stats.OpenConnections))
	m.inUse.Set(float64(stats.InUse))
	m.idle.Set(float64(stats.Idle))
	m.waitCount.Set(float64(stats.WaitCount))
	m.waitDuration.Set(stats.WaitDuration.Seconds())
}
