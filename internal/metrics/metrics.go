package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger metrics
	MovesApplied         *prometheus.CounterVec
	DuplicateMoves       *prometheus.CounterVec
	ReservationsRejected prometheus.Counter
	ConsistencyFaults    *prometheus.CounterVec
	LockTimeouts         *prometheus.CounterVec
	OutboxEventsWritten  *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{Namespace: "inventory_ledger"}
}

// New creates a Metrics instance on its own registry.
func New(config *Config) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ns := config.Namespace
	m := &Metrics{registry: registry}

	m.MovesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stock_moves_applied_total",
			Help:      "Stock moves appended to the ledger",
		},
		[]string{"move_type"},
	)
	m.DuplicateMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stock_moves_duplicate_total",
			Help:      "Operations answered from an existing idempotency key",
		},
		[]string{"operation"},
	)
	m.ReservationsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "reservations_rejected_total",
			Help:      "Reservations rejected for insufficient available stock",
		},
	)
	m.ConsistencyFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "consistency_faults_total",
			Help:      "Operations aborted because derived records disagreed with the ledger",
		},
		[]string{"operation", "kind"},
	)
	m.LockTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "lock_timeouts_total",
			Help:      "Row lock waits that timed out",
		},
		[]string{"operation"},
	)
	m.OutboxEventsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "outbox_events_written_total",
			Help:      "Events written to the transactional outbox",
		},
		[]string{"event_type"},
	)
	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Duration of inventory operations including retries",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(
		m.MovesApplied,
		m.DuplicateMoves,
		m.ReservationsRejected,
		m.ConsistencyFaults,
		m.LockTimeouts,
		m.OutboxEventsWritten,
		m.OperationDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordMove(moveType string) {
	if m == nil {
		return
	}
	m.MovesApplied.WithLabelValues(moveType).Inc()
}

func (m *Metrics) RecordDuplicate(operation string) {
	if m == nil {
		return
	}
	m.DuplicateMoves.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordReservationRejected() {
	if m == nil {
		return
	}
	m.ReservationsRejected.Inc()
}

func (m *Metrics) RecordConsistencyFault(operation, kind string) {
	if m == nil {
		return
	}
	m.ConsistencyFaults.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) RecordLockTimeout(operation string) {
	if m == nil {
		return
	}
	m.LockTimeouts.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordOutboxEvent(eventType string) {
	if m == nil {
		return
	}
	m.OutboxEventsWritten.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveOperation(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
