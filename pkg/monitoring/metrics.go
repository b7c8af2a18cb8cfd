package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics handles Prometheus metrics collection. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	serviceName string
	gatherer    prometheus.Gatherer

	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec
	dbQueryDuration           *prometheus.HistogramVec
	ledgerTransactionsTotal   *prometheus.CounterVec
	ledgerTransactionDuration *prometheus.HistogramVec
	contentOperationsTotal    *prometheus.CounterVec
	contentOperationDuration  *prometheus.HistogramVec
	batchItemFailures         *prometheus.CounterVec
	auditEventsTotal          *prometheus.CounterVec
	cacheEventsTotal          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. When reg is
// also a Gatherer it backs Handler.
func NewMetrics(serviceName string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		serviceName: serviceName,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		dbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"query_type", "service"},
		),
		ledgerTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Total number of ledger submits and evaluations",
			},
			[]string{"function", "kind", "status", "service"},
		),
		ledgerTransactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_transaction_duration_seconds",
				Help:    "Duration of ledger transactions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"function", "kind", "service"},
		),
		contentOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_operations_total",
				Help: "Total number of content store operations",
			},
			[]string{"operation", "status", "service"},
		),
		contentOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "content_operation_duration_seconds",
				Help:    "Duration of content store operations in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0},
			},
			[]string{"operation", "service"},
		),
		batchItemFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_item_failures_total",
				Help: "Total number of isolated item failures in fan-out reads",
			},
			[]string{"operation", "kind", "service"},
		),
		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_total",
				Help: "Total number of audit events",
			},
			[]string{"action", "success", "service"},
		),
		cacheEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pair_cache_events_total",
				Help: "Per-pair cache hits, misses and purges",
			},
			[]string{"event", "service"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.dbQueryDuration,
			m.ledgerTransactionsTotal,
			m.ledgerTransactionDuration,
			m.contentOperationsTotal,
			m.contentOperationDuration,
			m.batchItemFailures,
			m.auditEventsTotal,
			m.cacheEventsTotal,
		)
		if g, ok := reg.(prometheus.Gatherer); ok {
			m.gatherer = g
		}
	}

	return m
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordDBQuery records database query metrics
func (m *Metrics) RecordDBQuery(queryType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(queryType, m.serviceName).Observe(duration.Seconds())
}

// RecordLedgerTransaction records ledger submit/evaluate metrics. kind is
// "submit" or "evaluate".
func (m *Metrics) RecordLedgerTransaction(function, kind string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.ledgerTransactionsTotal.WithLabelValues(function, kind, status(success), m.serviceName).Inc()
	m.ledgerTransactionDuration.WithLabelValues(function, kind, m.serviceName).Observe(duration.Seconds())
}

// RecordContentOperation records content store metrics
func (m *Metrics) RecordContentOperation(operation string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.contentOperationsTotal.WithLabelValues(operation, status(success), m.serviceName).Inc()
	m.contentOperationDuration.WithLabelValues(operation, m.serviceName).Observe(duration.Seconds())
}

// RecordBatchFailure records one isolated item failure of a fan-out read
func (m *Metrics) RecordBatchFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.batchItemFailures.WithLabelValues(operation, kind, m.serviceName).Inc()
}

// RecordAuditEvent records audit event metrics
func (m *Metrics) RecordAuditEvent(action string, success bool) {
	if m == nil {
		return
	}
	m.auditEventsTotal.WithLabelValues(action, strconv.FormatBool(success), m.serviceName).Inc()
}

// RecordCacheEvent records a pair cache hit, miss or purge
func (m *Metrics) RecordCacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEventsTotal.WithLabelValues(event, m.serviceName).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
