package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("nil collector is a no-op", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.RecordLedgerTransaction("GrantAccess", "submit", true, time.Millisecond)
			m.RecordContentOperation("put", false, time.Millisecond)
			m.RecordBatchFailure("ListGrantedDoctors", "CONTENT_UNAVAILABLE")
			m.RecordAuditEvent("access.grant", true)
		})
	})

	t.Run("collectors are registered on the given registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics("nuvora-test", reg)

		m.RecordLedgerTransaction("GrantAccess", "submit", true, time.Millisecond)
		m.RecordLedgerTransaction("GrantAccess", "submit", false, time.Millisecond)
		m.RecordBatchFailure("ListGrantedDoctors", "CONTENT_UNAVAILABLE")

		assert.Equal(t, float64(1), testutil.ToFloat64(m.ledgerTransactionsTotal.WithLabelValues("GrantAccess", "submit", "failed", "nuvora-test")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.batchItemFailures.WithLabelValues("ListGrantedDoctors", "CONTENT_UNAVAILABLE", "nuvora-test")))

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Contains(t, rec.Body.String(), "ledger_transactions_total")
	})
}

func TestHealthManager(t *testing.T) {
	hm := NewHealthManager("nuvora-test", "test")
	hm.RegisterChecker("ledger", NewProbeHealthChecker(func(ctx context.Context) error { return nil }))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "ledger", report.Checks[0].Name)

	hm.RegisterChecker("content", NewProbeHealthChecker(func(ctx context.Context) error { return errors.New("unreachable") }))
	report = hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Equal(t, "content", report.Checks[0].Name)
	assert.Equal(t, 1, report.Summary[string(HealthStatusUnhealthy)])

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	mm := NewMonitoringMiddleware(NewMetrics("nuvora-test", reg), logger.NewNop())

	var seenRequestID string
	r := mux.NewRouter()
	r.Use(mm.HTTPMiddleware)
	r.HandleFunc("/api/v1/patients/{patient}/records", func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = logger.RequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/0xabc/records", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, seenRequestID)
	assert.Equal(t, seenRequestID, rec.Header().Get("X-Request-ID"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "endpoint" && strings.Contains(l.GetValue(), "{patient}") {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "requests are labelled by route template")
}
