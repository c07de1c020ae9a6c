package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("/health", http.StatusOK, time.Millisecond)
		m.ObserveCheckout("completed", time.Millisecond)
		m.CartPersistFailed()
		m.SetStockDegraded(true)
		m.TxConflict("redis")
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("/api/checkout", http.StatusConflict, 3*time.Millisecond)
	m.ObserveCheckout("rejected", 2*time.Millisecond)
	m.ObserveCheckout("rejected", 2*time.Millisecond)
	m.TxConflict("mysql")
	m.SetStockDegraded(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("/api/checkout", "Conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Checkouts.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxConflicts.WithLabelValues("mysql")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StockDegraded))

	m.SetStockDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StockDegraded))
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CartPersistFailed()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pos_cart_persist_errors_total 1"))
}
