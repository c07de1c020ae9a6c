// Package metrics holds the Prometheus collectors exported by the service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pos"

type Metrics struct {
	Requests          *prometheus.CounterVec
	LatencyMS         *prometheus.HistogramVec
	Checkouts         *prometheus.CounterVec
	CheckoutLatencyMS prometheus.Histogram
	CartPersistErrors prometheus.Counter
	StockDegraded     prometheus.Gauge
	TxConflicts       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "total",
			Help:      "Checkout attempts by terminal state.",
		}, []string{"outcome"}),
		CheckoutLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "duration_ms",
			Help:      "Checkout latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		CartPersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cart",
			Name:      "persist_errors_total",
			Help:      "Cart writes that failed to reach the store.",
		}),
		StockDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stock",
			Name:      "listener_degraded",
			Help:      "1 while the inventory listener is broken and the stock cache is stale.",
		}),
		TxConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "tx_conflicts_total",
			Help:      "Inventory transactions re-run after a conflicting write.",
		}, []string{"backend"}),
	}

	reg.MustRegister(m.Requests, m.LatencyMS, m.Checkouts, m.CheckoutLatencyMS,
		m.CartPersistErrors, m.StockDegraded, m.TxConflicts)
	return m
}

func (m *Metrics) ObserveRequest(handler string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, http.StatusText(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCheckout(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(outcome).Inc()
	m.CheckoutLatencyMS.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) CartPersistFailed() {
	if m == nil {
		return
	}
	m.CartPersistErrors.Inc()
}

func (m *Metrics) SetStockDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.StockDegraded.Set(1)
		return
	}
	m.StockDegraded.Set(0)
}

func (m *Metrics) TxConflict(backend string) {
	if m == nil {
		return
	}
	m.TxConflicts.WithLabelValues(backend).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
