package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
)

const metricsNamespace = "commerce"

// Metrics owns the Prometheus registry for HTTP traffic, order lifecycle and outbox delivery.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	ordersCreated     prometheus.Counter
	orderValue        prometheus.Counter
	orderTransitions  *prometheus.CounterVec
	orderRejections   *prometheus.CounterVec
	outboxPublished   *prometheus.CounterVec
	outboxBatchLength prometheus.Histogram
}

// NewMetrics registers every collector on a fresh registry together with the Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Orders created.",
		}),
		orderValue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "value_total",
			Help:      "Sum of created order totals.",
		}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transitions by source and target status.",
		}, []string{"from", "to"}),
		orderRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "rejections_total",
			Help:      "Rejected order operations by operation and reason.",
		}, []string{"operation", "reason"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox events handed to the sink by result.",
		}, []string{"sink", "result"}),
		outboxBatchLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "outbox",
			Name:      "batch_size",
			Help:      "Pending events fetched per relay tick.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.ordersCreated,
		m.orderValue,
		m.orderTransitions,
		m.orderRejections,
		m.outboxPublished,
		m.outboxBatchLength,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := SanitizeRoute(routePattern(r))
		method := SanitizeMethod(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(recorder.Status())).Inc()
		m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) OrderCreated(total decimal.Decimal) {
	m.ordersCreated.Inc()
	value, _ := total.Float64()
	if value > 0 {
		m.orderValue.Add(value)
	}
}

func (m *Metrics) OrderTransitioned(from, to domain.OrderStatus) {
	m.orderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) OrderRejected(operation, reason string) {
	m.orderRejections.WithLabelValues(operation, reason).Inc()
}

// OutboxBatch records how many pending events a relay tick picked up.
func (m *Metrics) OutboxBatch(size int) {
	m.outboxBatchLength.Observe(float64(size))
}

// OutboxPublished counts a single delivery attempt.
func (m *Metrics) OutboxPublished(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.outboxPublished.WithLabelValues(sink, result).Inc()
}
