package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
)

func TestMetricsRecordOrderLifecycle(t *testing.T) {
	m := NewMetrics()
	m.OrderCreated(decimal.RequireFromString("30.00"))
	m.OrderTransitioned(domain.OrderStatusPending, domain.OrderStatusCancelled)
	m.OrderRejected("create", "insufficient_stock")
	m.OrderRejected("create", "insufficient_stock")
	m.OutboxPublished("kafka", nil)
	m.OutboxPublished("kafka", errors.New("down"))

	if got := testutil.ToFloat64(m.ordersCreated); got != 1 {
		t.Fatalf("expected 1 created, got %v", got)
	}
	if got := testutil.ToFloat64(m.orderValue); got != 30 {
		t.Fatalf("expected value 30, got %v", got)
	}
	if got := testutil.ToFloat64(m.orderTransitions.WithLabelValues("pending", "cancelled")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.orderRejections.WithLabelValues("create", "insufficient_stock")); got != 2 {
		t.Fatalf("expected 2 rejections, got %v", got)
	}
	if got := testutil.ToFloat64(m.outboxPublished.WithLabelValues("kafka", "error")); got != 1 {
		t.Fatalf("expected 1 failed publish, got %v", got)
	}
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	m := NewMetrics()
	router := chi.NewRouter()
	router.Use(m.Middleware)
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", m.Handler())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/ord_2", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/orders/{orderID}", "404")); got != 2 {
		t.Fatalf("expected 2 requests on the route pattern, got %v", got)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "commerce_http_requests_total") {
		t.Fatalf("expected exposition output, got %d", rec.Code)
	}
}
