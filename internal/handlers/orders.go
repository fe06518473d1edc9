package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/platform/pagination"
	"github.com/hanko-field/commerce/internal/platform/requestctx"
	"github.com/hanko-field/commerce/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
	createRateWindow     = time.Minute
)

// OrderHandlers exposes the order service over HTTP.
type OrderHandlers struct {
	orders      services.OrderService
	createLimit rateLimiter
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*orderHandlerConfig)

type orderHandlerConfig struct {
	createPerMinute int
	clock           func() time.Time
}

// WithCreateRateLimit caps order creation per user per minute. Zero disables the limit.
func WithCreateRateLimit(perMinute int) OrderHandlerOption {
	return func(cfg *orderHandlerConfig) { cfg.createPerMinute = perMinute }
}

func withOrderClock(clock func() time.Time) OrderHandlerOption {
	return func(cfg *orderHandlerConfig) { cfg.clock = clock }
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	cfg := orderHandlerConfig{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &OrderHandlers{
		orders:      orders,
		createLimit: newWindowRateLimiter(cfg.createPerMinute, createRateWindow, cfg.clock),
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Patch("/{orderID}/status", h.updateStatus)
	r.Post("/{orderID}/cancel", h.cancelOrder)
}

type createOrderRequest struct {
	UserID string                   `json:"user_id"`
	Items  []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Discount  decimal.Decimal `json:"discount"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(w, r, &req, maxOrderBodySize); err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = requestctx.UserID(ctx)
	}

	if h.createLimit != nil {
		if ok, retryAfter := h.createLimit.Allow(userID); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many orders created, retry later", http.StatusTooManyRequests))
			return
		}
	}

	items := make([]services.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemInput{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Discount:  item.Discount,
		})
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{UserID: userID, Items: items})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	order, err := h.orders.FindByID(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status == "" {
		var req updateStatusRequest
		if err := httpx.DecodeJSON(w, r, &req, maxOrderBodySize); err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		status = req.Status
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  services.OrderStatus(status),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	order, err := h.orders.Cancel(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("user_id"))
	rawStatus := strings.ToLower(strings.TrimSpace(query.Get("status")))
	status := services.OrderStatus(rawStatus)

	var (
		orders []services.Order
		err    error
	)
	switch {
	case isTruthy(query.Get("recent")):
		orders, err = h.orders.FindRecent(ctx)
	case userID != "" && rawStatus != "":
		orders, err = h.orders.FindByUserAndStatus(ctx, userID, status)
	case rawStatus != "":
		orders, err = h.orders.FindByStatus(ctx, status)
	case userID != "":
		orders, err = h.orders.FindByUser(ctx, userID)
	default:
		h.listPage(w, r)
		return
	}
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{Items: buildOrderPayloads(orders)})
}

func (h *OrderHandlers) listPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.List(ctx, services.OrderListFilter{
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:         buildOrderPayloads(page.Items),
		NextPageToken: page.NextPageToken,
	})
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Status      string             `json:"status"`
	Total       decimal.Decimal    `json:"total"`
	Items       []orderItemPayload `json:"items"`
	OrderedAt   string             `json:"ordered_at"`
	ShippedAt   string             `json:"shipped_at,omitempty"`
	DeliveredAt string             `json:"delivered_at,omitempty"`
	UpdatedAt   string             `json:"updated_at,omitempty"`
	Version     int64              `json:"version"`
}

type orderItemPayload struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

func buildOrderPayloads(orders []services.Order) []orderPayload {
	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	return items
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Total:       order.Total,
		Items:       make([]orderItemPayload, 0, len(order.Items)),
		OrderedAt:   formatTime(order.OrderedAt),
		ShippedAt:   formatTimePtr(order.ShippedAt),
		DeliveredAt: formatTimePtr(order.DeliveredAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
		Version:     order.Version,
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Discount:  item.Discount,
			Subtotal:  item.Subtotal(),
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func isTruthy(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var envelope httpx.Error
	var transition *services.TransitionError
	switch {
	case errors.As(err, &envelope):
		httpx.WriteError(ctx, w, envelope)
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUserNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("user_not_found", "user not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusConflict))
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_transition", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"from": string(transition.From),
			"to":   string(transition.To),
		}))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
