package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/pagination"
	"github.com/hanko-field/commerce/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix = "ord_"
	eventIDPrefix = "evt_"

	recentOrdersLimit = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrUserNotFound indicates the order owner does not exist.
	ErrUserNotFound = errors.New("order: user not found")
	// ErrProductNotFound indicates a referenced product does not exist.
	ErrProductNotFound = errors.New("order: product not found")
	// ErrOrderConflict indicates optimistic concurrency conflicts, lock contention or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store could not be reached.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	UserID         string         `json:"userId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	Total          string         `json:"total"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Users       repositories.UserRepository
	Products    repositories.ProductRepository
	Orders      repositories.OrderRepository
	Outbox      repositories.OutboxRepository
	Inventory   InventoryLedger
	UnitOfWork  repositories.UnitOfWork
	Metrics     OrderMetrics
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	users      repositories.UserRepository
	orders     repositories.OrderRepository
	outbox     repositories.OutboxRepository
	builder    *orderBuilder
	machine    *orderStateMachine
	unitOfWork repositories.UnitOfWork
	metrics    OrderMetrics
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Users == nil {
		return nil, errors.New("order service: user repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utcClock := func() time.Time {
		return clock().UTC()
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopOrderMetrics{}
	}

	ledger := deps.Inventory
	if ledger == nil {
		var err error
		ledger, err = NewInventoryLedger(InventoryLedgerDeps{
			Products: deps.Products,
			Clock:    utcClock,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return &orderService{
		users:  deps.Users,
		orders: deps.Orders,
		outbox: deps.Outbox,
		builder: &orderBuilder{
			products: deps.Products,
			ledger:   ledger,
			newID:    idGen,
		},
		machine: &orderStateMachine{
			products: deps.Products,
			ledger:   ledger,
		},
		unitOfWork: unit,
		metrics:    metrics,
		clock:      utcClock,
		newID:      idGen,
		logger:     logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, s.reject(ctx, "create", fmt.Errorf("%w: user id is required", ErrOrderInvalidInput))
	}
	inputs, err := normaliseOrderItems(cmd.Items)
	if err != nil {
		return Order{}, s.reject(ctx, "create", err)
	}

	now := s.now()
	orderID := s.nextOrderID()

	var order Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		user, err := s.users.FindByID(txCtx, userID)
		if err != nil {
			return mapRepositoryError(err, ErrUserNotFound)
		}

		built, err := s.builder.build(txCtx, orderID, user, inputs, now)
		if err != nil {
			return err
		}

		if err := s.orders.Insert(txCtx, built); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}

		if err := s.recordEvent(txCtx, OrderEvent{
			Type:          orderEventCreated,
			OrderID:       built.ID,
			UserID:        built.UserID,
			CurrentStatus: string(built.Status),
			Total:         built.Total.StringFixed(2),
			OccurredAt:    now,
			Metadata:      map[string]any{"items": len(built.Items)},
		}); err != nil {
			return err
		}

		order = built
		return nil
	})
	if err != nil {
		return Order{}, s.reject(ctx, "create", mapRepositoryError(err, ErrOrderNotFound))
	}

	s.metrics.OrderCreated(order.Total)
	s.logger(ctx, "order.created", map[string]any{
		"orderId": order.ID,
		"userId":  order.UserID,
		"items":   len(order.Items),
		"total":   order.Total.StringFixed(2),
	})
	return order, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, s.reject(ctx, "transition", fmt.Errorf("%w: order id is required", ErrOrderInvalidInput))
	}
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !target.IsValid() {
		return Order{}, s.reject(ctx, "transition", fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status))
	}

	now := s.now()

	var (
		order      Order
		prevStatus OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		prevStatus = current.Status

		if err := s.machine.transition(txCtx, &current, target, now); err != nil {
			return err
		}
		current.Version++

		if err := s.orders.Update(txCtx, current); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}

		if err := s.recordEvent(txCtx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        current.ID,
			UserID:         current.UserID,
			PreviousStatus: string(prevStatus),
			CurrentStatus:  string(current.Status),
			Total:          current.Total.StringFixed(2),
			OccurredAt:     now,
		}); err != nil {
			return err
		}

		order = current
		return nil
	})
	if err != nil {
		return Order{}, s.reject(ctx, "transition", mapRepositoryError(err, ErrOrderNotFound))
	}

	s.metrics.OrderTransitioned(prevStatus, order.Status)
	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId":  order.ID,
		"previous": string(prevStatus),
		"status":   string(order.Status),
	})
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, orderID string) (Order, error) {
	return s.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID: orderID,
		Status:  domain.OrderStatusCancelled,
	})
}

func (s *orderService) FindByID(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

func (s *orderService) FindByUser(ctx context.Context, userID string) ([]Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	return s.list(ctx, repositories.OrderListFilter{UserID: userID})
}

func (s *orderService) FindByStatus(ctx context.Context, status OrderStatus) ([]Order, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
	}
	return s.list(ctx, repositories.OrderListFilter{Status: &status})
}

func (s *orderService) FindByUserAndStatus(ctx context.Context, userID string, status OrderStatus) ([]Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
	}
	return s.list(ctx, repositories.OrderListFilter{UserID: userID, Status: &status})
}

func (s *orderService) FindRecent(ctx context.Context) ([]Order, error) {
	return s.list(ctx, repositories.OrderListFilter{Limit: recentOrdersLimit})
}

func (s *orderService) List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *filter.Status)
	}
	if filter.Pagination.PageSize < 0 {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: page size must be positive", ErrOrderInvalidInput)
	}
	if _, err := pagination.DecodeToken(filter.Pagination.PageToken); err != nil {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return page, nil
}

func (s *orderService) list(ctx context.Context, filter repositories.OrderListFilter) ([]Order, error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	if page.Items == nil {
		return []Order{}, nil
	}
	return page.Items, nil
}

// recordEvent appends the event to the outbox inside the caller's transaction.
func (s *orderService) recordEvent(ctx context.Context, event OrderEvent) error {
	if s.outbox == nil {
		return nil
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("order: encode event: %w", err)
	}
	if err := s.outbox.Insert(ctx, domain.OutboxEvent{
		ID:          eventIDPrefix + s.newID(),
		Topic:       event.Type,
		Key:         event.OrderID,
		Payload:     payload,
		CreatedAt:   event.OccurredAt,
		AggregateID: event.OrderID,
		Attributes: map[string]string{
			"type":    event.Type,
			"orderId": event.OrderID,
			"status":  event.CurrentStatus,
		},
	}); err != nil {
		return mapRepositoryError(err, ErrOrderNotFound)
	}
	return nil
}

func (s *orderService) reject(ctx context.Context, operation string, err error) error {
	reason := rejectionReason(err)
	s.metrics.OrderRejected(operation, reason)
	s.logger(ctx, "order."+operation+".rejected", map[string]any{
		"reason": reason,
		"error":  err.Error(),
	})
	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func normaliseOrderItems(items []OrderItemInput) ([]OrderItemInput, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	result := make([]OrderItemInput, 0, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: item %d product id is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if item.Discount.IsNegative() {
			return nil, fmt.Errorf("%w: item %d discount must not be negative", ErrOrderInvalidInput, i)
		}
		result = append(result, OrderItemInput{
			ProductID: productID,
			Quantity:  item.Quantity,
			Discount:  item.Discount,
		})
	}
	return result, nil
}

func mapRepositoryError(err error, notFound error) error {
	if err == nil || isClassified(err) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %w", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
		}
	}

	return err
}

func isClassified(err error) bool {
	for _, target := range []error{
		ErrOrderInvalidInput, ErrOrderNotFound, ErrUserNotFound, ErrProductNotFound,
		ErrOrderConflict, ErrOrderUnavailable, ErrInvalidTransition,
		ErrInventoryInvalidInput, ErrInsufficientStock, ErrProductUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrOrderInvalidInput), errors.Is(err, ErrInventoryInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOrderConflict):
		return "conflict"
	case errors.Is(err, ErrOrderUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type noopOrderMetrics struct{}

func (noopOrderMetrics) OrderCreated(decimal.Decimal)               {}
func (noopOrderMetrics) OrderTransitioned(OrderStatus, OrderStatus) {}
func (noopOrderMetrics) OrderRejected(string, string)               {}

func valuePtr[T any](v T) *T {
	return &v
}
