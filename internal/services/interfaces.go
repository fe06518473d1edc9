package services

import (
	"context"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	Product            = domain.Product
	User               = domain.User
	SystemHealthReport = domain.SystemHealthReport
)

// OrderItemInput is a raw line item supplied by the caller of Create.
type OrderItemInput struct {
	ProductID string
	Quantity  int
	Discount  decimal.Decimal
}

// CreateOrderCommand carries the data required to place an order.
type CreateOrderCommand struct {
	UserID string
	Items  []OrderItemInput
}

// UpdateOrderStatusCommand requests a lifecycle transition.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
}

// OrderListFilter narrows paginated order listings.
type OrderListFilter struct {
	UserID     string
	Status     *OrderStatus
	Pagination Pagination
}

// OrderService owns order creation, lifecycle transitions and order queries.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, orderID string) (Order, error)
	FindByID(ctx context.Context, orderID string) (Order, error)
	FindByUser(ctx context.Context, userID string) ([]Order, error)
	FindByStatus(ctx context.Context, status OrderStatus) ([]Order, error)
	FindByUserAndStatus(ctx context.Context, userID string, status OrderStatus) ([]Order, error)
	FindRecent(ctx context.Context) ([]Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
}

// InventoryLedger adjusts product stock. Callers run it inside a unit of work holding the
// product's write lock.
type InventoryLedger interface {
	Reserve(ctx context.Context, product Product, qty int) (Product, error)
	Release(ctx context.Context, product Product, qty int) (Product, error)
}

// OrderMetrics receives order lifecycle observations.
type OrderMetrics interface {
	OrderCreated(total decimal.Decimal)
	OrderTransitioned(from, to OrderStatus)
	OrderRejected(operation, reason string)
}

// SystemService exposes health information for probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
