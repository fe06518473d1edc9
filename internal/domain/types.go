package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state of every order.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the order was accepted for fulfilment.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled and its stock released.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the order was refunded and its stock released.
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderStatuses lists every known status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// Order is the aggregate root owning its line items.
type Order struct {
	ID          string
	UserID      string
	Status      OrderStatus
	Items       []OrderItem
	Total       decimal.Decimal
	OrderedAt   time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	UpdatedAt   time.Time
	Version     int64
}

// OrderItem captures a product line with the price snapshot taken at checkout.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
}

// Product is the subset of catalog data consumed by order processing.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Stock     int
	Active    bool
	UpdatedAt time.Time
}

// User is an order owner. Only identity matters for order processing.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// OutboxEvent is an order event persisted alongside the state change that produced it.
type OutboxEvent struct {
	ID          string
	Topic       string
	Key         string
	Payload     []byte
	CreatedAt   time.Time
	SentAt      *time.Time
	Attempts    int
	LastError   string
	Attributes  map[string]string
	AggregateID string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
