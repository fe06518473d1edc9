package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Users() UserRepository
	Products() ProductRepository
	Orders() OrderRepository
	Outbox() OutboxRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary.
// Nested calls join the transaction already carried by ctx.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository resolves order owners.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
}

// ProductRepository reads and persists the product fields order processing mutates.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// FindByIDForUpdate loads the product holding a row-level write lock until the
	// surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, productID string) (domain.Product, error)
	Update(ctx context.Context, product domain.Product) error
}

// OrderListFilter narrows order list queries. Results are ordered newest first.
type OrderListFilter struct {
	UserID     string
	Status     *domain.OrderStatus
	Limit      int
	Pagination domain.Pagination
}

// OrderRepository persists order aggregates together with their items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OutboxRepository stores events written in the same transaction as the state change.
type OutboxRepository interface {
	Insert(ctx context.Context, event domain.OutboxEvent) error
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkSent(ctx context.Context, eventID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, eventID string, reason string) error
}

// HealthRepository gathers dependency status for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
