package postgres

import (
	"context"
	"errors"

	pgplatform "github.com/hanko-field/commerce/internal/platform/postgres"
	"github.com/hanko-field/commerce/internal/repositories"
)

// Registry wires the Postgres repositories around a shared provider.
type Registry struct {
	provider *pgplatform.Provider
	users    *UserRepository
	products *ProductRepository
	orders   *OrderRepository
	outbox   *OutboxRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the repository set. health may be nil when readiness is not probed.
func NewRegistry(provider *pgplatform.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry: provider is required")
	}
	return &Registry{
		provider: provider,
		users:    &UserRepository{provider: provider},
		products: &ProductRepository{provider: provider},
		orders:   &OrderRepository{provider: provider},
		outbox:   &OutboxRepository{provider: provider},
		health:   health,
	}, nil
}

func (r *Registry) Users() repositories.UserRepository       { return r.users }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Outbox() repositories.OutboxRepository    { return r.outbox }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

// Close releases the connection pool.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func querier(ctx context.Context, provider *pgplatform.Provider) (pgplatform.Querier, error) {
	if tx, ok := pgplatform.TxFromContext(ctx); ok {
		return tx, nil
	}
	pool, err := provider.Pool(ctx)
	if err != nil {
		return nil, pgplatform.WrapError("postgres.pool", err)
	}
	return pool, nil
}
