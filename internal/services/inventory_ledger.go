package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/commerce/internal/repositories"
)

var (
	// ErrInventoryInvalidInput signals a non-positive quantity or missing product.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInsufficientStock indicates the requested quantity exceeds the product stock.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrProductUnavailable indicates the product is inactive and cannot be ordered.
	ErrProductUnavailable = errors.New("inventory: product unavailable")
)

// InventoryLedgerDeps bundles the collaborators required to construct an inventory ledger.
type InventoryLedgerDeps struct {
	Products repositories.ProductRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type inventoryLedger struct {
	products repositories.ProductRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ InventoryLedger = (*inventoryLedger)(nil)

// NewInventoryLedger wires dependencies into a concrete InventoryLedger implementation.
func NewInventoryLedger(deps InventoryLedgerDeps) (InventoryLedger, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory ledger: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryLedger{
		products: deps.Products,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Reserve decrements stock by qty and persists the product.
func (l *inventoryLedger) Reserve(ctx context.Context, product Product, qty int) (Product, error) {
	if err := validateLedgerInput(product, qty, "inventory.reserve"); err != nil {
		return Product{}, err
	}
	if !product.Active {
		return Product{}, fmt.Errorf("%w: %w", ErrProductUnavailable, &repositories.InventoryError{
			Op:        "inventory.reserve",
			Code:      repositories.InventoryErrorProductInactive,
			ProductID: product.ID,
			Requested: qty,
			Available: product.Stock,
			Message:   fmt.Sprintf("product %s is not active", product.ID),
		})
	}
	if product.Stock < qty {
		l.logger(ctx, "inventory.reserve.rejected", map[string]any{
			"productId": product.ID,
			"requested": qty,
			"available": product.Stock,
		})
		return Product{}, fmt.Errorf("%w: %w", ErrInsufficientStock, &repositories.InventoryError{
			Op:        "inventory.reserve",
			Code:      repositories.InventoryErrorInsufficientStock,
			ProductID: product.ID,
			Requested: qty,
			Available: product.Stock,
			Message:   fmt.Sprintf("product %s has %d units, %d requested", product.ID, product.Stock, qty),
		})
	}

	product.Stock -= qty
	product.UpdatedAt = l.clock()
	if err := l.products.Update(ctx, product); err != nil {
		return Product{}, mapRepositoryError(err, ErrProductNotFound)
	}
	return product, nil
}

// Release increments stock by qty and persists the product. Inactive products are restocked too.
func (l *inventoryLedger) Release(ctx context.Context, product Product, qty int) (Product, error) {
	if err := validateLedgerInput(product, qty, "inventory.release"); err != nil {
		return Product{}, err
	}

	product.Stock += qty
	product.UpdatedAt = l.clock()
	if err := l.products.Update(ctx, product); err != nil {
		return Product{}, mapRepositoryError(err, ErrProductNotFound)
	}
	return product, nil
}

func validateLedgerInput(product Product, qty int, op string) error {
	if product.ID == "" {
		return fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: %w", ErrInventoryInvalidInput, &repositories.InventoryError{
			Op:        op,
			Code:      repositories.InventoryErrorInvalidQuantity,
			ProductID: product.ID,
			Requested: qty,
			Available: product.Stock,
			Message:   fmt.Sprintf("quantity must be positive, got %d", qty),
		})
	}
	return nil
}
