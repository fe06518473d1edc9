package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

const orderItemIDPrefix = "itm_"

// orderBuilder turns raw line items into a pending order, reserving stock as it goes.
// Rollback of earlier reservations is left to the surrounding unit of work.
type orderBuilder struct {
	products repositories.ProductRepository
	ledger   InventoryLedger
	newID    func() string
}

func (b *orderBuilder) build(ctx context.Context, orderID string, user User, inputs []OrderItemInput, now time.Time) (Order, error) {
	items := make([]OrderItem, 0, len(inputs))
	for _, input := range inputs {
		// Re-read per line so repeated products reserve against the decremented stock.
		product, err := b.products.FindByIDForUpdate(ctx, input.ProductID)
		if err != nil {
			return Order{}, mapRepositoryError(err, ErrProductNotFound)
		}

		gross := product.Price.Mul(decimal.NewFromInt(int64(input.Quantity)))
		if input.Discount.GreaterThan(gross) {
			return Order{}, fmt.Errorf("%w: discount for product %s exceeds line amount %s", ErrOrderInvalidInput, product.ID, gross.StringFixed(2))
		}

		if _, err := b.ledger.Reserve(ctx, product, input.Quantity); err != nil {
			return Order{}, err
		}

		items = append(items, OrderItem{
			ID:        orderItemIDPrefix + b.newID(),
			OrderID:   orderID,
			ProductID: product.ID,
			Quantity:  input.Quantity,
			UnitPrice: product.Price,
			Discount:  input.Discount,
		})
	}

	return Order{
		ID:        orderID,
		UserID:    user.ID,
		Status:    domain.OrderStatusPending,
		Items:     items,
		Total:     domain.ComputeTotal(items),
		OrderedAt: now,
		UpdatedAt: now,
		Version:   1,
	}, nil
}
