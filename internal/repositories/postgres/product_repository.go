package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	pgplatform "github.com/hanko-field/commerce/internal/platform/postgres"
)

const productColumns = `id, name, price, stock, active, updated_at`

// ProductRepository reads and updates product stock and price.
type ProductRepository struct {
	provider *pgplatform.Provider
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	return r.find(ctx, "products.find", `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
}

// FindByIDForUpdate takes a row lock held until the surrounding transaction ends.
func (r *ProductRepository) FindByIDForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	if _, ok := pgplatform.TxFromContext(ctx); !ok {
		return domain.Product{}, pgplatform.WrapError("products.lock", errors.New("row lock requires a transaction"))
	}
	return r.find(ctx, "products.lock", `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
}

func (r *ProductRepository) find(ctx context.Context, op, sql, productID string) (domain.Product, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return domain.Product{}, err
	}
	var product domain.Product
	err = q.QueryRow(ctx, sql, productID).Scan(
		&product.ID, &product.Name, &product.Price, &product.Stock, &product.Active, &product.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, pgplatform.NotFound(op, "product "+productID)
	}
	if err != nil {
		return domain.Product{}, pgplatform.WrapError(op, err)
	}
	product.UpdatedAt = product.UpdatedAt.UTC()
	return product, nil
}

func (r *ProductRepository) Update(ctx context.Context, product domain.Product) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE products SET name = $2, price = $3, stock = $4, active = $5, updated_at = $6 WHERE id = $1`,
		product.ID, product.Name, product.Price, product.Stock, product.Active, product.UpdatedAt,
	)
	if err != nil {
		return pgplatform.WrapError("products.update", err)
	}
	if tag.RowsAffected() == 0 {
		return pgplatform.NotFound("products.update", "product "+product.ID)
	}
	return nil
}
