package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/pagination"
	pgplatform "github.com/hanko-field/commerce/internal/platform/postgres"
	"github.com/hanko-field/commerce/internal/repositories"
)

const orderColumns = `id, user_id, status, total, ordered_at, shipped_at, delivered_at, updated_at, version`

// OrderRepository persists orders and their items in the orders and order_items tables.
type OrderRepository struct {
	provider *pgplatform.Provider
}

// Insert writes the order and every item. It joins the caller's transaction or opens its own.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.provider.RunInTx(ctx, func(ctx context.Context) error {
		tx, _ := pgplatform.TxFromContext(ctx)

		_, err := tx.Exec(ctx,
			`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			order.ID, order.UserID, string(order.Status), order.Total, order.OrderedAt,
			order.ShippedAt, order.DeliveredAt, order.UpdatedAt, order.Version,
		)
		if err != nil {
			return pgplatform.WrapError("orders.insert", err)
		}

		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(
				`INSERT INTO order_items (id, order_id, position, product_id, quantity, unit_price, discount)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				item.ID, order.ID, i, item.ProductID, item.Quantity, item.UnitPrice, item.Discount,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for range order.Items {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return pgplatform.WrapError("orders.insert_items", err)
			}
		}
		return pgplatform.WrapError("orders.insert_items", results.Close())
	})
}

// Update persists status and timestamps. Items are immutable once created. order.Version must be
// one ahead of the stored version.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE orders
		    SET status = $2, total = $3, shipped_at = $4, delivered_at = $5, updated_at = $6, version = $7
		  WHERE id = $1 AND version = $8`,
		order.ID, string(order.Status), order.Total, order.ShippedAt, order.DeliveredAt,
		order.UpdatedAt, order.Version, order.Version-1,
	)
	if err != nil {
		return pgplatform.WrapError("orders.update", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return pgplatform.WrapError("orders.update", err)
	}
	if !exists {
		return pgplatform.NotFound("orders.update", "order "+order.ID)
	}
	return pgplatform.Conflict("orders.update", fmt.Sprintf("order %s was modified concurrently", order.ID))
}

// FindByID loads the order together with its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, pgplatform.NotFound("orders.find", "order "+orderID)
	}
	if err != nil {
		return domain.Order{}, pgplatform.WrapError("orders.find", err)
	}

	items, err := loadItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// List returns orders newest first, applying the filter and keyset pagination.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	q, err := querier(ctx, r.provider)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.Status != nil {
		where = append(where, "status = "+arg(string(*filter.Status)))
	}
	if !cursor.IsZero() {
		where = append(where, fmt.Sprintf("(ordered_at, id) < (%s, %s)", arg(cursor.After), arg(cursor.ID)))
	}

	limit := filter.Limit
	pageSize := filter.Pagination.PageSize
	if pageSize > 0 && (limit <= 0 || pageSize < limit) {
		limit = pageSize
	}

	var sql strings.Builder
	sql.WriteString(`SELECT ` + orderColumns + ` FROM orders`)
	if len(where) > 0 {
		sql.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sql.WriteString(" ORDER BY ordered_at DESC, id DESC")
	if limit > 0 {
		sql.WriteString(" LIMIT " + arg(limit+1))
	}

	rows, err := q.Query(ctx, sql.String(), args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pgplatform.WrapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pgplatform.WrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{}
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
		if pageSize > 0 {
			last := orders[len(orders)-1]
			page.NextPageToken = pagination.EncodeToken(pagination.Cursor{After: last.OrderedAt, ID: last.ID})
		}
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	items, err := loadItems(ctx, q, ids)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	page.Items = orders
	return page, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := row.Scan(&order.ID, &order.UserID, &status, &order.Total, &order.OrderedAt,
		&order.ShippedAt, &order.DeliveredAt, &order.UpdatedAt, &order.Version)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.OrderedAt = order.OrderedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.ShippedAt = utcPtr(order.ShippedAt)
	order.DeliveredAt = utcPtr(order.DeliveredAt)
	return order, nil
}

func loadItems(ctx context.Context, q pgplatform.Querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	out := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price, discount
		   FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, pgplatform.WrapError("orders.items", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var item domain.OrderItem
		err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Discount)
		return item, err
	})
	if err != nil {
		return nil, pgplatform.WrapError("orders.items", err)
	}
	for _, item := range items {
		out[item.OrderID] = append(out[item.OrderID], item)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
