package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

func seededStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore()
	ctx := context.Background()
	if err := store.PutUser(ctx, domain.User{ID: "usr_1"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := store.PutProduct(ctx, domain.Product{ID: "prd_1", Price: decimal.RequireFromString("10.00"), Stock: 5, Active: true}); err != nil {
		t.Fatalf("PutProduct: %v", err)
	}
	return store
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		product, err := store.Products().FindByIDForUpdate(ctx, "prd_1")
		if err != nil {
			return err
		}
		product.Stock = 1
		if err := store.Products().Update(ctx, product); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	product, err := store.Products().FindByID(ctx, "prd_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if product.Stock != 5 {
		t.Fatalf("expected stock restored to 5, got %d", product.Stock)
	}
}

func TestRunInTxNestedJoinsOuter(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		return store.RunInTx(ctx, func(ctx context.Context) error {
			product, _ := store.Products().FindByIDForUpdate(ctx, "prd_1")
			product.Stock = 4
			return store.Products().Update(ctx, product)
		})
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	product, _ := store.Products().FindByID(ctx, "prd_1")
	if product.Stock != 4 {
		t.Fatalf("expected stock 4, got %d", product.Stock)
	}
}

func TestUncommittedWritesAreInvisibleOutsideTx(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	_ = store.RunInTx(ctx, func(txCtx context.Context) error {
		product, _ := store.Products().FindByIDForUpdate(txCtx, "prd_1")
		product.Stock = 0
		_ = store.Products().Update(txCtx, product)

		outside, err := store.Products().FindByID(ctx, "prd_1")
		if err != nil {
			t.Errorf("FindByID: %v", err)
		}
		if outside.Stock != 5 {
			t.Errorf("expected committed stock 5 outside tx, got %d", outside.Stock)
		}
		return errors.New("rollback")
	})
}

func TestNotFoundErrors(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, err := store.Users().FindByID(ctx, "missing")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Orders().FindByID(ctx, "missing"); !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected order not found, got %v", err)
	}
	if err := store.Products().Update(ctx, domain.Product{ID: "missing"}); !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected product not found, got %v", err)
	}
}

func TestProductUpdateRejectsNegativeStock(t *testing.T) {
	store := seededStore(t)
	err := store.Products().Update(context.Background(), domain.Product{ID: "prd_1", Stock: -1})
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOrderInsertAndUpdateVersioning(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	order := domain.Order{ID: "ord_1", UserID: "usr_1", Status: domain.OrderStatusPending, Version: 1,
		Items: []domain.OrderItem{{ID: "itm_1", ProductID: "prd_1", Quantity: 1}}}

	if err := store.Orders().Insert(ctx, order); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	var repoErr repositories.RepositoryError
	if err := store.Orders().Insert(ctx, order); !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected duplicate insert conflict, got %v", err)
	}

	order.Status = domain.OrderStatusConfirmed
	order.Version = 2
	if err := store.Orders().Update(ctx, order); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Orders().Update(ctx, order); !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected stale version conflict, got %v", err)
	}

	loaded, err := store.Orders().FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	loaded.Items[0].Quantity = 99
	again, _ := store.Orders().FindByID(ctx, "ord_1")
	if again.Items[0].Quantity != 1 {
		t.Fatalf("expected reads to return owned copies")
	}
}

func TestOrderListOrderingFiltersAndPages(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := domain.OrderStatusPending
		if i%2 == 1 {
			status = domain.OrderStatusCancelled
		}
		user := "usr_1"
		if i == 4 {
			user = "usr_2"
		}
		order := domain.Order{
			ID:        fmt.Sprintf("ord_%d", i),
			UserID:    user,
			Status:    status,
			OrderedAt: base.Add(time.Duration(i) * time.Minute),
			Version:   1,
		}
		if err := store.Orders().Insert(ctx, order); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	page, err := store.Orders().List(ctx, repositories.OrderListFilter{UserID: "usr_1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(page.Items); fmt.Sprint(got) != "[ord_3 ord_2 ord_1 ord_0]" {
		t.Fatalf("unexpected order %v", got)
	}

	cancelled := domain.OrderStatusCancelled
	page, _ = store.Orders().List(ctx, repositories.OrderListFilter{Status: &cancelled})
	if got := ids(page.Items); fmt.Sprint(got) != "[ord_3 ord_1]" {
		t.Fatalf("unexpected status filter result %v", got)
	}

	page, _ = store.Orders().List(ctx, repositories.OrderListFilter{Limit: 2})
	if got := ids(page.Items); fmt.Sprint(got) != "[ord_4 ord_3]" || page.NextPageToken != "" {
		t.Fatalf("unexpected limited result %v token=%q", got, page.NextPageToken)
	}

	first, _ := store.Orders().List(ctx, repositories.OrderListFilter{Pagination: domain.Pagination{PageSize: 3}})
	if got := ids(first.Items); fmt.Sprint(got) != "[ord_4 ord_3 ord_2]" || first.NextPageToken == "" {
		t.Fatalf("unexpected first page %v token=%q", got, first.NextPageToken)
	}
	second, err := store.Orders().List(ctx, repositories.OrderListFilter{Pagination: domain.Pagination{PageSize: 3, PageToken: first.NextPageToken}})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if got := ids(second.Items); fmt.Sprint(got) != "[ord_1 ord_0]" || second.NextPageToken != "" {
		t.Fatalf("unexpected second page %v token=%q", got, second.NextPageToken)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	for _, id := range []string{"evt_1", "evt_2"} {
		if err := store.Outbox().Insert(ctx, domain.OutboxEvent{ID: id, Topic: "order.created"}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := store.Outbox().MarkFailed(ctx, "evt_1", "broker down"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := store.Outbox().MarkSent(ctx, "evt_2", time.Now()); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	pending, err := store.Outbox().FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "evt_1" || pending[0].Attempts != 1 || pending[0].LastError != "broker down" {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func ids(orders []domain.Order) []string {
	out := make([]string, 0, len(orders))
	for _, order := range orders {
		out = append(out, order.ID)
	}
	return out
}
