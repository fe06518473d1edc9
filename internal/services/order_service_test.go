package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
	"github.com/hanko-field/commerce/internal/repositories/memory"
)

type testHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC), step: time.Minute}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%04d", s.next)
}

type recordingMetrics struct {
	mu          sync.Mutex
	created     int
	transitions []string
	rejected    []string
}

func (m *recordingMetrics) OrderCreated(decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *recordingMetrics) OrderTransitioned(from, to OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, string(from)+">"+string(to))
}

func (m *recordingMetrics) OrderRejected(operation, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, operation+":"+reason)
}

type orderFixture struct {
	store   *memory.Store
	service OrderService
	metrics *recordingMetrics
}

func newOrderFixture(t testHelper, products ...domain.Product) orderFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.PutUser(ctx, domain.User{ID: "user-1", Email: "buyer@example.com", Name: "Buyer"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	for _, product := range products {
		if err := store.PutProduct(ctx, product); err != nil {
			t.Fatalf("PutProduct: %v", err)
		}
	}

	clock := newSteppingClock()
	ids := &sequenceIDs{}
	metrics := &recordingMetrics{}
	svc, err := NewOrderService(OrderServiceDeps{
		Users:       store.Users(),
		Products:    store.Products(),
		Orders:      store.Orders(),
		Outbox:      store.Outbox(),
		UnitOfWork:  store,
		Metrics:     metrics,
		Clock:       clock.Now,
		IDGenerator: ids.New,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return orderFixture{store: store, service: svc, metrics: metrics}
}

func (f orderFixture) stock(t testHelper, productID string) int {
	t.Helper()
	product, err := f.store.Products().FindByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("FindByID(%s): %v", productID, err)
	}
	return product.Stock
}

func productP(stock int) domain.Product {
	return domain.Product{ID: "prod-p", Name: "P", Price: decimal.RequireFromString("10.00"), Stock: stock, Active: true}
}

func createSingle(t *testing.T, svc OrderService, productID string, qty int) Order {
	t.Helper()
	order, err := svc.Create(context.Background(), CreateOrderCommand{
		UserID: "user-1",
		Items:  []OrderItemInput{{ProductID: productID, Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return order
}

func TestCreateReservesStockAndComputesTotal(t *testing.T) {
	f := newOrderFixture(t, productP(5))

	order := createSingle(t, f.service, "prod-p", 3)

	if !order.Total.Equal(decimal.RequireFromString("30.00")) {
		t.Fatalf("expected total 30.00, got %s", order.Total)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.OrderedAt.IsZero() || order.OrderedAt.Location() != time.UTC {
		t.Fatalf("expected UTC ordered at, got %v", order.OrderedAt)
	}
	if order.ID != "ord_0001" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if len(order.Items) != 1 || order.Items[0].OrderID != order.ID || !order.Items[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("unexpected items %+v", order.Items)
	}
	if got := f.stock(t, "prod-p"); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}

	stored, err := f.service.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !stored.Total.Equal(order.Total) || stored.Version != 1 {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	events, err := f.store.Outbox().FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(events) != 1 || events[0].Topic != orderEventCreated || events[0].Key != order.ID {
		t.Fatalf("expected created event, got %+v", events)
	}
	if f.metrics.created != 1 {
		t.Fatalf("expected created metric, got %d", f.metrics.created)
	}
}

func TestTransitionsThroughDelivery(t *testing.T) {
	f := newOrderFixture(t, productP(5))
	ctx := context.Background()
	order := createSingle(t, f.service, "prod-p", 3)

	steps := []OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	}
	var shippedAt time.Time
	for _, status := range steps {
		updated, err := f.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: order.ID, Status: status})
		if err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
		if updated.Status != status {
			t.Fatalf("expected %s, got %s", status, updated.Status)
		}
		switch status {
		case domain.OrderStatusShipped:
			if updated.ShippedAt == nil {
				t.Fatalf("expected shipped at to be set")
			}
			if updated.DeliveredAt != nil {
				t.Fatalf("delivered at set too early")
			}
			shippedAt = *updated.ShippedAt
		case domain.OrderStatusDelivered:
			if updated.DeliveredAt == nil || !updated.DeliveredAt.After(shippedAt) {
				t.Fatalf("expected delivered at after shipped at, got %v", updated.DeliveredAt)
			}
			if updated.ShippedAt == nil || !updated.ShippedAt.Equal(shippedAt) {
				t.Fatalf("shipped at changed on delivery")
			}
		default:
			if updated.ShippedAt != nil || updated.DeliveredAt != nil {
				t.Fatalf("unexpected timestamps at %s", status)
			}
		}
	}

	for _, status := range domain.OrderStatuses {
		_, err := f.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: order.ID, Status: status})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("delivered -> %s: expected ErrInvalidTransition, got %v", status, err)
		}
	}
	if got := f.stock(t, "prod-p"); got != 2 {
		t.Fatalf("delivery must not restock, got %d", got)
	}
}

func TestCancelRestoresStockOnce(t *testing.T) {
	f := newOrderFixture(t, productP(5))
	ctx := context.Background()
	order := createSingle(t, f.service, "prod-p", 3)

	cancelled, err := f.service.Cancel(ctx, order.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if got := f.stock(t, "prod-p"); got != 5 {
		t.Fatalf("expected stock 5 after cancel, got %d", got)
	}

	_, err = f.service.Cancel(ctx, order.ID)
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if transitionErr.From != domain.OrderStatusCancelled || transitionErr.To != domain.OrderStatusCancelled {
		t.Fatalf("unexpected edge %+v", transitionErr)
	}
	if got := f.stock(t, "prod-p"); got != 5 {
		t.Fatalf("second cancel must not restock, got %d", got)
	}
}

func TestCancelReleasesEveryItem(t *testing.T) {
	other := domain.Product{ID: "prod-q", Name: "Q", Price: decimal.RequireFromString("2.50"), Stock: 10, Active: true}
	f := newOrderFixture(t, productP(5), other)
	ctx := context.Background()

	order, err := f.service.Create(ctx, CreateOrderCommand{
		UserID: "user-1",
		Items: []OrderItemInput{
			{ProductID: "prod-p", Quantity: 2},
			{ProductID: "prod-q", Quantity: 4, Discount: decimal.RequireFromString("1.00")},
			{ProductID: "prod-p", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !order.Total.Equal(decimal.RequireFromString("39.00")) {
		t.Fatalf("expected total 39.00, got %s", order.Total)
	}
	if f.stock(t, "prod-p") != 2 || f.stock(t, "prod-q") != 6 {
		t.Fatalf("unexpected stock after create: p=%d q=%d", f.stock(t, "prod-p"), f.stock(t, "prod-q"))
	}

	if _, err := f.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusConfirmed}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.service.Cancel(ctx, order.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if f.stock(t, "prod-p") != 5 || f.stock(t, "prod-q") != 10 {
		t.Fatalf("unexpected stock after cancel: p=%d q=%d", f.stock(t, "prod-p"), f.stock(t, "prod-q"))
	}
}

func TestCreateInsufficientStockLeavesStockUntouched(t *testing.T) {
	f := newOrderFixture(t, productP(2))

	_, err := f.service.Create(context.Background(), CreateOrderCommand{
		UserID: "user-1",
		Items:  []OrderItemInput{{ProductID: "prod-p", Quantity: 3}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Available != 2 || invErr.Requested != 3 {
		t.Fatalf("expected inventory error detail, got %v", err)
	}
	if got := f.stock(t, "prod-p"); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
	orders, err := f.service.FindRecent(context.Background())
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(orders))
	}
	if len(f.metrics.rejected) != 1 || f.metrics.rejected[0] != "create:insufficient_stock" {
		t.Fatalf("unexpected rejection metrics %v", f.metrics.rejected)
	}
}

func TestCreatePartialFailureRollsBackEarlierItems(t *testing.T) {
	other := domain.Product{ID: "prod-q", Name: "Q", Price: decimal.RequireFromString("1.00"), Stock: 1, Active: true}
	f := newOrderFixture(t, productP(5), other)

	_, err := f.service.Create(context.Background(), CreateOrderCommand{
		UserID: "user-1",
		Items: []OrderItemInput{
			{ProductID: "prod-p", Quantity: 4},
			{ProductID: "prod-q", Quantity: 2},
		},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if f.stock(t, "prod-p") != 5 || f.stock(t, "prod-q") != 1 {
		t.Fatalf("expected rollback, got p=%d q=%d", f.stock(t, "prod-p"), f.stock(t, "prod-q"))
	}
}

func TestCreateErrors(t *testing.T) {
	inactive := domain.Product{ID: "prod-off", Name: "Off", Price: decimal.NewFromInt(1), Stock: 10}
	f := newOrderFixture(t, productP(5), inactive)

	cases := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{"missing user id", CreateOrderCommand{Items: []OrderItemInput{{ProductID: "prod-p", Quantity: 1}}}, ErrOrderInvalidInput},
		{"unknown user", CreateOrderCommand{UserID: "ghost", Items: []OrderItemInput{{ProductID: "prod-p", Quantity: 1}}}, ErrUserNotFound},
		{"no items", CreateOrderCommand{UserID: "user-1"}, ErrOrderInvalidInput},
		{"zero quantity", CreateOrderCommand{UserID: "user-1", Items: []OrderItemInput{{ProductID: "prod-p"}}}, ErrOrderInvalidInput},
		{"negative discount", CreateOrderCommand{UserID: "user-1", Items: []OrderItemInput{{ProductID: "prod-p", Quantity: 1, Discount: decimal.NewFromInt(-1)}}}, ErrOrderInvalidInput},
		{"discount above line", CreateOrderCommand{UserID: "user-1", Items: []OrderItemInput{{ProductID: "prod-p", Quantity: 1, Discount: decimal.NewFromInt(11)}}}, ErrOrderInvalidInput},
		{"unknown product", CreateOrderCommand{UserID: "user-1", Items: []OrderItemInput{{ProductID: "nope", Quantity: 1}}}, ErrProductNotFound},
		{"inactive product", CreateOrderCommand{UserID: "user-1", Items: []OrderItemInput{{ProductID: "prod-off", Quantity: 1}}}, ErrProductUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Create(context.Background(), tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if got := f.stock(t, "prod-p"); got != 5 {
		t.Fatalf("stock changed by failed creates: %d", got)
	}
	if got := f.stock(t, "prod-off"); got != 10 {
		t.Fatalf("inactive stock changed: %d", got)
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	f := newOrderFixture(t, productP(5))
	ctx := context.Background()
	order := createSingle(t, f.service, "prod-p", 1)

	if _, err := f.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "missing", Status: domain.OrderStatusConfirmed}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := f.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: order.ID, Status: "lost"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
	if _, err := f.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusShipped}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: order.ID, Status: " Confirmed "}); err != nil {
		t.Fatalf("expected status to be normalised, got %v", err)
	}
	if _, err := f.service.FindByID(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestQueriesOrderNewestFirst(t *testing.T) {
	f := newOrderFixture(t, productP(50))
	ctx := context.Background()
	if err := f.store.PutUser(ctx, domain.User{ID: "user-2"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	first := createSingle(t, f.service, "prod-p", 1)
	second, err := f.service.Create(ctx, CreateOrderCommand{UserID: "user-2", Items: []OrderItemInput{{ProductID: "prod-p", Quantity: 1}}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	third := createSingle(t, f.service, "prod-p", 1)
	if _, err := f.service.Cancel(ctx, third.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	recent, err := f.service.FindRecent(ctx)
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if got := orderIDs(recent); !equalIDs(got, []string{third.ID, second.ID, first.ID}) {
		t.Fatalf("unexpected recent order %v", got)
	}

	byUser, err := f.service.FindByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("FindByUser: %v", err)
	}
	if got := orderIDs(byUser); !equalIDs(got, []string{third.ID, first.ID}) {
		t.Fatalf("unexpected user orders %v", got)
	}

	pending, err := f.service.FindByStatus(ctx, domain.OrderStatusPending)
	if err != nil {
		t.Fatalf("FindByStatus: %v", err)
	}
	if got := orderIDs(pending); !equalIDs(got, []string{second.ID, first.ID}) {
		t.Fatalf("unexpected pending orders %v", got)
	}

	cancelled, err := f.service.FindByUserAndStatus(ctx, "user-1", domain.OrderStatusCancelled)
	if err != nil {
		t.Fatalf("FindByUserAndStatus: %v", err)
	}
	if got := orderIDs(cancelled); !equalIDs(got, []string{third.ID}) {
		t.Fatalf("unexpected cancelled orders %v", got)
	}

	none, err := f.service.FindByUser(ctx, "user-3")
	if err != nil {
		t.Fatalf("FindByUser: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", none)
	}

	if _, err := f.service.FindByStatus(ctx, "bogus"); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestFindRecentCapsAtHundred(t *testing.T) {
	f := newOrderFixture(t, productP(200))
	for i := 0; i < 105; i++ {
		createSingle(t, f.service, "prod-p", 1)
	}
	recent, err := f.service.FindRecent(context.Background())
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if len(recent) != 100 {
		t.Fatalf("expected 100 orders, got %d", len(recent))
	}
	if recent[0].ID != "ord_0313" {
		t.Fatalf("expected newest order first, got %s", recent[0].ID)
	}
}

func TestListPaginates(t *testing.T) {
	f := newOrderFixture(t, productP(10))
	ctx := context.Background()
	var created []string
	for i := 0; i < 5; i++ {
		created = append(created, createSingle(t, f.service, "prod-p", 1).ID)
	}

	var seen []string
	token := ""
	for page := 0; page < 5; page++ {
		result, err := f.service.List(ctx, OrderListFilter{Pagination: Pagination{PageSize: 2, PageToken: token}})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		seen = append(seen, orderIDs(result.Items)...)
		token = result.NextPageToken
		if token == "" {
			break
		}
	}
	want := []string{created[4], created[3], created[2], created[1], created[0]}
	if !equalIDs(seen, want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}

	if _, err := f.service.List(ctx, OrderListFilter{Pagination: Pagination{PageToken: "!!"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for bad token, got %v", err)
	}
}

func TestConcurrentCreatesRaceForLastUnit(t *testing.T) {
	f := newOrderFixture(t, productP(1))

	const racers = 2
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.service.Create(context.Background(), CreateOrderCommand{
				UserID: "user-1",
				Items:  []OrderItemInput{{ProductID: "prod-p", Quantity: 1}},
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var wins, shortages int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInsufficientStock):
			shortages++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || shortages != 1 {
		t.Fatalf("expected one winner and one shortage, got %d/%d", wins, shortages)
	}
	if got := f.stock(t, "prod-p"); got != 0 {
		t.Fatalf("expected final stock 0, got %d", got)
	}
}

func TestCreateJoinsOuterTransaction(t *testing.T) {
	f := newOrderFixture(t, productP(5))
	boom := errors.New("outer failure")

	err := f.store.RunInTx(context.Background(), func(txCtx context.Context) error {
		if _, err := f.service.Create(txCtx, CreateOrderCommand{
			UserID: "user-1",
			Items:  []OrderItemInput{{ProductID: "prod-p", Quantity: 2}},
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected outer error, got %v", err)
	}
	if got := f.stock(t, "prod-p"); got != 5 {
		t.Fatalf("expected outer rollback to restore stock, got %d", got)
	}
	recent, _ := f.service.FindRecent(context.Background())
	if len(recent) != 0 {
		t.Fatalf("expected no committed orders, got %d", len(recent))
	}
}

func TestNewOrderServiceValidatesDeps(t *testing.T) {
	store := memory.NewStore()
	if _, err := NewOrderService(OrderServiceDeps{Products: store.Products(), Orders: store.Orders()}); err == nil {
		t.Fatalf("expected error without user repository")
	}
	if _, err := NewOrderService(OrderServiceDeps{Users: store.Users(), Orders: store.Orders()}); err == nil {
		t.Fatalf("expected error without product repository")
	}
	if _, err := NewOrderService(OrderServiceDeps{Users: store.Users(), Products: store.Products()}); err == nil {
		t.Fatalf("expected error without order repository")
	}
}

func orderIDs(orders []Order) []string {
	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
