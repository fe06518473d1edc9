package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/pagination"
	"github.com/hanko-field/commerce/internal/repositories"
)

// Store keeps users, products, orders and outbox events in process memory. Transactions are
// serialized and work on a private copy that replaces the committed state on success, which
// gives the same all-or-nothing and row-lock guarantees the relational store provides.
type Store struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	committed *state

	health repositories.HealthRepository
}

type state struct {
	users    map[string]domain.User
	products map[string]domain.Product
	orders   map[string]domain.Order
	outbox   []domain.OutboxEvent
}

func (s *state) clone() *state {
	next := &state{
		users:    maps.Clone(s.users),
		products: maps.Clone(s.products),
		orders:   make(map[string]domain.Order, len(s.orders)),
		outbox:   make([]domain.OutboxEvent, len(s.outbox)),
	}
	for id, order := range s.orders {
		next.orders[id] = cloneOrder(order)
	}
	for i, event := range s.outbox {
		next.outbox[i] = cloneEvent(event)
	}
	return next
}

type txContextKey struct{}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	store := &Store{
		committed: &state{
			users:    make(map[string]domain.User),
			products: make(map[string]domain.Product),
			orders:   make(map[string]domain.Order),
		},
	}
	health, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}})
	store.health = health
	return store
}

// RunInTx runs fn against a private copy of the store and publishes it only when fn succeeds.
// Nested calls join the transaction already carried by ctx.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if _, ok := ctx.Value(txContextKey{}).(*state); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.committed.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txContextKey{}, working)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = working
	s.mu.Unlock()
	return nil
}

// read runs fn against the transaction state carried by ctx, or the committed state.
func (s *Store) read(ctx context.Context, fn func(*state) error) error {
	if tx, ok := ctx.Value(txContextKey{}).(*state); ok {
		return fn(tx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.committed)
}

// write runs fn inside the caller's transaction or an implicit single-statement one.
func (s *Store) write(ctx context.Context, fn func(*state) error) error {
	return s.RunInTx(ctx, func(txCtx context.Context) error {
		return fn(txCtx.Value(txContextKey{}).(*state))
	})
}

// Close is a no-op kept for Registry compatibility.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Users() repositories.UserRepository       { return userRepository{s} }
func (s *Store) Products() repositories.ProductRepository { return productRepository{s} }
func (s *Store) Orders() repositories.OrderRepository     { return orderRepository{s} }
func (s *Store) Outbox() repositories.OutboxRepository    { return outboxRepository{s} }
func (s *Store) Health() repositories.HealthRepository    { return s.health }

// PutUser seeds or replaces a user.
func (s *Store) PutUser(ctx context.Context, user domain.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("memory: user id is required")
	}
	return s.write(ctx, func(st *state) error {
		st.users[user.ID] = user
		return nil
	})
}

// PutProduct seeds or replaces a product.
func (s *Store) PutProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return errors.New("memory: product id is required")
	}
	return s.write(ctx, func(st *state) error {
		st.products[product.ID] = product
		return nil
	})
}

type userRepository struct{ s *Store }

func (r userRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	var user domain.User
	err := r.s.read(ctx, func(st *state) error {
		found, ok := st.users[userID]
		if !ok {
			return notFound("users.find", "user", userID)
		}
		user = found
		return nil
	})
	return user, err
}

type productRepository struct{ s *Store }

func (r productRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	var product domain.Product
	err := r.s.read(ctx, func(st *state) error {
		found, ok := st.products[productID]
		if !ok {
			return notFound("products.find", "product", productID)
		}
		product = found
		return nil
	})
	return product, err
}

// FindByIDForUpdate relies on transactions being serialized; holding the transaction is the lock.
func (r productRepository) FindByIDForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	return r.FindByID(ctx, productID)
}

func (r productRepository) Update(ctx context.Context, product domain.Product) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.products[product.ID]; !ok {
			return notFound("products.update", "product", product.ID)
		}
		if product.Stock < 0 {
			return conflict("products.update", "stock must not be negative")
		}
		st.products[product.ID] = product
		return nil
	})
}

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.s.write(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; exists {
			return conflict("orders.insert", "order "+order.ID+" already exists")
		}
		st.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.s.write(ctx, func(st *state) error {
		current, ok := st.orders[order.ID]
		if !ok {
			return notFound("orders.update", "order", order.ID)
		}
		if current.Version != order.Version-1 {
			return conflict("orders.update", "order "+order.ID+" was modified concurrently")
		}
		st.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := r.s.read(ctx, func(st *state) error {
		found, ok := st.orders[orderID]
		if !ok {
			return notFound("orders.find", "order", orderID)
		}
		order = cloneOrder(found)
		return nil
	})
	return order, err
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var matched []domain.Order
	_ = r.s.read(ctx, func(st *state) error {
		for _, order := range st.orders {
			if filter.UserID != "" && order.UserID != filter.UserID {
				continue
			}
			if filter.Status != nil && order.Status != *filter.Status {
				continue
			}
			matched = append(matched, cloneOrder(order))
		}
		return nil
	})

	slices.SortFunc(matched, compareNewestFirst)
	if !cursor.IsZero() {
		start := len(matched)
		for i, order := range matched {
			if order.OrderedAt.Before(cursor.After) || (order.OrderedAt.Equal(cursor.After) && order.ID < cursor.ID) {
				start = i
				break
			}
		}
		matched = matched[start:]
	}

	limit := filter.Limit
	if size := filter.Pagination.PageSize; size > 0 && (limit <= 0 || size < limit) {
		limit = size
	}
	page := domain.CursorPage[domain.Order]{Items: matched}
	if limit > 0 && len(matched) > limit {
		page.Items = matched[:limit]
		if filter.Pagination.PageSize > 0 {
			last := page.Items[limit-1]
			page.NextPageToken = pagination.EncodeToken(pagination.Cursor{After: last.OrderedAt, ID: last.ID})
		}
	}
	return page, nil
}

func compareNewestFirst(a, b domain.Order) int {
	if c := b.OrderedAt.Compare(a.OrderedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

type outboxRepository struct{ s *Store }

func (r outboxRepository) Insert(ctx context.Context, event domain.OutboxEvent) error {
	return r.s.write(ctx, func(st *state) error {
		st.outbox = append(st.outbox, cloneEvent(event))
		return nil
	})
}

func (r outboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	var pending []domain.OutboxEvent
	err := r.s.read(ctx, func(st *state) error {
		for _, event := range st.outbox {
			if event.SentAt != nil {
				continue
			}
			pending = append(pending, cloneEvent(event))
			if limit > 0 && len(pending) == limit {
				break
			}
		}
		return nil
	})
	return pending, err
}

func (r outboxRepository) MarkSent(ctx context.Context, eventID string, sentAt time.Time) error {
	return r.s.write(ctx, func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].ID == eventID {
				sent := sentAt
				st.outbox[i].SentAt = &sent
				return nil
			}
		}
		return notFound("outbox.mark_sent", "event", eventID)
	})
}

func (r outboxRepository) MarkFailed(ctx context.Context, eventID string, reason string) error {
	return r.s.write(ctx, func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].ID == eventID {
				st.outbox[i].Attempts++
				st.outbox[i].LastError = reason
				return nil
			}
		}
		return notFound("outbox.mark_failed", "event", eventID)
	})
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	if order.ShippedAt != nil {
		shipped := *order.ShippedAt
		order.ShippedAt = &shipped
	}
	if order.DeliveredAt != nil {
		delivered := *order.DeliveredAt
		order.DeliveredAt = &delivered
	}
	return order
}

func cloneEvent(event domain.OutboxEvent) domain.OutboxEvent {
	event.Payload = slices.Clone(event.Payload)
	event.Attributes = maps.Clone(event.Attributes)
	if event.SentAt != nil {
		sent := *event.SentAt
		event.SentAt = &sent
	}
	return event
}
