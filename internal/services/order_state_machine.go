package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

// ErrInvalidTransition indicates the requested status is not reachable from the current one.
var ErrInvalidTransition = errors.New("order: invalid status transition")

// TransitionError names the rejected edge.
type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition.Error(), e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

func canTransition(current, target OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func releasesStock(status OrderStatus) bool {
	return status == domain.OrderStatusCancelled || status == domain.OrderStatusRefunded
}

// orderStateMachine applies transitions together with their entry side effects. It must run
// inside the unit of work that persists the order.
type orderStateMachine struct {
	products repositories.ProductRepository
	ledger   InventoryLedger
}

func (m *orderStateMachine) transition(ctx context.Context, order *Order, target OrderStatus, now time.Time) error {
	current := order.Status
	if !canTransition(current, target) {
		return &TransitionError{From: current, To: target}
	}

	switch target {
	case domain.OrderStatusShipped:
		order.ShippedAt = valuePtr(now)
	case domain.OrderStatusDelivered:
		order.DeliveredAt = valuePtr(now)
	}

	if releasesStock(target) {
		for _, item := range order.Items {
			product, err := m.products.FindByIDForUpdate(ctx, item.ProductID)
			if err != nil {
				return mapRepositoryError(err, ErrProductNotFound)
			}
			if _, err := m.ledger.Release(ctx, product, item.Quantity); err != nil {
				return err
			}
		}
	}

	order.Status = target
	order.UpdatedAt = now
	return nil
}
