package domain

import "github.com/shopspring/decimal"

// Subtotal returns unit price times quantity minus the line discount.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Sub(i.Discount)
}

// ComputeTotal sums the subtotals of the supplied items.
func ComputeTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range OrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}
