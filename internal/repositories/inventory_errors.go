package repositories

import "fmt"

// InventoryErrorCode enumerates stock ledger failure causes.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates the requested quantity exceeds the product stock.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorProductInactive indicates the product cannot be ordered.
	InventoryErrorProductInactive InventoryErrorCode = "inventory_product_inactive"
	// InventoryErrorInvalidQuantity indicates a non-positive quantity was supplied.
	InventoryErrorInvalidQuantity InventoryErrorCode = "inventory_invalid_quantity"
)

// InventoryError carries a machine readable code for stock ledger failures.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	ProductID string
	Requested int
	Available int
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error for the product.
func NewInventoryError(code InventoryErrorCode, productID string, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:      code,
		ProductID: productID,
		Message:   message,
		Err:       err,
	}
}
