package repositories

import (
	"errors"
	"fmt"
)

// InventoryErrorCode enumerates ledger failure causes.
type InventoryErrorCode string

const (
	// InventoryErrorInsufficientStock indicates the requested quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorStockNotFound indicates the product has no stock record.
	InventoryErrorStockNotFound InventoryErrorCode = "inventory_stock_not_found"
	// InventoryErrorInvalidState indicates the reservation status forbids the operation.
	InventoryErrorInvalidState InventoryErrorCode = "inventory_invalid_state"
	// InventoryErrorInvalidInput indicates a malformed movement.
	InventoryErrorInvalidInput InventoryErrorCode = "inventory_invalid_input"
)

// InventoryError wraps ledger failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	Message   string
	ProductID string
	Requested int
	Available int
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

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientStockError reports the availability observed when a reservation was refused.
func NewInsufficientStockError(productID string, requested, available int) *InventoryError {
	return &InventoryError{
		Code:      InventoryErrorInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", productID, requested, available),
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}

// AsInventoryError unwraps err into an InventoryError.
func AsInventoryError(err error) (*InventoryError, bool) {
	var invErr *InventoryError
	if errors.As(err, &invErr) {
		return invErr, true
	}
	return nil, false
}

// ValidateMovement checks the fields every ledger backend requires.
func ValidateMovement(op string, mv StockMovement, needQuantity bool) error {
	switch {
	case mv.ProductID == "":
		return &InventoryError{Op: op, Code: InventoryErrorInvalidInput, Message: "product id is required"}
	case mv.Key == "":
		return &InventoryError{Op: op, Code: InventoryErrorInvalidInput, Message: "idempotency key is required"}
	case needQuantity && mv.Quantity <= 0:
		return &InventoryError{Op: op, Code: InventoryErrorInvalidInput, Message: "quantity must be positive"}
	}
	return nil
}
