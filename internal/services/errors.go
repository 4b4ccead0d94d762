package services

import (
	"errors"
	"fmt"

	"github.com/storefront/orderflow/internal/repositories"
)

var (
	// ErrInvalidTransition indicates the guard denied the requested status change.
	ErrInvalidTransition = errors.New("order: invalid transition")
	// ErrInsufficientStock indicates the ledger could not hold the requested quantity.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConcurrentModification indicates the order kept changing underneath the engine.
	ErrConcurrentModification = errors.New("order: concurrent modification")
	// ErrInvalidSignature indicates a webhook payload failed provider verification.
	ErrInvalidSignature = errors.New("payment: invalid signature")
	// ErrUnknownProvider indicates no adapter is registered for the provider name.
	ErrUnknownProvider = errors.New("payment: unknown provider")
	// ErrUnknownOrder indicates the order could not be located.
	ErrUnknownOrder = errors.New("order: not found")
	// ErrOrderInvalidState signals the store refused a write that breaks the order's own rules.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderForbidden indicates the caller does not own the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrApprovalNotFound indicates the approval could not be located.
	ErrApprovalNotFound = errors.New("approval: not found")
	// ErrApprovalResolved indicates the approval already left the pending state.
	ErrApprovalResolved = errors.New("approval: already resolved")
	// ErrApprovalExpired indicates the approval passed its expiry.
	ErrApprovalExpired = errors.New("approval: expired")
	// ErrApprovalForbidden indicates the actor may not vote on the approval.
	ErrApprovalForbidden = errors.New("approval: forbidden")
	// ErrProviderUnavailable indicates the payment provider call failed.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
)

// TransitionError carries the guard's deny reason and matches ErrInvalidTransition.
type TransitionError struct {
	From   OrderStatus
	To     OrderStatus
	Reason string
}

func (e *TransitionError) Error() string {
	return e.Reason
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// InsufficientStockError reports the product that could not be reserved.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d", e.ProductID, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// isNotFound reports whether err is a repository not-found error.
func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// isConflict reports whether err is a repository conflict error.
func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if repositories.IsInvalidState(err) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrUnknownOrder, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func mapApprovalRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrApprovalNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("approval: repository unavailable: %w", err)
		}
	}
	return err
}
