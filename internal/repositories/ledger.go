package repositories

import (
	domain "github.com/storefront/orderflow/internal/domain"
)

// LedgerState is the stock record and the reservation (if any) an operation reads and writes
// atomically. Backends load it inside their transaction or critical section, apply one of the
// Apply* functions and persist the result only when Result.Applied is true.
type LedgerState struct {
	Stock       domain.InventoryRecord
	Reservation *domain.StockReservation
}

// ApplyReserve holds mv.Quantity for mv.Key. An equal or larger active reservation is a no-op;
// a smaller one is topped up by the difference. Committed keys are never re-reserved.
func ApplyReserve(op string, state LedgerState, mv StockMovement) (LedgerState, StockMovementResult, error) {
	now := mv.Now
	need := mv.Quantity
	res := domain.StockReservation{
		Key:       mv.Key,
		OrderID:   mv.OrderID,
		ProductID: mv.ProductID,
		Quantity:  mv.Quantity,
		Status:    domain.ReservationStatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing := state.Reservation; existing != nil {
		switch existing.Status {
		case domain.ReservationStatusCommitted:
			return state, StockMovementResult{Reservation: *existing, Stock: state.Stock}, nil
		case domain.ReservationStatusReserved:
			if existing.Quantity >= mv.Quantity {
				return state, StockMovementResult{Reservation: *existing, Stock: state.Stock}, nil
			}
			need = mv.Quantity - existing.Quantity
		}
		res.CreatedAt = existing.CreatedAt
		if res.OrderID == "" {
			res.OrderID = existing.OrderID
		}
	}

	stock := state.Stock
	if stock.Available < need {
		err := NewInsufficientStockError(mv.ProductID, need, stock.Available)
		err.Op = op
		return state, StockMovementResult{}, err
	}
	stock.Available -= need
	stock.Reserved += need
	stock.UpdatedAt = now

	next := LedgerState{Stock: stock, Reservation: &res}
	return next, StockMovementResult{Applied: true, Delta: need, Reservation: res, Stock: stock}, nil
}

// ApplyRelease returns an active reservation to available. Missing or inactive keys are no-ops.
func ApplyRelease(op string, state LedgerState, mv StockMovement) (LedgerState, StockMovementResult, error) {
	if state.Reservation == nil || !state.Reservation.Active() {
		return state, noopResult(state), nil
	}
	now := mv.Now
	res := *state.Reservation
	stock := state.Stock
	stock.Available += res.Quantity
	stock.Reserved -= res.Quantity
	stock.UpdatedAt = now
	res.Status = domain.ReservationStatusReleased
	res.UpdatedAt = now
	res.ReleasedAt = &now

	next := LedgerState{Stock: stock, Reservation: &res}
	return next, StockMovementResult{Applied: true, Delta: res.Quantity, Reservation: res, Stock: stock}, nil
}

// ApplyCommit turns an active reservation into a permanent deduction. Missing or committed keys
// are no-ops; released keys are an invalid state.
func ApplyCommit(op string, state LedgerState, mv StockMovement) (LedgerState, StockMovementResult, error) {
	if state.Reservation == nil || state.Reservation.Status == domain.ReservationStatusCommitted {
		return state, noopResult(state), nil
	}
	if state.Reservation.Status == domain.ReservationStatusReleased {
		return state, StockMovementResult{}, &InventoryError{
			Op:        op,
			Code:      InventoryErrorInvalidState,
			Message:   "reservation " + mv.Key + " was released",
			ProductID: mv.ProductID,
		}
	}
	now := mv.Now
	res := *state.Reservation
	stock := state.Stock
	stock.Reserved -= res.Quantity
	stock.Total -= res.Quantity
	stock.UpdatedAt = now
	res.Status = domain.ReservationStatusCommitted
	res.UpdatedAt = now
	res.CommittedAt = &now

	next := LedgerState{Stock: stock, Reservation: &res}
	return next, StockMovementResult{Applied: true, Delta: res.Quantity, Reservation: res, Stock: stock}, nil
}

// ApplyAdjust restocks (positive delta) or writes off (negative delta) available units.
func ApplyAdjust(stock domain.InventoryRecord, delta int) (domain.InventoryRecord, error) {
	if stock.Available+delta < 0 {
		return stock, NewInsufficientStockError(stock.ProductID, -delta, stock.Available)
	}
	stock.Available += delta
	stock.Total += delta
	return stock, nil
}

// StockNotFound reports a product without a stock record.
func StockNotFound(op, productID string) *InventoryError {
	return &InventoryError{
		Op:        op,
		Code:      InventoryErrorStockNotFound,
		Message:   "stock for product " + productID + " not found",
		ProductID: productID,
	}
}

func noopResult(state LedgerState) StockMovementResult {
	out := StockMovementResult{Stock: state.Stock}
	if state.Reservation != nil {
		out.Reservation = *state.Reservation
	}
	return out
}
