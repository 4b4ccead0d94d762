package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

// InventoryRepository is an in-process ledger. A single mutex makes every movement one
// conditional update, matching the transactional backends.
type InventoryRepository struct {
	mu           sync.Mutex
	stocks       map[string]domain.InventoryRecord
	reservations map[string]domain.StockReservation
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository constructs an empty ledger.
func NewInventoryRepository() *InventoryRepository {
	return &InventoryRepository{
		stocks:       make(map[string]domain.InventoryRecord),
		reservations: make(map[string]domain.StockReservation),
	}
}

func reservationIndex(productID, key string) string {
	return productID + "|" + key
}

type ledgerFunc func(op string, state repositories.LedgerState, mv repositories.StockMovement) (repositories.LedgerState, repositories.StockMovementResult, error)

func (r *InventoryRepository) Reserve(_ context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply("memory.inventory.reserve", mv, true, true, repositories.ApplyReserve)
}

func (r *InventoryRepository) Release(_ context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply("memory.inventory.release", mv, false, false, repositories.ApplyRelease)
}

func (r *InventoryRepository) Commit(_ context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply("memory.inventory.commit", mv, false, false, repositories.ApplyCommit)
}

func (r *InventoryRepository) apply(op string, mv repositories.StockMovement, needQuantity, needStock bool, fn ledgerFunc) (repositories.StockMovementResult, error) {
	if err := repositories.ValidateMovement(op, mv, needQuantity); err != nil {
		return repositories.StockMovementResult{}, err
	}
	mv.Now = nowOr(mv.Now)

	r.mu.Lock()
	defer r.mu.Unlock()

	stock, ok := r.stocks[mv.ProductID]
	if !ok && needStock {
		return repositories.StockMovementResult{}, repositories.StockNotFound(op, mv.ProductID)
	}
	idx := reservationIndex(mv.ProductID, mv.Key)
	state := repositories.LedgerState{Stock: stock}
	if res, found := r.reservations[idx]; found {
		state.Reservation = &res
	}

	next, result, err := fn(op, state, mv)
	if err != nil || !result.Applied {
		return result, err
	}
	r.stocks[mv.ProductID] = next.Stock
	r.reservations[idx] = *next.Reservation
	return result, nil
}

func (r *InventoryRepository) GetReservation(_ context.Context, productID, key string) (domain.StockReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[reservationIndex(productID, key)]
	if !ok {
		return domain.StockReservation{}, repositories.NewNotFoundError("memory.inventory.getReservation", "reservation "+key+" not found")
	}
	return res, nil
}

func (r *InventoryRepository) GetStock(_ context.Context, productID string) (domain.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stock, ok := r.stocks[productID]
	if !ok {
		return domain.InventoryRecord{}, repositories.StockNotFound("memory.inventory.getStock", productID)
	}
	return stock, nil
}

func (r *InventoryRepository) AdjustStock(_ context.Context, productID string, delta int, now time.Time) (domain.InventoryRecord, error) {
	const op = "memory.inventory.adjust"
	if productID == "" {
		return domain.InventoryRecord{}, &repositories.InventoryError{Op: op, Code: repositories.InventoryErrorInvalidInput, Message: "product id is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stock, ok := r.stocks[productID]
	if !ok {
		stock = domain.InventoryRecord{ProductID: productID}
	}
	stock, err := repositories.ApplyAdjust(stock, delta)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	stock.UpdatedAt = nowOr(now)
	r.stocks[productID] = stock
	return stock, nil
}

func nowOr(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now
}
