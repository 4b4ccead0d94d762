package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/orderflow/internal/domain"
	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/repositories"
)

const (
	inventoryCollection         = "inventory"
	stockReservationsCollection = "stockReservations"
)

// InventoryRepository is the Firestore ledger. Each movement reads the stock document and the
// reservation document and writes both in one transaction.
type InventoryRepository struct {
	provider     *pfirestore.Provider
	stocks       *pfirestore.Collection[stockDocument]
	reservations *pfirestore.Collection[reservationDocument]
	clock        func() time.Time
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository constructs the Firestore ledger.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		provider:     provider,
		stocks:       pfirestore.NewCollection[stockDocument](provider, inventoryCollection),
		reservations: pfirestore.NewCollection[reservationDocument](provider, stockReservationsCollection),
		clock:        time.Now,
	}, nil
}

type stockDocument struct {
	ProductID string    `firestore:"productId"`
	Total     int       `firestore:"total"`
	Available int       `firestore:"available"`
	Reserved  int       `firestore:"reserved"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type reservationDocument struct {
	Key         string     `firestore:"key"`
	OrderID     string     `firestore:"orderId"`
	ProductID   string     `firestore:"productId"`
	Quantity    int        `firestore:"quantity"`
	Status      string     `firestore:"status"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
	ReleasedAt  *time.Time `firestore:"releasedAt,omitempty"`
	CommittedAt *time.Time `firestore:"committedAt,omitempty"`
}

func (r *InventoryRepository) Reserve(ctx context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply(ctx, "inventory.reserve", mv, true, repositories.ApplyReserve)
}

func (r *InventoryRepository) Release(ctx context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply(ctx, "inventory.release", mv, false, repositories.ApplyRelease)
}

func (r *InventoryRepository) Commit(ctx context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply(ctx, "inventory.commit", mv, false, repositories.ApplyCommit)
}

type ledgerFunc func(op string, state repositories.LedgerState, mv repositories.StockMovement) (repositories.LedgerState, repositories.StockMovementResult, error)

func (r *InventoryRepository) apply(ctx context.Context, op string, mv repositories.StockMovement, needQuantity bool, fn ledgerFunc) (repositories.StockMovementResult, error) {
	if err := repositories.ValidateMovement(op, mv, needQuantity); err != nil {
		return repositories.StockMovementResult{}, err
	}
	if mv.Now.IsZero() {
		mv.Now = r.clock()
	}
	mv.Now = mv.Now.UTC()

	stockRef, err := r.stocks.Doc(ctx, mv.ProductID)
	if err != nil {
		return repositories.StockMovementResult{}, err
	}
	resRef, err := r.reservations.Doc(ctx, reservationDocID(mv.ProductID, mv.Key))
	if err != nil {
		return repositories.StockMovementResult{}, err
	}

	var result repositories.StockMovementResult
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		stockSnap, err := tx.Get(stockRef)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.StockNotFound(op, mv.ProductID)
			}
			return err
		}
		stock, err := pfirestore.Decode[stockDocument](stockSnap)
		if err != nil {
			return err
		}

		state := repositories.LedgerState{Stock: stock.toDomain()}
		resSnap, err := tx.Get(resRef)
		switch {
		case err == nil:
			doc, err := pfirestore.Decode[reservationDocument](resSnap)
			if err != nil {
				return err
			}
			res := doc.toDomain()
			state.Reservation = &res
		case !pfirestore.IsNotFound(err):
			return err
		}

		next, out, err := fn(op, state, mv)
		if err != nil {
			return err
		}
		result = out
		if !out.Applied {
			return nil
		}
		if err := tx.Set(stockRef, newStockDocument(next.Stock)); err != nil {
			return err
		}
		return tx.Set(resRef, newReservationDocument(*next.Reservation))
	})
	if err != nil {
		return repositories.StockMovementResult{}, unwrapInventoryError(err)
	}
	return result, nil
}

func (r *InventoryRepository) GetReservation(ctx context.Context, productID, key string) (domain.StockReservation, error) {
	doc, err := r.reservations.Get(ctx, reservationDocID(productID, key))
	if err != nil {
		return domain.StockReservation{}, err
	}
	return doc.toDomain(), nil
}

func (r *InventoryRepository) GetStock(ctx context.Context, productID string) (domain.InventoryRecord, error) {
	doc, err := r.stocks.Get(ctx, productID)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.InventoryRecord{}, repositories.StockNotFound("inventory.getStock", productID)
		}
		return domain.InventoryRecord{}, err
	}
	return doc.toDomain(), nil
}

func (r *InventoryRepository) AdjustStock(ctx context.Context, productID string, delta int, now time.Time) (domain.InventoryRecord, error) {
	const op = "inventory.adjust"
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.InventoryRecord{}, &repositories.InventoryError{Op: op, Code: repositories.InventoryErrorInvalidInput, Message: "product id is required"}
	}
	if now.IsZero() {
		now = r.clock()
	}
	ref, err := r.stocks.Doc(ctx, productID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	var out domain.InventoryRecord
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		stock := domain.InventoryRecord{ProductID: productID}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			doc, err := pfirestore.Decode[stockDocument](snap)
			if err != nil {
				return err
			}
			stock = doc.toDomain()
		case !pfirestore.IsNotFound(err):
			return err
		}
		stock, err = repositories.ApplyAdjust(stock, delta)
		if err != nil {
			return err
		}
		stock.UpdatedAt = now.UTC()
		out = stock
		return tx.Set(ref, newStockDocument(stock))
	})
	if err != nil {
		return domain.InventoryRecord{}, unwrapInventoryError(err)
	}
	return out, nil
}

// reservationDocID scopes ledger keys by product so one key may appear for several products.
func reservationDocID(productID, key string) string {
	return productID + "|" + key
}

// unwrapInventoryError surfaces ledger errors raised inside a transaction without the
// transport wrapper so callers see the InventoryError directly.
func unwrapInventoryError(err error) error {
	if invErr, ok := repositories.AsInventoryError(err); ok {
		return invErr
	}
	return err
}

func newStockDocument(stock domain.InventoryRecord) stockDocument {
	return stockDocument{
		ProductID: stock.ProductID,
		Total:     stock.Total,
		Available: stock.Available,
		Reserved:  stock.Reserved,
		UpdatedAt: stock.UpdatedAt.UTC(),
	}
}

func (d stockDocument) toDomain() domain.InventoryRecord {
	return domain.InventoryRecord{
		ProductID: d.ProductID,
		Total:     d.Total,
		Available: d.Available,
		Reserved:  d.Reserved,
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func newReservationDocument(res domain.StockReservation) reservationDocument {
	return reservationDocument{
		Key:         res.Key,
		OrderID:     res.OrderID,
		ProductID:   res.ProductID,
		Quantity:    res.Quantity,
		Status:      string(res.Status),
		CreatedAt:   res.CreatedAt.UTC(),
		UpdatedAt:   res.UpdatedAt.UTC(),
		ReleasedAt:  utcPtr(res.ReleasedAt),
		CommittedAt: utcPtr(res.CommittedAt),
	}
}

func (d reservationDocument) toDomain() domain.StockReservation {
	return domain.StockReservation{
		Key:         d.Key,
		OrderID:     d.OrderID,
		ProductID:   d.ProductID,
		Quantity:    d.Quantity,
		Status:      domain.ReservationStatus(d.Status),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
		ReleasedAt:  utcPtr(d.ReleasedAt),
		CommittedAt: utcPtr(d.CommittedAt),
	}
}
