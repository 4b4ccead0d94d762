// Package redis implements the stock ledger on Redis for deployments that keep hot inventory
// outside Firestore.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

const (
	defaultKeyPrefix = "orderflow:"
	maxTxAttempts    = 16
)

// InventoryRepository keeps one stock key and one key per reservation, grouped under the product's
// hash tag so a WATCH/MULTI transaction covers both on a cluster.
type InventoryRepository struct {
	client redis.UniversalClient
	prefix string
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository wraps client. An empty prefix uses the default namespace.
func NewInventoryRepository(client redis.UniversalClient, prefix string) (*InventoryRepository, error) {
	if client == nil {
		return nil, errors.New("redis inventory: client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &InventoryRepository{client: client, prefix: prefix}, nil
}

type stockValue struct {
	ProductID string    `json:"product_id"`
	Total     int       `json:"total"`
	Available int       `json:"available"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

type reservationValue struct {
	Key         string     `json:"key"`
	OrderID     string     `json:"order_id,omitempty"`
	ProductID   string     `json:"product_id"`
	Quantity    int        `json:"quantity"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}

type ledgerFunc func(op string, state repositories.LedgerState, mv repositories.StockMovement) (repositories.LedgerState, repositories.StockMovementResult, error)

func (r *InventoryRepository) Reserve(ctx context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply(ctx, "redis.inventory.reserve", mv, true, true, repositories.ApplyReserve)
}

func (r *InventoryRepository) Release(ctx context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply(ctx, "redis.inventory.release", mv, false, false, repositories.ApplyRelease)
}

func (r *InventoryRepository) Commit(ctx context.Context, mv repositories.StockMovement) (repositories.StockMovementResult, error) {
	return r.apply(ctx, "redis.inventory.commit", mv, false, false, repositories.ApplyCommit)
}

func (r *InventoryRepository) apply(ctx context.Context, op string, mv repositories.StockMovement, needQuantity, needStock bool, fn ledgerFunc) (repositories.StockMovementResult, error) {
	if err := repositories.ValidateMovement(op, mv, needQuantity); err != nil {
		return repositories.StockMovementResult{}, err
	}
	if mv.Now.IsZero() {
		mv.Now = time.Now().UTC()
	}
	stockKey := r.stockKey(mv.ProductID)
	resKey := r.reservationKey(mv.ProductID, mv.Key)

	var result repositories.StockMovementResult
	txf := func(tx *redis.Tx) error {
		stock, found, err := loadStock(ctx, tx, stockKey)
		if err != nil {
			return err
		}
		if !found {
			if needStock {
				return repositories.StockNotFound(op, mv.ProductID)
			}
			stock = domain.InventoryRecord{ProductID: mv.ProductID}
		}
		state := repositories.LedgerState{Stock: stock}
		if res, ok, err := loadReservation(ctx, tx, resKey); err != nil {
			return err
		} else if ok {
			state.Reservation = &res
		}

		next, out, err := fn(op, state, mv)
		if err != nil {
			return err
		}
		result = out
		if !out.Applied {
			return nil
		}
		stockPayload, err := json.Marshal(stockValue(next.Stock))
		if err != nil {
			return err
		}
		resPayload, err := json.Marshal(newReservationValue(*next.Reservation))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stockKey, stockPayload, 0)
			pipe.Set(ctx, resKey, resPayload, 0)
			return nil
		})
		return err
	}
	if err := r.watch(ctx, op, txf, stockKey, resKey); err != nil {
		return repositories.StockMovementResult{}, err
	}
	return result, nil
}

func (r *InventoryRepository) GetReservation(ctx context.Context, productID, key string) (domain.StockReservation, error) {
	res, ok, err := loadReservation(ctx, r.client, r.reservationKey(productID, key))
	if err != nil {
		return domain.StockReservation{}, repositories.NewUnavailableError("redis.inventory.getReservation", err)
	}
	if !ok {
		return domain.StockReservation{}, repositories.NewNotFoundError("redis.inventory.getReservation", "reservation "+key+" not found")
	}
	return res, nil
}

func (r *InventoryRepository) GetStock(ctx context.Context, productID string) (domain.InventoryRecord, error) {
	const op = "redis.inventory.getStock"
	stock, ok, err := loadStock(ctx, r.client, r.stockKey(productID))
	if err != nil {
		return domain.InventoryRecord{}, repositories.NewUnavailableError(op, err)
	}
	if !ok {
		return domain.InventoryRecord{}, repositories.StockNotFound(op, productID)
	}
	return stock, nil
}

func (r *InventoryRepository) AdjustStock(ctx context.Context, productID string, delta int, now time.Time) (domain.InventoryRecord, error) {
	const op = "redis.inventory.adjust"
	if productID == "" {
		return domain.InventoryRecord{}, &repositories.InventoryError{Op: op, Code: repositories.InventoryErrorInvalidInput, Message: "product id is required"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	key := r.stockKey(productID)
	var out domain.InventoryRecord
	err := r.watch(ctx, op, func(tx *redis.Tx) error {
		stock, found, err := loadStock(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			stock = domain.InventoryRecord{ProductID: productID}
		}
		stock, err = repositories.ApplyAdjust(stock, delta)
		if err != nil {
			return err
		}
		stock.UpdatedAt = now
		payload, err := json.Marshal(stockValue(stock))
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		}); err != nil {
			return err
		}
		out = stock
		return nil
	}, key)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	return out, nil
}

// watch runs txf optimistically, retrying when a watched key changed under it.
func (r *InventoryRepository) watch(ctx context.Context, op string, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, ok := repositories.AsInventoryError(err); ok {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return repositories.NewUnavailableError(op, err)
	}
	return repositories.NewConflictError(op, fmt.Sprintf("ledger contention exceeded %d attempts", maxTxAttempts))
}

func (r *InventoryRepository) stockKey(productID string) string {
	return r.prefix + "inventory:{" + productID + "}:stock"
}

func (r *InventoryRepository) reservationKey(productID, key string) string {
	return r.prefix + "inventory:{" + productID + "}:res:" + key
}

func loadStock(ctx context.Context, c redis.Cmdable, key string) (domain.InventoryRecord, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.InventoryRecord{}, false, nil
	}
	if err != nil {
		return domain.InventoryRecord{}, false, err
	}
	var value stockValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return domain.InventoryRecord{}, false, fmt.Errorf("decode stock %s: %w", key, err)
	}
	return domain.InventoryRecord(value), true, nil
}

func loadReservation(ctx context.Context, c redis.Cmdable, key string) (domain.StockReservation, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.StockReservation{}, false, nil
	}
	if err != nil {
		return domain.StockReservation{}, false, err
	}
	var value reservationValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return domain.StockReservation{}, false, fmt.Errorf("decode reservation %s: %w", key, err)
	}
	return value.toDomain(), true, nil
}

func newReservationValue(res domain.StockReservation) reservationValue {
	return reservationValue{
		Key:         res.Key,
		OrderID:     res.OrderID,
		ProductID:   res.ProductID,
		Quantity:    res.Quantity,
		Status:      string(res.Status),
		CreatedAt:   res.CreatedAt,
		UpdatedAt:   res.UpdatedAt,
		ReleasedAt:  res.ReleasedAt,
		CommittedAt: res.CommittedAt,
	}
}

func (v reservationValue) toDomain() domain.StockReservation {
	return domain.StockReservation{
		Key:         v.Key,
		OrderID:     v.OrderID,
		ProductID:   v.ProductID,
		Quantity:    v.Quantity,
		Status:      domain.ReservationStatus(v.Status),
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
		ReleasedAt:  v.ReleasedAt,
		CommittedAt: v.CommittedAt,
	}
}
