package memory

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"sync"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

const defaultPageSize = 20

// OrderRepository keeps orders in memory with the same version semantics as Firestore.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	const op = "memory.orders.insert"
	if order.ID == "" {
		return repositories.NewConflictError(op, "order id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewConflictError(op, "order "+order.ID+" already exists")
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *OrderRepository) Update(_ context.Context, order domain.Order, expectedVersion int64) error {
	const op = "memory.orders.update"
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[order.ID]
	if !ok {
		return repositories.NewNotFoundError(op, "order "+order.ID+" not found")
	}
	if stored.Version != expectedVersion {
		return repositories.NewConflictError(op, "order "+order.ID+" version mismatch: stored "+
			strconv.FormatInt(stored.Version, 10)+", expected "+strconv.FormatInt(expectedVersion, 10))
	}
	if err := repositories.ValidateHistoryAppend(op, stored.History, order.History); err != nil {
		return err
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("memory.orders.find", "order "+orderID+" not found")
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) ListByUser(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.RLock()
	matched := make([]domain.Order, 0)
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	items, next := paginate(matched, filter.Pagination)
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

func paginate[T any](items []T, pager domain.Pagination) ([]T, string) {
	size := pager.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	offset := 0
	if pager.PageToken != "" {
		if n, err := strconv.Atoi(pager.PageToken); err == nil && n > 0 {
			offset = n
		}
	}
	if offset >= len(items) {
		return []T{}, ""
	}
	end := offset + size
	if end >= len(items) {
		return items[offset:], ""
	}
	return items[offset:end], strconv.Itoa(end)
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = slices.Clone(order.Items)
	out.History = slices.Clone(order.History)
	if order.Payment != nil {
		p := *order.Payment
		out.Payment = &p
	}
	return out
}
