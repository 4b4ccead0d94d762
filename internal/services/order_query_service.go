package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

const maxOrderPageSize = 100

// OrderQueryServiceDeps bundles the collaborators required to construct an order query service.
type OrderQueryServiceDeps struct {
	Orders repositories.OrderRepository
}

type orderQueryService struct {
	orders repositories.OrderRepository
}

// NewOrderQueryService wires dependencies into a concrete OrderQueryService implementation.
func NewOrderQueryService(deps OrderQueryServiceDeps) (OrderQueryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order query service: order repository is required")
	}
	return &orderQueryService{orders: deps.Orders}, nil
}

func (s *orderQueryService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, invalidInput("order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

// GetForUser hides orders of other users behind ErrOrderForbidden.
func (s *orderQueryService) GetForUser(ctx context.Context, orderID, userID string) (Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Order{}, invalidInput("user id is required")
	}
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, order.ID)
	}
	return order, nil
}

func (s *orderQueryService) ListByUser(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	filter.UserID = strings.TrimSpace(filter.UserID)
	if filter.UserID == "" {
		return domain.CursorPage[Order]{}, invalidInput("user id is required")
	}
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, invalidInput(fmt.Sprintf("unknown status %q", status))
		}
	}
	if filter.Pagination.PageSize > maxOrderPageSize {
		filter.Pagination.PageSize = maxOrderPageSize
	}
	page, err := s.orders.ListByUser(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

// History returns a copy of the order's status history.
func (s *orderQueryService) History(ctx context.Context, orderID, userID string) ([]StatusHistoryEntry, error) {
	var (
		order Order
		err   error
	)
	if strings.TrimSpace(userID) == "" {
		order, err = s.Get(ctx, orderID)
	} else {
		order, err = s.GetForUser(ctx, orderID, userID)
	}
	if err != nil {
		return nil, err
	}
	history := order.CloneHistory()
	if history == nil {
		history = []StatusHistoryEntry{}
	}
	return history, nil
}
