package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storefront/orderflow/internal/repositories"
)

const (
	eventInventoryReserve = "inventory.reserve"
	eventInventoryCommit  = "inventory.commit"
	eventInventoryRelease = "inventory.release"
)

// StockLine is one ledger movement keyed by its reservation key.
type StockLine struct {
	ProductID string
	Quantity  int
	Key       string
	OrderID   string
}

// OrderStockLines derives the ledger lines for every item of order.
func OrderStockLines(order Order) []StockLine {
	lines := make([]StockLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, StockLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Key:       item.ReservationKey(order.ID),
			OrderID:   order.ID,
		})
	}
	return lines
}

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.InventoryRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo: deps.Inventory,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *inventoryService) Reserve(ctx context.Context, lines []StockLine) ([]StockLine, error) {
	if err := validateStockLines(lines, true); err != nil {
		return nil, err
	}
	now := s.clock()
	applied := make([]StockLine, 0, len(lines))
	for _, line := range lines {
		result, err := s.repo.Reserve(ctx, line.movement(now))
		if err != nil {
			s.rollback(ctx, applied)
			return nil, s.mapInventoryError(err)
		}
		if result.Applied {
			applied = append(applied, line)
		}
	}
	if len(applied) > 0 {
		s.logger(ctx, eventInventoryReserve, map[string]any{
			"orderId": applied[0].OrderID,
			"lines":   len(applied),
		})
	}
	return applied, nil
}

func (s *inventoryService) Release(ctx context.Context, lines []StockLine) ([]StockLine, error) {
	return s.each(ctx, eventInventoryRelease, lines, s.repo.Release)
}

func (s *inventoryService) Commit(ctx context.Context, lines []StockLine) ([]StockLine, error) {
	return s.each(ctx, eventInventoryCommit, lines, s.repo.Commit)
}

func (s *inventoryService) ReservedSufficient(ctx context.Context, lines []StockLine) (bool, error) {
	for _, line := range lines {
		res, err := s.repo.GetReservation(ctx, line.ProductID, line.Key)
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, s.mapInventoryError(err)
		}
		if !res.Active() || res.Quantity < line.Quantity {
			return false, nil
		}
	}
	return true, nil
}

func (s *inventoryService) AdjustStock(ctx context.Context, productID string, delta int) (InventoryRecord, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return InventoryRecord{}, fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
	}
	record, err := s.repo.AdjustStock(ctx, productID, delta, s.clock())
	if err != nil {
		return InventoryRecord{}, s.mapInventoryError(err)
	}
	s.logger(ctx, "inventory.adjust", map[string]any{
		"productId": productID,
		"delta":     delta,
		"available": record.Available,
	})
	return record, nil
}

func (s *inventoryService) GetStock(ctx context.Context, productID string) (InventoryRecord, error) {
	record, err := s.repo.GetStock(ctx, strings.TrimSpace(productID))
	if err != nil {
		return InventoryRecord{}, s.mapInventoryError(err)
	}
	return record, nil
}

type ledgerOp func(context.Context, repositories.StockMovement) (repositories.StockMovementResult, error)

func (s *inventoryService) each(ctx context.Context, event string, lines []StockLine, op ledgerOp) ([]StockLine, error) {
	if err := validateStockLines(lines, false); err != nil {
		return nil, err
	}
	now := s.clock()
	applied := make([]StockLine, 0, len(lines))
	for _, line := range lines {
		result, err := op(ctx, line.movement(now))
		if err != nil {
			return applied, s.mapInventoryError(err)
		}
		if result.Applied {
			applied = append(applied, line)
		}
	}
	if len(applied) > 0 {
		s.logger(ctx, event, map[string]any{
			"orderId": applied[0].OrderID,
			"lines":   len(applied),
		})
	}
	return applied, nil
}

// rollback releases lines reserved earlier in a failed Reserve call.
func (s *inventoryService) rollback(ctx context.Context, applied []StockLine) {
	now := s.clock()
	for _, line := range applied {
		if _, err := s.repo.Release(ctx, line.movement(now)); err != nil {
			s.logger(ctx, "inventory.rollback.failed", map[string]any{
				"productId": line.ProductID,
				"key":       line.Key,
				"error":     err.Error(),
			})
		}
	}
}

func (s *inventoryService) mapInventoryError(err error) error {
	if err == nil {
		return nil
	}
	if invErr, ok := repositories.AsInventoryError(err); ok {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return &InsufficientStockError{ProductID: invErr.ProductID, Requested: invErr.Requested, Available: invErr.Available}
		case repositories.InventoryErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrOrderInvalidInput, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			// A product without stock cannot be reserved at all.
			return &InsufficientStockError{ProductID: invErr.ProductID}
		}
		return fmt.Errorf("inventory: %w", err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("inventory: repository unavailable: %w", err)
	}
	return err
}

func (l StockLine) movement(now time.Time) repositories.StockMovement {
	return repositories.StockMovement{
		ProductID: l.ProductID,
		Quantity:  l.Quantity,
		Key:       l.Key,
		OrderID:   l.OrderID,
		Now:       now,
	}
}

func validateStockLines(lines []StockLine, needQuantity bool) error {
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" || strings.TrimSpace(line.Key) == "" {
			return fmt.Errorf("%w: stock line requires product id and key", ErrOrderInvalidInput)
		}
		if needQuantity && line.Quantity <= 0 {
			return fmt.Errorf("%w: stock line quantity must be positive", ErrOrderInvalidInput)
		}
	}
	return nil
}
