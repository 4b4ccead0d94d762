package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/storefront/orderflow/internal/repositories/memory"
)

func newMemoryInventory(t *testing.T) (InventoryService, *memory.InventoryRepository) {
	t.Helper()
	repo := memory.NewInventoryRepository()
	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: repo, Clock: newTestClock().Now})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	return svc, repo
}

func TestInventoryServiceReserveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMemoryInventory(t)
	if _, err := svc.AdjustStock(ctx, "p1", 5); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	lines := []StockLine{{ProductID: "p1", Quantity: 2, Key: "ord_1:li_0", OrderID: "ord_1"}}

	applied, err := svc.Reserve(ctx, lines)
	if err != nil || len(applied) != 1 {
		t.Fatalf("first reserve: applied=%v err=%v", applied, err)
	}
	applied, err = svc.Reserve(ctx, lines)
	if err != nil || len(applied) != 0 {
		t.Fatalf("replayed reserve should be a no-op: applied=%v err=%v", applied, err)
	}
	stock, _ := svc.GetStock(ctx, "p1")
	if stock.Available != 3 || stock.Reserved != 2 || stock.Total != 5 {
		t.Fatalf("unexpected stock %+v", stock)
	}

	ok, err := svc.ReservedSufficient(ctx, lines)
	if err != nil || !ok {
		t.Fatalf("expected reservation to cover the line: ok=%v err=%v", ok, err)
	}
	ok, _ = svc.ReservedSufficient(ctx, []StockLine{{ProductID: "p1", Quantity: 1, Key: "ord_2:li_0"}})
	if ok {
		t.Fatal("expected missing reservation to be insufficient")
	}

	if _, err := svc.Commit(ctx, lines); err != nil {
		t.Fatalf("commit: %v", err)
	}
	stock, _ = svc.GetStock(ctx, "p1")
	if stock.Available != 3 || stock.Reserved != 0 || stock.Total != 3 {
		t.Fatalf("unexpected stock after commit %+v", stock)
	}
	if released, err := svc.Release(ctx, lines); err != nil || len(released) != 0 {
		t.Fatalf("release after commit should be a no-op: %v %v", released, err)
	}
}

func TestInventoryServiceReserveRollsBackPartialOrder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMemoryInventory(t)
	_, _ = svc.AdjustStock(ctx, "p1", 5)
	_, _ = svc.AdjustStock(ctx, "p2", 1)

	_, err := svc.Reserve(ctx, []StockLine{
		{ProductID: "p1", Quantity: 2, Key: "ord_1:li_0", OrderID: "ord_1"},
		{ProductID: "p2", Quantity: 2, Key: "ord_1:li_1", OrderID: "ord_1"},
	})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.ProductID != "p2" || stockErr.Available != 1 {
		t.Fatalf("expected insufficient stock for p2, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if stock, _ := svc.GetStock(ctx, "p1"); stock.Available != 5 || stock.Reserved != 0 {
		t.Fatalf("expected p1 to be rolled back, got %+v", stock)
	}
}

func TestInventoryServiceUnknownProductIsInsufficient(t *testing.T) {
	svc, _ := newMemoryInventory(t)
	_, err := svc.Reserve(context.Background(), []StockLine{{ProductID: "ghost", Quantity: 1, Key: "ord_1:li_0"}})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestInventoryServiceLastUnitRace(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMemoryInventory(t)
	_, _ = svc.AdjustStock(ctx, "p1", 1)

	const buyers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := fmt.Sprintf("ord_%d", i)
			_, err := svc.Reserve(ctx, []StockLine{{ProductID: "p1", Quantity: 1, Key: orderID + ":li_0", OrderID: orderID}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientStock):
				failures++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || failures != buyers-1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d failures", successes, failures)
	}
	stock, _ := svc.GetStock(ctx, "p1")
	if stock.Available != 0 || stock.Reserved != 1 || !stock.Consistent() {
		t.Fatalf("unexpected stock %+v", stock)
	}
}
