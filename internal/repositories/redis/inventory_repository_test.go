package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storefront/orderflow/internal/repositories"
)

func newTestLedger(t *testing.T) *InventoryRepository {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	prefix := "test:" + t.Name() + ":" + time.Now().Format("150405.000000") + ":"
	repo, err := NewInventoryRepository(client, prefix)
	if err != nil {
		t.Fatalf("NewInventoryRepository: %v", err)
	}
	return repo
}

func TestRedisLedgerReserveReleaseCommit(t *testing.T) {
	repo := newTestLedger(t)
	ctx := context.Background()
	if _, err := repo.AdjustStock(ctx, "prod-a", 5, time.Now()); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	mv := repositories.StockMovement{ProductID: "prod-a", Quantity: 2, Key: "ord_1:li_1", OrderID: "ord_1"}
	first, err := repo.Reserve(ctx, mv)
	if err != nil || !first.Applied || first.Stock.Available != 3 {
		t.Fatalf("unexpected reserve %+v (%v)", first, err)
	}
	replay, err := repo.Reserve(ctx, mv)
	if err != nil || replay.Applied {
		t.Fatalf("expected replay no-op, got %+v (%v)", replay, err)
	}

	committed, err := repo.Commit(ctx, mv)
	if err != nil || !committed.Applied || committed.Stock.Total != 3 || committed.Stock.Reserved != 0 {
		t.Fatalf("unexpected commit %+v (%v)", committed, err)
	}
	released, err := repo.Release(ctx, mv)
	if err != nil || released.Applied {
		t.Fatalf("expected release after commit to be a no-op, got %+v (%v)", released, err)
	}

	stock, err := repo.GetStock(ctx, "prod-a")
	if err != nil || stock.Total != 3 || stock.Available != 3 || !stock.Consistent() {
		t.Fatalf("unexpected stock %+v (%v)", stock, err)
	}
}

func TestRedisLedgerNeverOversells(t *testing.T) {
	repo := newTestLedger(t)
	ctx := context.Background()
	if _, err := repo.AdjustStock(ctx, "prod-b", 3, time.Now()); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := repo.Reserve(ctx, repositories.StockMovement{
				ProductID: "prod-b",
				Quantity:  1,
				Key:       "ord_" + string(rune('a'+i)) + ":li_1",
			})
			if err != nil {
				if invErr, ok := repositories.AsInventoryError(err); !ok || invErr.Code != repositories.InventoryErrorInsufficientStock {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 3 {
		t.Fatalf("expected exactly 3 reservations, got %d", applied)
	}
	stock, err := repo.GetStock(ctx, "prod-b")
	if err != nil || stock.Available != 0 || stock.Reserved != 3 {
		t.Fatalf("unexpected stock %+v (%v)", stock, err)
	}
}

func TestRedisLedgerRequiresStockForReserve(t *testing.T) {
	repo := newTestLedger(t)
	_, err := repo.Reserve(context.Background(), repositories.StockMovement{ProductID: "missing", Quantity: 1, Key: "k"})
	invErr, ok := repositories.AsInventoryError(err)
	if !ok || invErr.Code != repositories.InventoryErrorStockNotFound {
		t.Fatalf("expected stock not found, got %v", err)
	}
}

func TestRedisLedgerStoresJSONStrings(t *testing.T) {
	repo := newTestLedger(t)
	ctx := context.Background()
	if _, err := repo.AdjustStock(ctx, "prod-c", 4, time.Now()); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	mv := repositories.StockMovement{ProductID: "prod-c", Quantity: 1, Key: "ord_3:li_1", OrderID: "ord_3"}
	if _, err := repo.Reserve(ctx, mv); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	for _, key := range []string{repo.stockKey("prod-c"), repo.reservationKey("prod-c", mv.Key)} {
		kind, err := repo.client.Type(ctx, key).Result()
		if err != nil {
			t.Fatalf("type %s: %v", key, err)
		}
		if kind != "string" {
			t.Fatalf("expected %s to hold a string value, got %s", key, kind)
		}
		raw, err := repo.client.Get(ctx, key).Bytes()
		if err != nil || len(raw) == 0 || raw[0] != '{' {
			t.Fatalf("expected JSON object at %s, got %q (%v)", key, raw, err)
		}
	}
}
