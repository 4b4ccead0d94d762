//go:build integration

package firestore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/platform/firestore/firestoretest"
	"github.com/storefront/orderflow/internal/repositories"
)

func TestRepositoriesIntegration(t *testing.T) {
	provider := firestoretest.NewProvider(t, "orderflow-test")
	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	t.Run("counter is unique under contention", func(t *testing.T) {
		const workers = 12
		results := make([]int64, workers)
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(i int) {
				defer wg.Done()
				value, err := registry.Counters().Next(ctx, "orders:2025", 1)
				if err != nil {
					t.Errorf("next: %v", err)
					return
				}
				results[i] = value
			}(i)
		}
		wg.Wait()
		sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
		for i, value := range results {
			if value != int64(i+1) {
				t.Fatalf("expected contiguous sequence, got %v", results)
			}
		}
	})

	t.Run("order update checks version", func(t *testing.T) {
		now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
		order := domain.Order{
			ID:        "ord_it_1",
			UserID:    "user-1",
			Status:    domain.OrderStatusPending,
			History:   []domain.StatusHistoryEntry{{Status: domain.OrderStatusPending, At: now, Actor: "user:user-1"}},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := registry.Orders().Insert(ctx, order); err != nil {
			t.Fatalf("insert: %v", err)
		}
		next := order
		next.Status = domain.OrderStatusPaid
		next.History = append(order.CloneHistory(), domain.StatusHistoryEntry{Status: domain.OrderStatusPaid, At: now.Add(time.Minute), Actor: "system"})
		next.Version = 2
		if err := registry.Orders().Update(ctx, next, 1); err != nil {
			t.Fatalf("update: %v", err)
		}
		err := registry.Orders().Update(ctx, next, 1)
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict for stale version, got %v", err)
		}
		found, err := registry.Orders().FindByID(ctx, order.ID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if found.Status != domain.OrderStatusPaid || len(found.History) != 2 {
			t.Fatalf("unexpected stored order %+v", found)
		}
	})

	t.Run("inventory reserve is idempotent", func(t *testing.T) {
		inventory := registry.Inventory()
		if _, err := inventory.AdjustStock(ctx, "prod-it", 4, time.Now()); err != nil {
			t.Fatalf("adjust: %v", err)
		}
		mv := repositories.StockMovement{ProductID: "prod-it", Quantity: 3, Key: "ord_it_2:li_1", OrderID: "ord_it_2"}
		first, err := inventory.Reserve(ctx, mv)
		if err != nil || !first.Applied {
			t.Fatalf("expected applied reserve, got %+v (%v)", first, err)
		}
		second, err := inventory.Reserve(ctx, mv)
		if err != nil || second.Applied {
			t.Fatalf("expected no-op replay, got %+v (%v)", second, err)
		}
		_, err = inventory.Reserve(ctx, repositories.StockMovement{ProductID: "prod-it", Quantity: 2, Key: "ord_it_3:li_1", OrderID: "ord_it_3"})
		invErr, ok := repositories.AsInventoryError(err)
		if !ok || invErr.Code != repositories.InventoryErrorInsufficientStock {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
		stock, err := inventory.GetStock(ctx, "prod-it")
		if err != nil || stock.Available != 1 || stock.Reserved != 3 {
			t.Fatalf("unexpected stock %+v (%v)", stock, err)
		}
	})

	t.Run("payment events dedupe and process once", func(t *testing.T) {
		events := registry.PaymentEvents()
		event := domain.PaymentEvent{
			ID:         domain.PaymentEventID("stripe", "evt_1"),
			Provider:   "stripe",
			EventID:    "evt_1",
			Type:       domain.PaymentEventSucceeded,
			ReceivedAt: time.Now().UTC(),
		}
		if err := events.Insert(ctx, event); err != nil {
			t.Fatalf("insert: %v", err)
		}
		err := events.Insert(ctx, event)
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected duplicate insert conflict, got %v", err)
		}
		retried, err := events.IncrementRetries(ctx, event.ID)
		if err != nil || retried.Retries != 1 {
			t.Fatalf("expected one retry, got %+v (%v)", retried, err)
		}
		result := repositories.PaymentEventResult{Outcome: domain.PaymentOutcomeProcessed, OrderID: "ord_x", ProcessedAt: time.Now()}
		if err := events.MarkProcessed(ctx, event.ID, result); err != nil {
			t.Fatalf("mark processed: %v", err)
		}
		if err := events.MarkProcessed(ctx, event.ID, result); err == nil {
			t.Fatal("expected second mark processed to conflict")
		}
	})

	t.Run("jobs are claimed once", func(t *testing.T) {
		jobs := registry.Jobs()
		now := time.Now().UTC()
		job := domain.ScheduledJob{
			ID:          domain.AutoTransitionJobID("ord_it_4", domain.OrderStatusDelivered),
			Kind:        domain.JobKindAutoTransition,
			OrderID:     "ord_it_4",
			Target:      domain.OrderStatusDelivered,
			RunAt:       now.Add(-time.Minute),
			MaxAttempts: 3,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, created, err := jobs.Schedule(ctx, job); err != nil || !created {
			t.Fatalf("schedule: created=%v err=%v", created, err)
		}
		if _, created, err := jobs.Schedule(ctx, job); err != nil || created {
			t.Fatalf("expected duplicate schedule to be ignored: created=%v err=%v", created, err)
		}
		claimed, err := jobs.ClaimDue(ctx, now, time.Minute, 10)
		if err != nil || len(claimed) != 1 || claimed[0].Attempts != 1 {
			t.Fatalf("unexpected claim %+v (%v)", claimed, err)
		}
		again, err := jobs.ClaimDue(ctx, now, time.Minute, 10)
		if err != nil || len(again) != 0 {
			t.Fatalf("expected leased job to stay claimed, got %+v (%v)", again, err)
		}
		if err := jobs.Complete(ctx, job.ID, domain.JobStateDone, "", now); err != nil {
			t.Fatalf("complete: %v", err)
		}
		stored, err := jobs.FindByID(ctx, job.ID)
		if err != nil || stored.State != domain.JobStateDone || stored.LeaseUntil != nil {
			t.Fatalf("unexpected stored job %+v (%v)", stored, err)
		}
	})
}
