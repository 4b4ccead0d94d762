package memory

import (
	"context"
	"testing"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

func TestOrderRepositoryUpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:      "ord_1",
		UserID:  "user-1",
		Status:  domain.OrderStatusPending,
		History: []domain.StatusHistoryEntry{{Status: domain.OrderStatusPending, At: now, Actor: "user:user-1"}},
		Version: 1,
	}
	if err := repo.Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	next := order
	next.Status = domain.OrderStatusPaid
	next.History = append(order.CloneHistory(), domain.StatusHistoryEntry{Status: domain.OrderStatusPaid, At: now.Add(time.Minute)})
	next.Version = 2
	if err := repo.Update(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale := next
	stale.Version = 3
	err := repo.Update(ctx, stale, 1)
	repoErr, ok := err.(repositories.RepositoryError)
	if !ok || !repoErr.IsConflict() {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}
}

func TestOrderRepositoryRejectsHistoryRewrite(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:     "ord_2",
		Status: domain.OrderStatusPaid,
		History: []domain.StatusHistoryEntry{
			{Status: domain.OrderStatusPending, At: now},
			{Status: domain.OrderStatusPaid, At: now.Add(time.Minute)},
		},
		Version: 2,
	}
	if err := repo.Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rewritten := order
	rewritten.History = []domain.StatusHistoryEntry{{Status: domain.OrderStatusPaid, At: now}}
	rewritten.Version = 3
	err := repo.Update(ctx, rewritten, 2)
	if !repositories.IsInvalidState(err) {
		t.Fatalf("expected invalid state for history rewrite, got %v", err)
	}
	if repoErr, ok := err.(repositories.RepositoryError); !ok || repoErr.IsConflict() {
		t.Fatalf("history rewrite must not be reported as a version conflict, got %v", err)
	}

	found, err := repo.FindByID(ctx, "ord_2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	found.History[0].Reason = "mutated"
	again, _ := repo.FindByID(ctx, "ord_2")
	if again.History[0].Reason != "" {
		t.Fatalf("expected stored history to be isolated from callers")
	}
}

func TestOrderRepositoryListByUserPaginates(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"ord_a", "ord_b", "ord_c"} {
		if err := repo.Insert(ctx, domain.Order{ID: id, UserID: "user-1", CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := repo.Insert(ctx, domain.Order{ID: "ord_other", UserID: "user-2", CreatedAt: base}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	page, err := repo.ListByUser(ctx, repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ord_c" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = repo.ListByUser(ctx, repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "ord_a" || page.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
}
