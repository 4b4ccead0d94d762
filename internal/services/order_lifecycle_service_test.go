package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

type flakyOrders struct {
	repositories.OrderRepository
	mu         sync.Mutex
	conflicts  int
	rejections int
	updates    int
}

func (f *flakyOrders) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	f.mu.Lock()
	f.updates++
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return repositories.NewConflictError("test.orders.update", "injected version conflict")
	}
	if f.rejections > 0 {
		f.rejections--
		f.mu.Unlock()
		return repositories.NewInvalidStateError("test.orders.update", "status history entry 0 was modified")
	}
	f.mu.Unlock()
	return f.OrderRepository.Update(ctx, order, expectedVersion)
}

func (f *flakyOrders) setConflicts(n int) {
	f.mu.Lock()
	f.conflicts = n
	f.mu.Unlock()
}

func withFlakyOrders(flaky *flakyOrders) func(*harnessConfig) {
	return func(cfg *harnessConfig) {
		cfg.wrapOrders = func(inner repositories.OrderRepository) repositories.OrderRepository {
			flaky.OrderRepository = inner
			return flaky
		}
	}
}

func TestLifecycleHappyPathToDelivered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stock("prod_mug", 5)

	order := h.placeOrder("u1", "key-1", CheckoutItem{ProductID: "prod_mug", Name: "Mug", Quantity: 2, UnitPrice: 1500})
	paid := h.markPaid(order)
	if rec := h.available("prod_mug"); rec.Available != 3 || rec.Reserved != 2 {
		t.Fatalf("expected 3 available and 2 reserved, got %+v", rec)
	}
	if paid.PaidAt == nil || paid.Payment == nil || paid.Payment.TransactionID != order.Payment.TransactionID {
		t.Fatalf("expected paid timestamp and payment reference, got %+v", paid)
	}

	staff := staffActor("s1", "staff")
	if _, err := h.lifecycle.RequestTransition(ctx, TransitionCommand{OrderID: order.ID, Target: domain.OrderStatusProcessing, Actor: staff}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	h.clock.Advance(time.Hour)
	shipped, err := h.lifecycle.RequestTransition(ctx, TransitionCommand{
		OrderID:  order.ID,
		Target:   domain.OrderStatusShipped,
		Actor:    staff,
		Evidence: TransitionEvidence{TrackingRef: " 1Z999AA1 "},
	})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.Order.TrackingRef == nil || *shipped.Order.TrackingRef != "1Z999AA1" {
		t.Fatalf("expected trimmed tracking ref, got %v", shipped.Order.TrackingRef)
	}
	if rec := h.available("prod_mug"); rec.Total != 3 || rec.Reserved != 0 || rec.Available != 3 {
		t.Fatalf("expected committed stock, got %+v", rec)
	}

	job, err := h.repos.Jobs().FindByID(ctx, domain.AutoTransitionJobID(order.ID, domain.OrderStatusDelivered))
	if err != nil {
		t.Fatalf("expected auto delivery job: %v", err)
	}
	if !job.RunAt.Equal(shipped.Order.ShippedAt.Add(DefaultLifecyclePolicy().AutoDeliverAfter)) {
		t.Fatalf("unexpected auto delivery time %s", job.RunAt)
	}

	h.clock.Advance(15 * 24 * time.Hour)
	summary, err := h.runner.RunDue(ctx, 10)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("expected one completed job, got %+v", summary)
	}

	delivered := h.order(order.ID)
	if delivered.Status != domain.OrderStatusDelivered || delivered.DeliveredAt == nil {
		t.Fatalf("expected delivered order, got %s", delivered.Status)
	}
	if !delivered.HistoryConsistent() {
		t.Fatalf("history is inconsistent: %+v", delivered.History)
	}
	var statuses []OrderStatus
	for _, entry := range delivered.History {
		statuses = append(statuses, entry.Status)
	}
	want := []OrderStatus{domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered}
	if !slices.Equal(statuses, want) {
		t.Fatalf("unexpected history %v", statuses)
	}
	if last, _ := delivered.LastHistory(); last.Actor != "system:scheduler" {
		t.Fatalf("expected scheduler actor, got %s", last.Actor)
	}

	events := h.publisher.eventTypes()
	wantEvents := []string{
		"order.created:pending",
		"order.status.changed:paid",
		"order.status.changed:processing",
		"order.status.changed:shipped",
		"order.status.changed:delivered",
	}
	if !slices.Equal(events, wantEvents) {
		t.Fatalf("unexpected events %v", events)
	}
	if len(h.publisher.cartClears) != 1 || h.publisher.cartClears[0].UserID != "u1" {
		t.Fatalf("expected one cart clear command, got %+v", h.publisher.cartClears)
	}
}

func TestLifecycleSameStatusIsUnchanged(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder("u1", "key-1")

	result, err := h.lifecycle.RequestTransition(context.Background(), TransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusPending,
		Actor:   staffActor("s1"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeUnchanged || result.Order.Version != order.Version {
		t.Fatalf("expected unchanged order, got %+v", result)
	}
}

func TestLifecycleDeniedTransitionLeavesOrderUntouched(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder("u1", "key-1")

	_, err := h.lifecycle.RequestTransition(context.Background(), TransitionCommand{
		OrderID:  order.ID,
		Target:   domain.OrderStatusShipped,
		Actor:    staffActor("s1"),
		Evidence: TransitionEvidence{TrackingRef: "1Z"},
	})
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if transitionErr.From != domain.OrderStatusPending || !strings.Contains(transitionErr.Reason, "not allowed") {
		t.Fatalf("unexpected transition error %+v", transitionErr)
	}
	if got := h.order(order.ID); got.Version != order.Version || len(got.History) != 1 {
		t.Fatalf("order changed after denied transition: %+v", got)
	}
}

func TestLifecycleUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.lifecycle.RequestTransition(context.Background(), TransitionCommand{
		OrderID: "ord_missing",
		Target:  domain.OrderStatusPaid,
		Actor:   staffActor("s1"),
	})
	if !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestLifecycleRetriesAfterVersionConflict(t *testing.T) {
	flaky := &flakyOrders{}
	h := newHarness(t, withFlakyOrders(flaky))
	h.stock("prod_mug", 5)
	order := h.placeOrder("u1", "key-1", CheckoutItem{ProductID: "prod_mug", Quantity: 2, UnitPrice: 1000})

	flaky.setConflicts(2)
	paid := h.markPaid(order)
	if paid.Version != order.Version+1 {
		t.Fatalf("expected a single version bump, got %d", paid.Version)
	}
	if rec := h.available("prod_mug"); rec.Available != 3 || rec.Reserved != 2 {
		t.Fatalf("expected exactly one reservation after retries, got %+v", rec)
	}
	if flaky.updates != 3 {
		t.Fatalf("expected three update attempts, got %d", flaky.updates)
	}
}

func TestLifecycleGivesUpAfterRepeatedConflicts(t *testing.T) {
	flaky := &flakyOrders{}
	h := newHarness(t, withFlakyOrders(flaky), func(cfg *harnessConfig) {
		cfg.policy = LifecyclePolicy{MaxConcurrencyRetries: 2}
	})
	h.stock("prod_mug", 5)
	order := h.placeOrder("u1", "key-1", CheckoutItem{ProductID: "prod_mug", Quantity: 2, UnitPrice: 1000})

	flaky.setConflicts(100)
	_, err := h.lifecycle.RequestTransition(context.Background(), TransitionCommand{
		OrderID:  order.ID,
		Target:   domain.OrderStatusPaid,
		Actor:    Actor{ID: testProvider, Kind: domain.ActorProvider},
		Evidence: TransitionEvidence{PaymentConfirmed: true, Payment: order.Payment},
	})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if rec := h.available("prod_mug"); rec.Available != 5 || rec.Reserved != 0 {
		t.Fatalf("expected reservation to be compensated, got %+v", rec)
	}
	if got := h.order(order.ID); got.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", got.Status)
	}
}

func TestLifecycleHistoryRejectionIsNotRetried(t *testing.T) {
	flaky := &flakyOrders{rejections: 1}
	h := newHarness(t, withFlakyOrders(flaky))
	h.stock("prod_mug", 5)
	order := h.placeOrder("u1", "key-1", CheckoutItem{ProductID: "prod_mug", Quantity: 2, UnitPrice: 1000})

	_, err := h.lifecycle.RequestTransition(context.Background(), TransitionCommand{
		OrderID:  order.ID,
		Target:   domain.OrderStatusPaid,
		Actor:    Actor{ID: testProvider, Kind: domain.ActorProvider},
		Evidence: TransitionEvidence{PaymentConfirmed: true, Payment: order.Payment},
	})
	if !errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if flaky.updates != 1 {
		t.Fatalf("expected a single update attempt, got %d", flaky.updates)
	}
	if rec := h.available("prod_mug"); rec.Available != 5 || rec.Reserved != 0 {
		t.Fatalf("expected reservation to be compensated, got %+v", rec)
	}
}

func TestLifecyclePaymentReferenceMustMatch(t *testing.T) {
	h := newHarness(t)
	h.stock("prod_mug", 5)
	order := h.placeOrder("u1", "key-1")

	_, err := h.lifecycle.RequestTransition(context.Background(), TransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusPaid,
		Actor:   Actor{ID: testProvider, Kind: domain.ActorProvider},
		Evidence: TransitionEvidence{
			PaymentConfirmed: true,
			Payment:          &PaymentReference{Provider: testProvider, TransactionID: "pi_someone_else"},
		},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected mismatched payment to be rejected, got %v", err)
	}
}

func TestLifecycleFlagForReview(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder("u1", "key-1")

	flagged, err := h.lifecycle.FlagForReview(context.Background(), FlagForReviewCommand{
		OrderID: order.ID,
		Actor:   Actor{ID: testProvider, Kind: domain.ActorProvider},
		Reason:  "payment <b>disputed</b>",
	})
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if !flagged.Flags.ManualReview || flagged.Flags.ReviewReason != "payment disputed" {
		t.Fatalf("unexpected flags %+v", flagged.Flags)
	}
	stored := h.order(order.ID)
	if stored.Status != order.Status || len(stored.History) != len(order.History) || stored.Version != order.Version+1 {
		t.Fatalf("flagging must not change status or history: %+v", stored)
	}
}
