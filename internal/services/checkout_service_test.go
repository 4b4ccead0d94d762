package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
)

func TestCheckoutCreateOrder(t *testing.T) {
	h := newHarness(t)
	cmd := validCheckout("u1", "key-1",
		CheckoutItem{ProductID: "prod_mug", Name: "<i>Mug</i>", Quantity: 2, UnitPrice: 1500},
		CheckoutItem{ProductID: "prod_tee", Name: "Tee", Quantity: 1, UnitPrice: 2500},
	)

	result, err := h.checkout.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	order := result.Order
	if order.Status != domain.OrderStatusPending || order.Version != 1 || !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.OrderNumber != "SF-2026-000001" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	want := OrderTotals{Subtotal: 5500, Shipping: 500, Tax: 200, Total: 6200}
	if order.Totals != want {
		t.Fatalf("expected totals %+v, got %+v", want, order.Totals)
	}
	if order.Currency != "GBP" || order.Contact.Locale != "en-GB" {
		t.Fatalf("expected normalised currency and locale, got %s %s", order.Currency, order.Contact.Locale)
	}
	if order.Items[0].Name != "Mug" || order.Items[1].ID == order.Items[0].ID {
		t.Fatalf("unexpected line items %+v", order.Items)
	}
	if order.Payment == nil || order.Payment.Provider != testProvider || order.Payment.TransactionID != result.PaymentIntent.ID {
		t.Fatalf("expected payment reference to match intent, got %+v / %+v", order.Payment, result.PaymentIntent)
	}
	if result.PaymentIntent.ClientSecret == "" {
		t.Fatal("expected a client secret")
	}
	if len(order.History) != 1 || order.History[0].Actor != "user:u1" {
		t.Fatalf("unexpected history %+v", order.History)
	}
	if events := h.publisher.eventTypes(); len(events) != 1 || events[0] != "order.created:pending" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestCheckoutReplaysSameIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	first := h.placeOrder("u1", "key-1")
	h.clock.Advance(time.Second)
	second := h.placeOrder("u1", "key-1")
	if second.ID != first.ID || second.OrderNumber != first.OrderNumber {
		t.Fatalf("expected replay to return %s, got %s", first.ID, second.ID)
	}
	if second.Payment.TransactionID != first.Payment.TransactionID {
		t.Fatalf("expected the same payment intent, got %s", second.Payment.TransactionID)
	}

	other := h.placeOrder("u2", "key-1")
	if other.ID == first.ID {
		t.Fatal("idempotency keys must be scoped to the user")
	}
	page, err := h.queries.ListByUser(context.Background(), OrderListFilter{UserID: "u1"})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("expected one order for u1, got %+v (%v)", page.Items, err)
	}
}

func TestCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(*CreateOrderCommand){
		"missing user":      func(c *CreateOrderCommand) { c.UserID = " " },
		"no items":          func(c *CreateOrderCommand) { c.Items = nil },
		"zero quantity":     func(c *CreateOrderCommand) { c.Items[0].Quantity = 0 },
		"free item":         func(c *CreateOrderCommand) { c.Items[0].UnitPrice = 0 },
		"missing product":   func(c *CreateOrderCommand) { c.Items[0].ProductID = "" },
		"bad currency":      func(c *CreateOrderCommand) { c.Currency = "pounds" },
		"negative shipping": func(c *CreateOrderCommand) { c.Shipping = -1 },
		"missing city":      func(c *CreateOrderCommand) { c.ShippingAddress.City = "" },
		"bad country":       func(c *CreateOrderCommand) { c.ShippingAddress.Country = "GBR" },
		"bad email":         func(c *CreateOrderCommand) { c.Contact.Email = "ada" },
		"unknown provider":  func(c *CreateOrderCommand) { c.Provider = "paypal" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := validCheckout("u1", "key-"+name)
			mutate(&cmd)
			_, err := h.checkout.CreateOrder(context.Background(), cmd)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}

// Scenario C: a customer cancels inside the grace window.
func TestCheckoutCancelWithinGraceWindow(t *testing.T) {
	h := newHarness(t)
	h.stock("prod_mug", 5)
	order := h.placeOrder("u1", "key-1")

	h.clock.Advance(10 * time.Minute)
	cancelled, err := h.checkout.CancelByUser(context.Background(), UserOrderCommand{OrderID: order.ID, UserID: "u1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if rec := h.available("prod_mug"); rec.Available != 5 || rec.Reserved != 0 {
		t.Fatalf("stock must be untouched, got %+v", rec)
	}
}

func TestCheckoutCancelAfterGraceWindow(t *testing.T) {
	h := newHarness(t)
	order := h.placeOrder("u1", "key-1")

	h.clock.Advance(31 * time.Minute)
	_, err := h.checkout.CancelByUser(context.Background(), UserOrderCommand{OrderID: order.ID, UserID: "u1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := h.order(order.ID); got.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", got.Status)
	}
}

func TestCheckoutOtherUsersOrdersAreForbidden(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.placeOrder("u1", "key-1")

	if _, err := h.checkout.CancelByUser(ctx, UserOrderCommand{OrderID: order.ID, UserID: "u2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := h.queries.GetForUser(ctx, order.ID, "u2"); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden from query, got %v", err)
	}
	if _, err := h.checkout.CancelByUser(ctx, UserOrderCommand{OrderID: "ord_missing", UserID: "u1"}); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestCheckoutRetryPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.placeOrder("u1", "key-1")

	if _, err := h.checkout.RetryPayment(ctx, UserOrderCommand{OrderID: order.ID, UserID: "u1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected retry on a pending order to be refused, got %v", err)
	}

	h.deliver("evt_failed", domain.PaymentEventFailed, order)
	failed := h.order(order.ID)
	if failed.Status != domain.OrderStatusFailed || failed.FailedAt == nil {
		t.Fatalf("expected failed order, got %+v", failed)
	}

	result, err := h.checkout.RetryPayment(ctx, UserOrderCommand{OrderID: order.ID, UserID: "u1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	retried := result.Order
	if retried.Status != domain.OrderStatusPending || retried.FailedAt != nil || retried.FailureReason != nil {
		t.Fatalf("expected a clean pending order, got %+v", retried)
	}
	if retried.Payment == nil || retried.Payment.TransactionID == order.Payment.TransactionID || retried.Payment.TransactionID != result.PaymentIntent.ID {
		t.Fatalf("expected the new intent on the order, got %+v", retried.Payment)
	}

	// The stale intent's success no longer matches the order's payment.
	h.stock("prod_mug", 5)
	stale := h.deliver("evt_stale", domain.PaymentEventSucceeded, order)
	if stale.Outcome != domain.PaymentOutcomeIgnored {
		t.Fatalf("expected stale success to be ignored, got %+v", stale)
	}
	h.markPaid(retried)
}

func TestCheckoutConfirmDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stock("prod_mug", 5)
	order := h.markPaid(h.placeOrder("u1", "key-1"))

	if _, err := h.checkout.ConfirmDelivery(ctx, UserOrderCommand{OrderID: order.ID, UserID: "u1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected confirm on an unshipped order to fail, got %v", err)
	}

	staff := staffActor("s1", "staff")
	if _, err := h.lifecycle.RequestTransition(ctx, TransitionCommand{OrderID: order.ID, Target: domain.OrderStatusProcessing, Actor: staff}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if _, err := h.lifecycle.RequestTransition(ctx, TransitionCommand{OrderID: order.ID, Target: domain.OrderStatusShipped, Actor: staff, Evidence: TransitionEvidence{TrackingRef: "T1"}}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	h.clock.Advance(time.Hour)
	delivered, err := h.checkout.ConfirmDelivery(ctx, UserOrderCommand{OrderID: order.ID, UserID: "u1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered || delivered.DeliveredAt == nil {
		t.Fatalf("unexpected delivered order %+v", delivered)
	}
	history, err := h.queries.History(ctx, order.ID, "u1")
	if err != nil || len(history) != 5 {
		t.Fatalf("expected five history entries, got %d (%v)", len(history), err)
	}
}
