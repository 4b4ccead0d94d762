package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/payments"
	"github.com/storefront/orderflow/internal/repositories"
	"github.com/storefront/orderflow/internal/repositories/memory"
)

const testProvider = "acme"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu            sync.Mutex
	events        []OrderEvent
	notifications []OrderNotification
	cartClears    []CartClearCommand
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) PublishNotification(_ context.Context, notification OrderNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, notification)
	return nil
}

func (p *recordingPublisher) PublishCartClear(_ context.Context, cmd CartClearCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cartClears = append(p.cartClears, cmd)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type+":"+string(e.CurrentStatus))
	}
	return out
}

type harnessConfig struct {
	wrapOrders func(repositories.OrderRepository) repositories.OrderRepository
	policy     LifecyclePolicy
}

type harness struct {
	t          *testing.T
	clock      *testClock
	repos      *memory.Registry
	signer     *payments.SignedJSONProvider
	manager    *payments.Manager
	publisher  *recordingPublisher
	inventory  InventoryService
	lifecycle  OrderLifecycleService
	approvals  ApprovalService
	reconciler PaymentReconciler
	checkout   CheckoutService
	runner     ScheduledJobRunner
	queries    OrderQueryService
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		t:         t,
		clock:     newTestClock(),
		repos:     memory.NewRegistry(),
		publisher: &recordingPublisher{},
	}
	signer, err := payments.NewSignedJSONProvider(payments.SignedJSONConfig{Name: testProvider, Secret: "whsec_test", Clock: h.clock.Now})
	if err != nil {
		t.Fatalf("signed provider: %v", err)
	}
	h.signer = signer
	h.manager, err = payments.NewManager(map[string]payments.Provider{testProvider: signer}, payments.WithDefaultProvider(testProvider))
	if err != nil {
		t.Fatalf("payments manager: %v", err)
	}

	orders := h.repos.Orders()
	if cfg.wrapOrders != nil {
		orders = cfg.wrapOrders(orders)
	}

	h.inventory, err = NewInventoryService(InventoryServiceDeps{Inventory: h.repos.Inventory(), Clock: h.clock.Now})
	if err != nil {
		t.Fatalf("inventory service: %v", err)
	}
	h.lifecycle, err = NewOrderLifecycleService(OrderLifecycleServiceDeps{
		Orders:    orders,
		Approvals: h.repos.Approvals(),
		Jobs:      h.repos.Jobs(),
		Inventory: h.inventory,
		Events:    h.publisher,
		Policy:    cfg.policy,
		Backoff:   gax.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("lifecycle service: %v", err)
	}
	h.approvals, err = NewApprovalService(ApprovalServiceDeps{
		Approvals: h.repos.Approvals(),
		Jobs:      h.repos.Jobs(),
		Lifecycle: h.lifecycle,
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("approval service: %v", err)
	}
	h.reconciler, err = NewPaymentReconciler(PaymentReconcilerDeps{
		Events:    h.repos.PaymentEvents(),
		Lifecycle: h.lifecycle,
		Payments:  h.manager,
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	h.checkout, err = NewCheckoutService(CheckoutServiceDeps{
		Orders:    orders,
		Counters:  h.repos.Counters(),
		Lifecycle: h.lifecycle,
		Payments:  h.manager,
		Events:    h.publisher,
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("checkout service: %v", err)
	}
	h.runner, err = NewScheduledJobRunner(ScheduledJobRunnerDeps{
		Jobs:       h.repos.Jobs(),
		Lifecycle:  h.lifecycle,
		Approvals:  h.approvals,
		Payments:   h.manager,
		RetryDelay: time.Minute,
		Clock:      h.clock.Now,
	})
	if err != nil {
		t.Fatalf("job runner: %v", err)
	}
	h.queries, err = NewOrderQueryService(OrderQueryServiceDeps{Orders: orders})
	if err != nil {
		t.Fatalf("query service: %v", err)
	}
	return h
}

func (h *harness) stock(productID string, units int) {
	h.t.Helper()
	if _, err := h.repos.Inventory().AdjustStock(context.Background(), productID, units, h.clock.Now()); err != nil {
		h.t.Fatalf("seed stock %s: %v", productID, err)
	}
}

func (h *harness) available(productID string) domain.InventoryRecord {
	h.t.Helper()
	rec, err := h.inventory.GetStock(context.Background(), productID)
	if err != nil {
		h.t.Fatalf("get stock %s: %v", productID, err)
	}
	return rec
}

func (h *harness) placeOrder(userID, key string, items ...CheckoutItem) Order {
	h.t.Helper()
	result, err := h.checkout.CreateOrder(context.Background(), validCheckout(userID, key, items...))
	if err != nil {
		h.t.Fatalf("create order: %v", err)
	}
	return result.Order
}

func (h *harness) order(orderID string) Order {
	h.t.Helper()
	order, err := h.queries.Get(context.Background(), orderID)
	if err != nil {
		h.t.Fatalf("load order %s: %v", orderID, err)
	}
	return order
}

// webhook builds a signed provider payload for order's current payment.
func (h *harness) webhook(eventID string, typ domain.PaymentEventType, order Order) ([]byte, string) {
	h.t.Helper()
	body := map[string]any{
		"id":       eventID,
		"type":     string(typ),
		"order_id": order.ID,
		"amount":   order.Totals.Total,
		"currency": order.Currency,
	}
	if order.Payment != nil {
		body["transaction_id"] = order.Payment.TransactionID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		h.t.Fatalf("marshal webhook: %v", err)
	}
	return payload, h.signer.Sign(payload)
}

func (h *harness) deliver(eventID string, typ domain.PaymentEventType, order Order) ReconcileResult {
	h.t.Helper()
	payload, sig := h.webhook(eventID, typ, order)
	result, err := h.reconciler.HandleEvent(context.Background(), testProvider, payload, sig)
	if err != nil {
		h.t.Fatalf("handle %s: %v", eventID, err)
	}
	return result
}

func (h *harness) markPaid(order Order) Order {
	h.t.Helper()
	h.deliver("evt_paid_"+order.ID, domain.PaymentEventSucceeded, order)
	paid := h.order(order.ID)
	if paid.Status != domain.OrderStatusPaid {
		h.t.Fatalf("expected paid order, got %s", paid.Status)
	}
	return paid
}

func validCheckout(userID, key string, items ...CheckoutItem) CreateOrderCommand {
	if len(items) == 0 {
		items = []CheckoutItem{{ProductID: "prod_mug", Name: "Mug", Quantity: 1, UnitPrice: 1500}}
	}
	return CreateOrderCommand{
		UserID: userID,
		Items:  items,
		ShippingAddress: Address{
			Recipient:  "Ada Lovelace",
			Line1:      "1 Analytical Way",
			City:       "London",
			PostalCode: "N1 9GU",
			Country:    "GB",
		},
		Shipping:       500,
		Tax:            200,
		Currency:       "gbp",
		Contact:        Contact{Email: "ada@example.com", Locale: "en_GB"},
		IdempotencyKey: key,
	}
}

func staffActor(id string, roles ...string) Actor {
	return Actor{ID: id, Kind: domain.ActorStaff, Roles: roles}
}
