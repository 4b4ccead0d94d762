package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/payments"
	"github.com/storefront/orderflow/internal/platform/textutil"
	"github.com/storefront/orderflow/internal/repositories"
)

const (
	orderIDPrefix        = "ord_"
	orderNumberFormat    = "SF-%04d-%06d"
	maxCheckoutItems     = 100
	OrderEventCreated    = "order.created"
	defaultCancelReason  = "cancelled by customer"
	defaultConfirmReason = "delivery confirmed by customer"
	defaultRetryReason   = "payment retry requested by customer"
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	Lifecycle   OrderLifecycleService
	Payments    PaymentGateway
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders    repositories.OrderRepository
	counters  repositories.CounterRepository
	lifecycle OrderLifecycleService
	payments  PaymentGateway
	events    OrderEventPublisher
	now       func() time.Time
	newID     func() string
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("checkout service: lifecycle service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:    deps.Orders,
		counters:  deps.Counters,
		lifecycle: deps.Lifecycle,
		payments:  deps.Payments,
		events:    deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateOrder opens the provider intent first and only then persists the Pending order, so a
// provider outage never leaves an order without a payment reference.
func (s *checkoutService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CheckoutResult, error) {
	order, err := s.draftOrder(cmd)
	if err != nil {
		return CheckoutResult{}, err
	}
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = order.ID
	}

	seq, err := s.counters.Next(ctx, "orders:"+strconv.Itoa(order.CreatedAt.Year()), 1)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("checkout: allocate order number: %w", err)
	}
	order.OrderNumber = fmt.Sprintf(orderNumberFormat, order.CreatedAt.Year(), seq)

	intent, err := s.payments.CreatePaymentIntent(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          order.Currency,
	}, payments.IntentRequest{
		OrderID:        order.ID,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		CustomerEmail:  order.Contact.Email,
		IdempotencyKey: "checkout_" + key,
		Metadata: map[string]string{
			"user_id":      order.UserID,
			"order_number": order.OrderNumber,
		},
	})
	if err != nil {
		return CheckoutResult{}, s.translatePaymentError(ctx, "checkout.payment_intent.failed", order, err)
	}
	order.Payment = &PaymentReference{Provider: intent.Provider, TransactionID: intent.ID}

	if err := s.orders.Insert(ctx, order); err != nil {
		if isConflict(err) {
			if existing, findErr := s.orders.FindByID(ctx, order.ID); findErr == nil && existing.UserID == order.UserID {
				return CheckoutResult{Order: existing, PaymentIntent: toPaymentIntent(intent)}, nil
			}
		}
		s.cancelIntent(ctx, order, intent.Provider, intent.ID)
		return CheckoutResult{}, mapOrderRepositoryError(err)
	}

	s.logger(ctx, "checkout.order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"userId":      order.UserID,
		"total":       order.Totals.Total,
		"currency":    order.Currency,
		"provider":    intent.Provider,
	})
	if s.events != nil {
		if err := s.events.PublishOrderEvent(ctx, OrderEvent{
			Type:          OrderEventCreated,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			UserID:        order.UserID,
			CurrentStatus: order.Status,
			ActorID:       userActor(order.UserID).String(),
			Version:       order.Version,
			OccurredAt:    order.CreatedAt,
		}); err != nil {
			s.logger(ctx, "order.event.publish.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}
	return CheckoutResult{Order: order, PaymentIntent: toPaymentIntent(intent)}, nil
}

func (s *checkoutService) CancelByUser(ctx context.Context, cmd UserOrderCommand) (Order, error) {
	order, err := s.ownedOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return Order{}, err
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	result, err := s.lifecycle.RequestTransition(ctx, TransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusCancelled,
		Actor:   userActor(order.UserID),
		Reason:  reason,
	})
	if err != nil {
		return Order{}, err
	}
	if result.Outcome == OutcomeApplied && order.Status == domain.OrderStatusPending && order.Payment != nil {
		s.cancelIntent(ctx, result.Order, order.Payment.Provider, order.Payment.TransactionID)
	}
	return result.Order, nil
}

func (s *checkoutService) ConfirmDelivery(ctx context.Context, cmd UserOrderCommand) (Order, error) {
	order, err := s.ownedOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return Order{}, err
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = defaultConfirmReason
	}
	result, err := s.lifecycle.RequestTransition(ctx, TransitionCommand{
		OrderID:  order.ID,
		Target:   domain.OrderStatusDelivered,
		Actor:    userActor(order.UserID),
		Reason:   reason,
		Evidence: TransitionEvidence{DeliveryConfirmed: true},
	})
	if err != nil {
		return Order{}, err
	}
	return result.Order, nil
}

// RetryPayment opens a fresh intent for a failed order and moves it back to Pending.
func (s *checkoutService) RetryPayment(ctx context.Context, cmd UserOrderCommand) (CheckoutResult, error) {
	order, err := s.ownedOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if order.Status != domain.OrderStatusFailed {
		return CheckoutResult{}, &TransitionError{
			From:   order.Status,
			To:     domain.OrderStatusPending,
			Reason: fmt.Sprintf("payment can only be retried for failed orders, order is %s", order.Status),
		}
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = order.ID + "_v" + strconv.FormatInt(order.Version, 10)
	}
	preferred := ""
	if order.Payment != nil {
		preferred = order.Payment.Provider
	}
	intent, err := s.payments.CreatePaymentIntent(ctx, payments.PaymentContext{
		PreferredProvider: preferred,
		Currency:          order.Currency,
	}, payments.IntentRequest{
		OrderID:        order.ID,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		CustomerEmail:  order.Contact.Email,
		IdempotencyKey: "retry_" + key,
		Metadata: map[string]string{
			"user_id":      order.UserID,
			"order_number": order.OrderNumber,
		},
	})
	if err != nil {
		return CheckoutResult{}, s.translatePaymentError(ctx, "checkout.payment_retry.failed", order, err)
	}

	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = defaultRetryReason
	}
	result, err := s.lifecycle.RequestTransition(ctx, TransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusPending,
		Actor:   userActor(order.UserID),
		Reason:  reason,
		Evidence: TransitionEvidence{
			RetryAuthorized: true,
			Payment:         &PaymentReference{Provider: intent.Provider, TransactionID: intent.ID},
		},
	})
	if err != nil {
		s.cancelIntent(ctx, order, intent.Provider, intent.ID)
		return CheckoutResult{}, err
	}
	return CheckoutResult{Order: result.Order, PaymentIntent: toPaymentIntent(intent)}, nil
}

// draftOrder validates the request and builds the Pending order without touching storage.
func (s *checkoutService) draftOrder(cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, invalidInput("user id is required")
	}
	if len(cmd.Items) == 0 {
		return Order{}, invalidInput("at least one item is required")
	}
	if len(cmd.Items) > maxCheckoutItems {
		return Order{}, invalidInput(fmt.Sprintf("at most %d items are allowed", maxCheckoutItems))
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if len(currency) != 3 {
		return Order{}, invalidInput("currency must be a three-letter ISO 4217 code")
	}
	if cmd.Shipping < 0 || cmd.Tax < 0 {
		return Order{}, invalidInput("shipping and tax must not be negative")
	}
	if err := validateAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}
	email := strings.TrimSpace(cmd.Contact.Email)
	if email == "" || !strings.Contains(email, "@") {
		return Order{}, invalidInput("a contact email is required")
	}
	locale, err := textutil.CanonicalLocale(cmd.Contact.Locale)
	if err != nil {
		return Order{}, invalidInput("contact locale is not a valid language tag")
	}

	now := s.now()
	orderID := s.orderID(userID, cmd.IdempotencyKey)
	items := make([]OrderLineItem, 0, len(cmd.Items))
	var subtotal int64
	for i, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return Order{}, invalidInput(fmt.Sprintf("item %d: product id is required", i))
		}
		if item.Quantity <= 0 {
			return Order{}, invalidInput(fmt.Sprintf("item %d: quantity must be positive", i))
		}
		if item.UnitPrice <= 0 {
			return Order{}, invalidInput(fmt.Sprintf("item %d: unit price must be positive", i))
		}
		line := OrderLineItem{
			ID:        domain.LineItemID(i),
			ProductID: productID,
			Name:      textutil.SanitizeNote(item.Name, 200),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
		subtotal += line.LineTotal()
		items = append(items, line)
	}

	totals := OrderTotals{
		Subtotal: subtotal,
		Shipping: cmd.Shipping,
		Tax:      cmd.Tax,
		Total:    subtotal + cmd.Shipping + cmd.Tax,
	}
	actor := userActor(userID)
	return Order{
		ID:              orderID,
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		Currency:        currency,
		Totals:          totals,
		Items:           items,
		ShippingAddress: cmd.ShippingAddress,
		Contact:         Contact{Email: email, Locale: locale},
		History: []StatusHistoryEntry{{
			Status: domain.OrderStatusPending,
			At:     now,
			Reason: "order placed",
			Actor:  actor.String(),
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// orderID derives a stable id from the idempotency key so a retried checkout maps to the same order.
func (s *checkoutService) orderID(userID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return orderIDPrefix + s.newID()
	}
	sum := sha256.Sum256([]byte(userID + "|" + key))
	return orderIDPrefix + strings.ToUpper(hex.EncodeToString(sum[:13]))
}

func (s *checkoutService) ownedOrder(ctx context.Context, orderID, userID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	userID = strings.TrimSpace(userID)
	if orderID == "" || userID == "" {
		return Order{}, invalidInput("order id and user id are required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, orderID)
	}
	return order, nil
}

func (s *checkoutService) cancelIntent(ctx context.Context, order Order, provider, intentID string) {
	if strings.TrimSpace(intentID) == "" {
		return
	}
	if err := s.payments.CancelPaymentIntent(context.WithoutCancel(ctx), provider, intentID, "cancel_"+intentID); err != nil {
		s.logger(ctx, "checkout.payment_intent.cancel.failed", map[string]any{
			"orderId":  order.ID,
			"provider": provider,
			"intentId": intentID,
			"error":    err.Error(),
		})
	}
}

func (s *checkoutService) translatePaymentError(ctx context.Context, event string, order Order, err error) error {
	if errors.Is(err, payments.ErrUnsupportedProvider) {
		return invalidInput("payment provider is not supported")
	}
	s.logger(ctx, event, map[string]any{
		"orderId": order.ID,
		"userId":  order.UserID,
		"error":   err.Error(),
	})
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func validateAddress(addr Address) error {
	switch {
	case strings.TrimSpace(addr.Recipient) == "":
		return invalidInput("shipping address recipient is required")
	case strings.TrimSpace(addr.Line1) == "":
		return invalidInput("shipping address line1 is required")
	case strings.TrimSpace(addr.City) == "":
		return invalidInput("shipping address city is required")
	case strings.TrimSpace(addr.PostalCode) == "":
		return invalidInput("shipping address postal code is required")
	case len(strings.TrimSpace(addr.Country)) != 2:
		return invalidInput("shipping address country must be a two-letter code")
	}
	return nil
}

func toPaymentIntent(intent payments.Intent) PaymentIntent {
	return PaymentIntent{Provider: intent.Provider, ID: intent.ID, ClientSecret: intent.ClientSecret}
}

func userActor(userID string) Actor {
	return Actor{ID: userID, Kind: domain.ActorUser}
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrOrderInvalidInput, msg)
}
