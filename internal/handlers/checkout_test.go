package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/platform/auth"
	"github.com/storefront/orderflow/internal/services"
)

type stubCheckoutService struct {
	createFn  func(context.Context, services.CreateOrderCommand) (services.CheckoutResult, error)
	cancelFn  func(context.Context, services.UserOrderCommand) (services.Order, error)
	confirmFn func(context.Context, services.UserOrderCommand) (services.Order, error)
	retryFn   func(context.Context, services.UserOrderCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.CheckoutResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errors.New("not implemented")
}

func (s *stubCheckoutService) CancelByUser(ctx context.Context, cmd services.UserOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubCheckoutService) ConfirmDelivery(ctx context.Context, cmd services.UserOrderCommand) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubCheckoutService) RetryPayment(ctx context.Context, cmd services.UserOrderCommand) (services.CheckoutResult, error) {
	if s.retryFn != nil {
		return s.retryFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errors.New("not implemented")
}

func withUser(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Email: uid + "@example.com", Locale: "en-GB"}))
}

const checkoutBody = `{
	"items": [{"product_id": "prod_mug", "name": "Mug", "quantity": 2, "unit_price": 1500}],
	"shipping_address": {"recipient": "Ada", "line1": "1 High St", "city": "London", "postal_code": "N1 1AA", "country": "gb"},
	"shipping": 500,
	"tax": 200,
	"currency": "gbp",
	"provider": "stripe"
}`

func TestCheckoutHandlersCreateOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var captured services.CreateOrderCommand
	router := chi.NewRouter()
	handler := NewCheckoutHandlers(nil, &stubCheckoutService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{
				Order: services.Order{
					ID:          "ord_1",
					OrderNumber: "SF-2026-000001",
					UserID:      cmd.UserID,
					Status:      domain.OrderStatusPending,
					Currency:    "GBP",
					Totals:      services.OrderTotals{Subtotal: 3000, Shipping: 500, Tax: 200, Total: 3700},
					Items: []services.OrderLineItem{
						{ID: "line_1", ProductID: "prod_mug", Name: "Mug", Quantity: 2, UnitPrice: 1500},
					},
					ShippingAddress: cmd.ShippingAddress,
					Payment:         &services.PaymentReference{Provider: "stripe", TransactionID: "pi_1"},
					Version:         1,
					CreatedAt:       now,
				},
				PaymentIntent: services.PaymentIntent{Provider: "stripe", ID: "pi_1", ClientSecret: "secret"},
			}, nil
		},
	})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(checkoutBody))
	req.Header.Set("Idempotency-Key", " key-1 ")
	req = withUser(req, "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if captured.UserID != "user-1" || captured.IdempotencyKey != "key-1" {
		t.Fatalf("unexpected command identity %+v", captured)
	}
	if captured.ShippingAddress.Country != "GB" || captured.ShippingAddress.Line2 != nil {
		t.Fatalf("unexpected address %+v", captured.ShippingAddress)
	}
	if captured.Contact.Email != "user-1@example.com" || captured.Contact.Locale != "en-GB" {
		t.Fatalf("expected contact to default from identity, got %+v", captured.Contact)
	}
	if len(captured.Items) != 1 || captured.Items[0].Quantity != 2 || captured.Shipping != 500 {
		t.Fatalf("unexpected command %+v", captured)
	}

	var resp checkoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.Status != "pending" || resp.Order.Totals.Total != 3700 || resp.Order.Items[0].Total != 3000 {
		t.Fatalf("unexpected order payload %+v", resp.Order)
	}
	if resp.PaymentIntent.ClientSecret != "secret" || resp.Order.Payment == nil || resp.Order.Payment.TransactionID != "pi_1" {
		t.Fatalf("unexpected payment payload %+v", resp)
	}
}

func TestCheckoutHandlersRequiresIdentity(t *testing.T) {
	router := chi.NewRouter()
	NewCheckoutHandlers(nil, &stubCheckoutService{}).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(checkoutBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCheckoutHandlersRejectsMalformedJSON(t *testing.T) {
	router := chi.NewRouter()
	NewCheckoutHandlers(nil, &stubCheckoutService{}).Routes(router)

	req := withUser(httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"items":`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlersMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid input", fmt.Errorf("%w: items are required", services.ErrOrderInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"provider down", services.ErrProviderUnavailable, http.StatusBadGateway, "payment_provider_unavailable"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := chi.NewRouter()
			NewCheckoutHandlers(nil, &stubCheckoutService{
				createFn: func(context.Context, services.CreateOrderCommand) (services.CheckoutResult, error) {
					return services.CheckoutResult{}, tc.err
				},
			}).Routes(router)

			req := withUser(httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(checkoutBody)), "user-1")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestCheckoutHandlersRateLimitPerUser(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	router := chi.NewRouter()
	NewCheckoutHandlers(nil, &stubCheckoutService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.CheckoutResult, error) {
			calls++
			return services.CheckoutResult{Order: services.Order{ID: fmt.Sprintf("ord_%d", calls)}}, nil
		},
	}, WithCheckoutRateLimit(1, time.Minute, func() time.Time { return now })).Routes(router)

	send := func(uid string) *httptest.ResponseRecorder {
		req := withUser(httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(checkoutBody)), uid)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("user-1"); rr.Code != http.StatusCreated {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}
	limited := send("user-1")
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", limited.Header().Get("Retry-After"))
	}
	if rr := send("user-2"); rr.Code != http.StatusCreated {
		t.Fatalf("expected other users to be unaffected, got %d", rr.Code)
	}
	if calls != 2 {
		t.Fatalf("expected two service calls, got %d", calls)
	}
}

func TestWindowLimiterResetsAfterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := newWindowLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("u1"); !ok {
			t.Fatalf("expected call %d to pass", i+1)
		}
	}
	if ok, wait := limiter.Allow("u1"); ok || wait != time.Minute {
		t.Fatalf("expected throttle with a full window wait, got %v %s", ok, wait)
	}
	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("u1"); !ok {
		t.Fatal("expected the window to reset")
	}
	if newWindowLimiter(0, time.Minute, nil) != nil {
		t.Fatal("expected a zero limit to disable throttling")
	}
}
