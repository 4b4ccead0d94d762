package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/orderflow/internal/platform/auth"
	"github.com/storefront/orderflow/internal/platform/httpx"
	"github.com/storefront/orderflow/internal/services"
)

const (
	maxCheckoutRequestBody = 32 * 1024
	idempotencyKeyHeader   = "Idempotency-Key"
)

// CheckoutHandlers exposes order placement for authenticated customers.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	limiter  rateLimiter
	guards   []func(http.Handler) http.Handler
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit caps order placement per user within window.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newWindowLimiter(limit, window, clock)
	}
}

// WithCheckoutMiddlewares wraps the order placement route, e.g. with the idempotency middleware.
// They run after authentication so the caller identity is available.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.guards = append(h.guards, mw...)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	for _, mw := range h.guards {
		if mw != nil {
			group = group.With(mw)
		}
	}
	group.Post("/orders", h.createOrder)
}

type createOrderRequest struct {
	Items           []checkoutItemRequest `json:"items"`
	ShippingAddress addressPayload        `json:"shipping_address"`
	Shipping        int64                 `json:"shipping"`
	Tax             int64                 `json:"tax"`
	Currency        string                `json:"currency"`
	Provider        string                `json:"provider"`
	Email           string                `json:"email"`
	Locale          string                `json:"locale"`
}

type checkoutItemRequest struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type paymentIntentPayload struct {
	Provider     string `json:"provider"`
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type checkoutResponse struct {
	Order         orderPayload         `json:"order"`
	PaymentIntent paymentIntentPayload `json:"payment_intent"`
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil {
		if allowed, wait := h.limiter.Allow(identity.UID); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests))
			return
		}
	}

	var req createOrderRequest
	if !decodeOptionalBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}

	items := make([]services.CheckoutItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CheckoutItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = identity.Email
	}
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = identity.Locale
	}

	result, err := h.checkout.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UID,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toAddress(),
		Shipping:        req.Shipping,
		Tax:             req.Tax,
		Currency:        req.Currency,
		Provider:        strings.TrimSpace(req.Provider),
		Contact:         services.Contact{Email: email, Locale: locale},
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/orders/"+result.Order.ID)
	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		Order: buildOrderPayload(result.Order),
		PaymentIntent: paymentIntentPayload{
			Provider:     result.PaymentIntent.Provider,
			ID:           result.PaymentIntent.ID,
			ClientSecret: result.PaymentIntent.ClientSecret,
		},
	})
}
