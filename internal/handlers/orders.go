package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/platform/auth"
	"github.com/storefront/orderflow/internal/platform/httpx"
	"github.com/storefront/orderflow/internal/platform/pagination"
	"github.com/storefront/orderflow/internal/services"
)

const maxOrderActionBodySize = 4 * 1024

type orderActionRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the customer's own orders.
type OrderHandlers struct {
	authn    *auth.Authenticator
	queries  services.OrderQueryService
	checkout services.CheckoutService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, queries services.OrderQueryService, checkout services.CheckoutService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		queries:  queries,
		checkout: checkout,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.getHistory)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:confirm-delivery", h.confirmDelivery)
	r.Post("/{orderID}:retry-payment", h.retryPayment)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	page, err := pagination.Parse(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var statuses []services.OrderStatus
	for _, raw := range parseFilterValues(r.URL.Query()["status"]) {
		status := domain.OrderStatus(raw)
		if !status.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown order status "+raw, http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	result, err := h.queries.ListByUser(ctx, services.OrderListFilter{
		UserID:     strings.TrimSpace(identity.UID),
		Status:     statuses,
		Pagination: page,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Items:         make([]orderSummaryPayload, 0, len(result.Items)),
		NextPageToken: result.NextPageToken,
	}
	for _, order := range result.Items {
		resp.Items = append(resp.Items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, orderID, ok := h.orderTarget(ctx, w, r)
	if !ok {
		return
	}
	order, err := h.queries.GetForUser(ctx, orderID, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, orderID, ok := h.orderTarget(ctx, w, r)
	if !ok {
		return
	}
	history, err := h.queries.History(ctx, orderID, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, historyResponse{Items: buildHistoryPayload(history)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, cmd services.UserOrderCommand) (services.Order, *services.PaymentIntent, error) {
		order, err := h.checkout.CancelByUser(ctx, cmd)
		return order, nil, err
	})
}

func (h *OrderHandlers) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, cmd services.UserOrderCommand) (services.Order, *services.PaymentIntent, error) {
		order, err := h.checkout.ConfirmDelivery(ctx, cmd)
		return order, nil, err
	})
}

func (h *OrderHandlers) retryPayment(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, cmd services.UserOrderCommand) (services.Order, *services.PaymentIntent, error) {
		result, err := h.checkout.RetryPayment(ctx, cmd)
		if err != nil {
			return services.Order{}, nil, err
		}
		return result.Order, &result.PaymentIntent, nil
	})
}

type orderActionFunc func(ctx context.Context, cmd services.UserOrderCommand) (services.Order, *services.PaymentIntent, error)

func (h *OrderHandlers) runAction(w http.ResponseWriter, r *http.Request, action orderActionFunc) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, orderID, ok := h.orderTarget(ctx, w, r)
	if !ok {
		return
	}
	var req orderActionRequest
	if !decodeOptionalBody(ctx, w, r, maxOrderActionBodySize, &req) {
		return
	}

	order, intent, err := action(ctx, services.UserOrderCommand{
		OrderID:        orderID,
		UserID:         identity.UID,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if intent != nil {
		writeJSONResponse(w, http.StatusOK, checkoutResponse{
			Order: buildOrderPayload(order),
			PaymentIntent: paymentIntentPayload{
				Provider:     intent.Provider,
				ID:           intent.ID,
				ClientSecret: intent.ClientSecret,
			},
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

var errMissingOrderID = errors.New("order id is required")

func (h *OrderHandlers) orderTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.Identity, string, bool) {
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return nil, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errMissingOrderID.Error(), http.StatusBadRequest))
		return nil, "", false
	}
	return identity, orderID, true
}
