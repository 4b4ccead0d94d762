package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/orderflow/internal/platform/httpx"
	"github.com/storefront/orderflow/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// PaymentWebhookHandlers receives provider notifications. Authenticity comes from the
// provider signature, not from caller credentials.
type PaymentWebhookHandlers struct {
	reconciler services.PaymentReconciler
}

// NewPaymentWebhookHandlers constructs webhook handlers.
func NewPaymentWebhookHandlers(reconciler services.PaymentReconciler) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{reconciler: reconciler}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handlePayment)
}

type webhookResponse struct {
	EventID   string `json:"event_id"`
	Outcome   string `json:"outcome"`
	OrderID   string `json:"order_id,omitempty"`
	Note      string `json:"note,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

func (h *PaymentWebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "payment webhooks unavailable", http.StatusServiceUnavailable))
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))

	header, err := h.reconciler.SignatureHeader(provider)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	signature := strings.TrimSpace(r.Header.Get(header))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "missing "+header+" header", http.StatusUnauthorized))
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.reconciler.HandleEvent(ctx, provider, payload, signature)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		EventID:   result.EventID,
		Outcome:   string(result.Outcome),
		OrderID:   result.OrderID,
		Note:      result.Note,
		Duplicate: result.Duplicate,
	})
}
