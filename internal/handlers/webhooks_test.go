package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/services"
)

type stubReconciler struct {
	handleFn func(context.Context, string, []byte, string) (services.ReconcileResult, error)
}

func (s *stubReconciler) HandleEvent(ctx context.Context, provider string, payload []byte, signature string) (services.ReconcileResult, error) {
	if s.handleFn != nil {
		return s.handleFn(ctx, provider, payload, signature)
	}
	return services.ReconcileResult{}, nil
}

func (s *stubReconciler) SignatureHeader(provider string) (string, error) {
	switch provider {
	case "stripe":
		return "Stripe-Signature", nil
	case "acme":
		return "X-Acme-Signature", nil
	default:
		return "", services.ErrUnknownProvider
	}
}

func newWebhookRouter(reconciler services.PaymentReconciler) chi.Router {
	router := chi.NewRouter()
	router.Route("/webhooks", NewPaymentWebhookHandlers(reconciler).Routes)
	return router
}

func TestPaymentWebhookPassesRawBodyAndSignature(t *testing.T) {
	payload := `{"id":"evt_1","type":"payment.succeeded"}`
	var gotProvider, gotSignature string
	var gotPayload []byte
	router := newWebhookRouter(&stubReconciler{
		handleFn: func(_ context.Context, provider string, body []byte, signature string) (services.ReconcileResult, error) {
			gotProvider, gotPayload, gotSignature = provider, body, signature
			return services.ReconcileResult{EventID: "evt_1", Outcome: domain.PaymentOutcomeProcessed, OrderID: "ord_1"}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/ACME", bytes.NewBufferString(payload))
	req.Header.Set("X-Acme-Signature", "sha256=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotProvider != "acme" || gotSignature != "sha256=abc" || string(gotPayload) != payload {
		t.Fatalf("unexpected reconciler input %s %s %s", gotProvider, gotSignature, gotPayload)
	}
	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.EventID != "evt_1" || resp.Outcome != string(domain.PaymentOutcomeProcessed) || resp.Duplicate {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPaymentWebhookDuplicateIsAcknowledged(t *testing.T) {
	router := newWebhookRouter(&stubReconciler{
		handleFn: func(context.Context, string, []byte, string) (services.ReconcileResult, error) {
			return services.ReconcileResult{EventID: "evt_1", Outcome: domain.PaymentOutcomeProcessed, Duplicate: true}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"duplicate":true`) {
		t.Fatalf("expected acknowledged duplicate, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestPaymentWebhookErrors(t *testing.T) {
	invalid := &stubReconciler{
		handleFn: func(context.Context, string, []byte, string) (services.ReconcileResult, error) {
			return services.ReconcileResult{}, services.ErrInvalidSignature
		},
	}
	cases := []struct {
		name     string
		path     string
		header   string
		body     string
		status   int
		code     string
		recorder services.PaymentReconciler
	}{
		{"unknown provider", "/webhooks/payments/paypal", "X-Paypal-Signature", `{}`, http.StatusNotFound, "unknown_provider", &stubReconciler{}},
		{"missing signature", "/webhooks/payments/acme", "", `{}`, http.StatusUnauthorized, "invalid_signature", &stubReconciler{}},
		{"bad signature", "/webhooks/payments/acme", "X-Acme-Signature", `{}`, http.StatusUnauthorized, "invalid_signature", invalid},
		{"empty body", "/webhooks/payments/acme", "X-Acme-Signature", ``, http.StatusBadRequest, "invalid_request", &stubReconciler{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newWebhookRouter(tc.recorder)
			req := httptest.NewRequest(http.MethodPost, tc.path, bytes.NewBufferString(tc.body))
			if tc.header != "" {
				req.Header.Set(tc.header, "sig")
			}
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
