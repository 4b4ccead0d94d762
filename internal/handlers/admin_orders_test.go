package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/platform/auth"
	"github.com/storefront/orderflow/internal/services"
)

type stubLifecycleService struct {
	transitionFn func(context.Context, services.TransitionCommand) (services.TransitionResult, error)
	flagFn       func(context.Context, services.FlagForReviewCommand) (services.Order, error)
}

func (s *stubLifecycleService) RequestTransition(ctx context.Context, cmd services.TransitionCommand) (services.TransitionResult, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.TransitionResult{}, errors.New("not implemented")
}

func (s *stubLifecycleService) FlagForReview(ctx context.Context, cmd services.FlagForReviewCommand) (services.Order, error) {
	if s.flagFn != nil {
		return s.flagFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubLifecycleService) ExecuteApproved(context.Context, services.PendingApproval, services.Actor) (services.TransitionResult, error) {
	return services.TransitionResult{}, errors.New("not implemented")
}

type stubApprovalService struct {
	listFn    func(context.Context, services.ApprovalListFilter) (domain.CursorPage[services.PendingApproval], error)
	approveFn func(context.Context, services.ApprovalDecisionCommand) (services.ApprovalResult, error)
	rejectFn  func(context.Context, services.ApprovalDecisionCommand) (services.PendingApproval, error)
}

func (s *stubApprovalService) List(ctx context.Context, filter services.ApprovalListFilter) (domain.CursorPage[services.PendingApproval], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.PendingApproval]{}, nil
}

func (s *stubApprovalService) Get(context.Context, string) (services.PendingApproval, error) {
	return services.PendingApproval{}, services.ErrApprovalNotFound
}

func (s *stubApprovalService) Approve(ctx context.Context, cmd services.ApprovalDecisionCommand) (services.ApprovalResult, error) {
	if s.approveFn != nil {
		return s.approveFn(ctx, cmd)
	}
	return services.ApprovalResult{}, errors.New("not implemented")
}

func (s *stubApprovalService) Reject(ctx context.Context, cmd services.ApprovalDecisionCommand) (services.PendingApproval, error) {
	if s.rejectFn != nil {
		return s.rejectFn(ctx, cmd)
	}
	return services.PendingApproval{}, errors.New("not implemented")
}

func (s *stubApprovalService) Expire(context.Context, string) (services.PendingApproval, error) {
	return services.PendingApproval{}, errors.New("not implemented")
}

type stubInventoryService struct {
	services.InventoryService
	records map[string]services.InventoryRecord
}

func (s *stubInventoryService) AdjustStock(_ context.Context, productID string, delta int) (services.InventoryRecord, error) {
	record := s.records[productID]
	record.ProductID = productID
	record.Total += delta
	record.Available += delta
	s.records[productID] = record
	return record, nil
}

func (s *stubInventoryService) GetStock(_ context.Context, productID string) (services.InventoryRecord, error) {
	return s.records[productID], nil
}

func withStaff(req *http.Request, uid string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: roles}))
}

func newAdminRouter(deps AdminOrderHandlersDeps) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(deps).Routes)
	return router
}

func TestAdminTransitionApplied(t *testing.T) {
	var captured services.TransitionCommand
	router := newAdminRouter(AdminOrderHandlersDeps{Lifecycle: &stubLifecycleService{
		transitionFn: func(_ context.Context, cmd services.TransitionCommand) (services.TransitionResult, error) {
			captured = cmd
			return services.TransitionResult{
				Outcome: services.OutcomeApplied,
				Order:   services.Order{ID: cmd.OrderID, Status: cmd.Target, TrackingRef: &cmd.Evidence.TrackingRef},
			}, nil
		},
	}})

	body := `{"target":"Shipped","reason":"handed to courier","tracking_ref":" TRK-9 "}`
	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:transition", bytes.NewBufferString(body)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Target != domain.OrderStatusShipped || captured.Evidence.TrackingRef != "TRK-9" || captured.Reason != "handed to courier" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Actor.Kind != domain.ActorStaff || captured.Actor.ID != "staff-1" {
		t.Fatalf("expected staff actor, got %+v", captured.Actor)
	}
	var resp transitionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Outcome != "applied" || resp.Order.Status != "shipped" || resp.Approval != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAdminTransitionApprovalRequired(t *testing.T) {
	expires := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	router := newAdminRouter(AdminOrderHandlersDeps{Lifecycle: &stubLifecycleService{
		transitionFn: func(_ context.Context, cmd services.TransitionCommand) (services.TransitionResult, error) {
			return services.TransitionResult{
				Outcome: services.OutcomeApprovalRequired,
				Order:   services.Order{ID: cmd.OrderID, Status: domain.OrderStatusPaid},
				Approval: &services.PendingApproval{
					ID:                "apr_1",
					OrderID:           cmd.OrderID,
					From:              domain.OrderStatusPaid,
					To:                domain.OrderStatusCancelled,
					RequiredRoles:     []string{auth.RoleManager},
					RequiredApprovals: 1,
					State:             domain.ApprovalStatePending,
					ExpiresAt:         expires,
				},
			}, nil
		},
	}})

	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:transition", bytes.NewBufferString(`{"target":"cancelled","refund_required":true}`)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	var resp transitionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Approval == nil || resp.Approval.ID != "apr_1" || resp.Approval.ExpiresAt != "2026-03-04T09:00:00Z" {
		t.Fatalf("unexpected approval %+v", resp.Approval)
	}
}

func TestAdminTransitionValidation(t *testing.T) {
	router := newAdminRouter(AdminOrderHandlersDeps{Lifecycle: &stubLifecycleService{
		transitionFn: func(context.Context, services.TransitionCommand) (services.TransitionResult, error) {
			return services.TransitionResult{}, &services.TransitionError{From: domain.OrderStatusPending, To: domain.OrderStatusShipped, Reason: "pending orders cannot ship"}
		},
	}})

	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:transition", bytes.NewBufferString(`{"target":"lost"}`)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown target, got %d", rr.Code)
	}

	req = withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:transition", bytes.NewBufferString(`{"target":"shipped"}`)), "staff-1", auth.RoleStaff)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for a denied transition, got %d", rr.Code)
	}
}

func TestAdminFlagOrder(t *testing.T) {
	router := newAdminRouter(AdminOrderHandlersDeps{Lifecycle: &stubLifecycleService{
		flagFn: func(_ context.Context, cmd services.FlagForReviewCommand) (services.Order, error) {
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusPaid, Flags: domain.OrderFlags{ManualReview: true, ReviewReason: cmd.Reason}}, nil
		},
	}})

	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:flag", bytes.NewBufferString(`{"reason":"address mismatch"}`)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.Flags == nil || resp.Order.Flags.ReviewReason != "address mismatch" {
		t.Fatalf("unexpected flags %+v", resp.Order.Flags)
	}
}

func TestAdminListApprovals(t *testing.T) {
	var captured services.ApprovalListFilter
	router := newAdminRouter(AdminOrderHandlersDeps{Approvals: &stubApprovalService{
		listFn: func(_ context.Context, filter services.ApprovalListFilter) (domain.CursorPage[services.PendingApproval], error) {
			captured = filter
			return domain.CursorPage[services.PendingApproval]{
				Items:         []services.PendingApproval{{ID: "apr_1", State: domain.ApprovalStatePending}},
				NextPageToken: "next",
			}, nil
		},
	}})

	req := withStaff(httptest.NewRequest(http.MethodGet, "/admin/approvals?state=pending&order_id=ord_1&pageSize=10", nil), "mgr-1", auth.RoleManager)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.OrderID != "ord_1" || len(captured.State) != 1 || captured.State[0] != domain.ApprovalStatePending || captured.Pagination.PageSize != 10 {
		t.Fatalf("unexpected filter %+v", captured)
	}
	var resp approvalListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected response %+v", resp)
	}

	req = withStaff(httptest.NewRequest(http.MethodGet, "/admin/approvals?state=open", nil), "mgr-1", auth.RoleManager)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown state, got %d", rr.Code)
	}
}

func TestAdminApproveExecutesTransition(t *testing.T) {
	var captured services.ApprovalDecisionCommand
	router := newAdminRouter(AdminOrderHandlersDeps{Approvals: &stubApprovalService{
		approveFn: func(_ context.Context, cmd services.ApprovalDecisionCommand) (services.ApprovalResult, error) {
			captured = cmd
			return services.ApprovalResult{
				Approval: services.PendingApproval{ID: cmd.ApprovalID, State: domain.ApprovalStateApproved},
				Transition: &services.TransitionResult{
					Outcome: services.OutcomeApplied,
					Order:   services.Order{ID: "ord_1", Status: domain.OrderStatusCancelled},
				},
			}, nil
		},
	}})

	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/approvals/apr_1:approve", bytes.NewBufferString(`{"comment":"ok"}`)), "mgr-1", auth.RoleManager)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ApprovalID != "apr_1" || captured.Comment != "ok" || !captured.Actor.HasAnyRole(auth.RoleManager) {
		t.Fatalf("unexpected command %+v", captured)
	}
	var resp approvalResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Approval.State != "approved" || resp.Transition == nil || resp.Transition.Order.Status != "cancelled" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAdminApprovalErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"resolved", services.ErrApprovalResolved, http.StatusConflict, "approval_resolved"},
		{"expired", services.ErrApprovalExpired, http.StatusConflict, "approval_expired"},
		{"forbidden", services.ErrApprovalForbidden, http.StatusForbidden, "approval_forbidden"},
		{"missing", services.ErrApprovalNotFound, http.StatusNotFound, "approval_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newAdminRouter(AdminOrderHandlersDeps{Approvals: &stubApprovalService{
				rejectFn: func(context.Context, services.ApprovalDecisionCommand) (services.PendingApproval, error) {
					return services.PendingApproval{}, tc.err
				},
			}})
			req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/approvals/apr_1:reject", nil), "staff-1", auth.RoleStaff)
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

func TestAdminGetApprovalNotFound(t *testing.T) {
	router := newAdminRouter(AdminOrderHandlersDeps{Approvals: &stubApprovalService{}})
	req := withStaff(httptest.NewRequest(http.MethodGet, "/admin/approvals/apr_missing", nil), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAdminAdjustStock(t *testing.T) {
	inventory := &stubInventoryService{records: map[string]services.InventoryRecord{}}
	router := newAdminRouter(AdminOrderHandlersDeps{Inventory: inventory})

	req := withStaff(httptest.NewRequest(http.MethodPost, "/admin/inventory/prod_mug:adjust", bytes.NewBufferString(`{"delta":5}`)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	req = withStaff(httptest.NewRequest(http.MethodGet, "/admin/inventory/prod_mug", nil), "staff-1", auth.RoleStaff)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	var resp stockResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ProductID != "prod_mug" || resp.Available != 5 || resp.Total != 5 {
		t.Fatalf("unexpected stock %+v", resp)
	}

	req = withStaff(httptest.NewRequest(http.MethodPost, "/admin/inventory/prod_mug:adjust", bytes.NewBufferString(`{"delta":0}`)), "staff-1", auth.RoleStaff)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for zero delta, got %d", rr.Code)
	}
}
