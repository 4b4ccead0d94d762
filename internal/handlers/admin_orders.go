package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/platform/auth"
	"github.com/storefront/orderflow/internal/platform/httpx"
	"github.com/storefront/orderflow/internal/platform/pagination"
	"github.com/storefront/orderflow/internal/services"
)

const maxAdminRequestBody = 8 * 1024

// AdminOrderHandlers serves the back-office API: staff transitions, approvals and stock.
type AdminOrderHandlers struct {
	authn     *auth.Authenticator
	lifecycle services.OrderLifecycleService
	approvals services.ApprovalService
	queries   services.OrderQueryService
	inventory services.InventoryService
}

// AdminOrderHandlersDeps bundles the services behind the admin routes.
type AdminOrderHandlersDeps struct {
	Authenticator *auth.Authenticator
	Lifecycle     services.OrderLifecycleService
	Approvals     services.ApprovalService
	Queries       services.OrderQueryService
	Inventory     services.InventoryService
}

// NewAdminOrderHandlers constructs admin handlers.
func NewAdminOrderHandlers(deps AdminOrderHandlersDeps) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:     deps.Authenticator,
		lifecycle: deps.Lifecycle,
		approvals: deps.Approvals,
		queries:   deps.Queries,
		inventory: deps.Inventory,
	}
}

// Routes registers the /admin endpoints. Every route requires a back-office role.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleManager, auth.RoleAdmin))
	}
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Post("/orders/{orderID}:flag", h.flagOrder)

	r.Get("/approvals", h.listApprovals)
	r.Get("/approvals/{approvalID}", h.getApproval)
	r.Post("/approvals/{approvalID}:approve", h.approve)
	r.Post("/approvals/{approvalID}:reject", h.reject)

	r.Get("/inventory/{productID}", h.getStock)
	r.Post("/inventory/{productID}:adjust", h.adjustStock)
}

type transitionRequest struct {
	Target            string `json:"target"`
	Reason            string `json:"reason"`
	TrackingRef       string `json:"tracking_ref"`
	DeliveryConfirmed bool   `json:"delivery_confirmed"`
	RefundRequired    bool   `json:"refund_required"`
	RetryAuthorized   bool   `json:"retry_authorized"`
	ApprovalID        string `json:"approval_id"`
}

type transitionResponse struct {
	Outcome  string           `json:"outcome"`
	Order    orderPayload     `json:"order"`
	Approval *approvalPayload `json:"approval,omitempty"`
}

type flagRequest struct {
	Reason string `json:"reason"`
}

type approvalDecisionRequest struct {
	Comment string `json:"comment"`
}

type approvalResponse struct {
	Approval   approvalPayload     `json:"approval"`
	Transition *transitionResponse `json:"transition,omitempty"`
}

type approvalListResponse struct {
	Items         []approvalPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type stockAdjustRequest struct {
	Delta int `json:"delta"`
}

type stockResponse struct {
	ProductID string `json:"product_id"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	order, err := h.queries.Get(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeOptionalBody(ctx, w, r, maxAdminRequestBody, &req) {
		return
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Target)))
	if !target.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target must be a known order status", http.StatusBadRequest))
		return
	}

	result, err := h.lifecycle.RequestTransition(ctx, services.TransitionCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Target:  target,
		Actor:   identity.Actor(),
		Reason:  strings.TrimSpace(req.Reason),
		Evidence: services.TransitionEvidence{
			TrackingRef:       strings.TrimSpace(req.TrackingRef),
			DeliveryConfirmed: req.DeliveryConfirmed,
			RefundRequired:    req.RefundRequired,
			RetryAuthorized:   req.RetryAuthorized,
			ApprovalID:        strings.TrimSpace(req.ApprovalID),
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == services.OutcomeApprovalRequired {
		status = http.StatusAccepted
	}
	writeJSONResponse(w, status, buildTransitionResponse(result))
}

func (h *AdminOrderHandlers) flagOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req flagRequest
	if !decodeOptionalBody(ctx, w, r, maxAdminRequestBody, &req) {
		return
	}
	order, err := h.lifecycle.FlagForReview(ctx, services.FlagForReviewCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Actor:   identity.Actor(),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) listApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.approvals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("approval_service_unavailable", "approval service unavailable", http.StatusServiceUnavailable))
		return
	}
	page, err := pagination.Parse(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter := services.ApprovalListFilter{
		OrderID:    strings.TrimSpace(r.URL.Query().Get("order_id")),
		Pagination: page,
	}
	for _, raw := range parseFilterValues(r.URL.Query()["state"]) {
		state := domain.ApprovalState(raw)
		switch state {
		case domain.ApprovalStatePending, domain.ApprovalStateApproved, domain.ApprovalStateRejected, domain.ApprovalStateExpired:
			filter.State = append(filter.State, state)
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown approval state "+raw, http.StatusBadRequest))
			return
		}
	}

	result, err := h.approvals.List(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := approvalListResponse{
		Items:         make([]approvalPayload, 0, len(result.Items)),
		NextPageToken: result.NextPageToken,
	}
	for _, approval := range result.Items {
		resp.Items = append(resp.Items, buildApprovalPayload(approval))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminOrderHandlers) getApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.approvals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("approval_service_unavailable", "approval service unavailable", http.StatusServiceUnavailable))
		return
	}
	approval, err := h.approvals.Get(ctx, strings.TrimSpace(chi.URLParam(r, "approvalID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, approvalResponse{Approval: buildApprovalPayload(approval)})
}

func (h *AdminOrderHandlers) approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.decisionCommand(w, r)
	if !ok {
		return
	}
	result, err := h.approvals.Approve(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := approvalResponse{Approval: buildApprovalPayload(result.Approval)}
	if result.Transition != nil {
		transition := buildTransitionResponse(*result.Transition)
		resp.Transition = &transition
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminOrderHandlers) reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd, ok := h.decisionCommand(w, r)
	if !ok {
		return
	}
	approval, err := h.approvals.Reject(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, approvalResponse{Approval: buildApprovalPayload(approval)})
}

func (h *AdminOrderHandlers) decisionCommand(w http.ResponseWriter, r *http.Request) (services.ApprovalDecisionCommand, bool) {
	ctx := r.Context()
	if h.approvals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("approval_service_unavailable", "approval service unavailable", http.StatusServiceUnavailable))
		return services.ApprovalDecisionCommand{}, false
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return services.ApprovalDecisionCommand{}, false
	}
	var req approvalDecisionRequest
	if !decodeOptionalBody(ctx, w, r, maxAdminRequestBody, &req) {
		return services.ApprovalDecisionCommand{}, false
	}
	return services.ApprovalDecisionCommand{
		ApprovalID: strings.TrimSpace(chi.URLParam(r, "approvalID")),
		Actor:      identity.Actor(),
		Comment:    strings.TrimSpace(req.Comment),
	}, true
}

func (h *AdminOrderHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	record, err := h.inventory.GetStock(ctx, strings.TrimSpace(chi.URLParam(r, "productID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockResponse(record))
}

func (h *AdminOrderHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}
	var req stockAdjustRequest
	if !decodeOptionalBody(ctx, w, r, maxAdminRequestBody, &req) {
		return
	}
	if req.Delta == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "delta must be non-zero", http.StatusBadRequest))
		return
	}
	record, err := h.inventory.AdjustStock(ctx, strings.TrimSpace(chi.URLParam(r, "productID")), req.Delta)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockResponse(record))
}

func buildTransitionResponse(result services.TransitionResult) transitionResponse {
	resp := transitionResponse{
		Outcome: string(result.Outcome),
		Order:   buildOrderPayload(result.Order),
	}
	if result.Approval != nil {
		approval := buildApprovalPayload(*result.Approval)
		resp.Approval = &approval
	}
	return resp
}

func buildStockResponse(record services.InventoryRecord) stockResponse {
	return stockResponse{
		ProductID: record.ProductID,
		Total:     record.Total,
		Available: record.Available,
		Reserved:  record.Reserved,
		UpdatedAt: formatTime(record.UpdatedAt),
	}
}
