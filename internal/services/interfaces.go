package services

import (
	"context"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/payments"
	"github.com/storefront/orderflow/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	StatusHistoryEntry = domain.StatusHistoryEntry
	PaymentReference   = domain.PaymentReference
	Address            = domain.Address
	Contact            = domain.Contact
	Actor              = domain.Actor
	InventoryRecord    = domain.InventoryRecord
	StockReservation   = domain.StockReservation
	PaymentEvent       = domain.PaymentEvent
	PendingApproval    = domain.PendingApproval
	ScheduledJob       = domain.ScheduledJob
	DependencyReport   = domain.DependencyReport
)

// OrderLifecycleService is the only component allowed to change an order's status.
type OrderLifecycleService interface {
	RequestTransition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error)
	FlagForReview(ctx context.Context, cmd FlagForReviewCommand) (Order, error)
	// ExecuteApproved applies a transition whose approval reached its quorum.
	ExecuteApproved(ctx context.Context, approval PendingApproval, approver Actor) (TransitionResult, error)
}

// InventoryService fans ledger operations out over an order's line items.
type InventoryService interface {
	// Reserve holds every line. On failure the lines this call already applied are released
	// before the error is returned. The result lists only lines this call changed.
	Reserve(ctx context.Context, lines []StockLine) ([]StockLine, error)
	Release(ctx context.Context, lines []StockLine) ([]StockLine, error)
	Commit(ctx context.Context, lines []StockLine) ([]StockLine, error)
	ReservedSufficient(ctx context.Context, lines []StockLine) (bool, error)
	AdjustStock(ctx context.Context, productID string, delta int) (InventoryRecord, error)
	GetStock(ctx context.Context, productID string) (InventoryRecord, error)
}

// ApprovalService resolves approval-gated transitions.
type ApprovalService interface {
	List(ctx context.Context, filter ApprovalListFilter) (domain.CursorPage[PendingApproval], error)
	Get(ctx context.Context, approvalID string) (PendingApproval, error)
	Approve(ctx context.Context, cmd ApprovalDecisionCommand) (ApprovalResult, error)
	Reject(ctx context.Context, cmd ApprovalDecisionCommand) (PendingApproval, error)
	Expire(ctx context.Context, approvalID string) (PendingApproval, error)
}

// PaymentReconciler turns provider notifications into order transitions exactly once.
type PaymentReconciler interface {
	HandleEvent(ctx context.Context, provider string, payload []byte, signature string) (ReconcileResult, error)
	SignatureHeader(provider string) (string, error)
}

// CheckoutService owns customer-initiated order operations.
type CheckoutService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CheckoutResult, error)
	CancelByUser(ctx context.Context, cmd UserOrderCommand) (Order, error)
	ConfirmDelivery(ctx context.Context, cmd UserOrderCommand) (Order, error)
	RetryPayment(ctx context.Context, cmd UserOrderCommand) (CheckoutResult, error)
}

// OrderQueryService exposes read-only order views.
type OrderQueryService interface {
	Get(ctx context.Context, orderID string) (Order, error)
	GetForUser(ctx context.Context, orderID, userID string) (Order, error)
	ListByUser(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	History(ctx context.Context, orderID, userID string) ([]StatusHistoryEntry, error)
}

// ScheduledJobRunner executes due scheduled jobs.
type ScheduledJobRunner interface {
	RunDue(ctx context.Context, limit int) (JobRunSummary, error)
}

// SystemService reports dependency health.
type SystemService interface {
	Health(ctx context.Context) (DependencyReport, error)
}

// PaymentGateway is the provider surface services call. *payments.Manager implements it.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
	CancelPaymentIntent(ctx context.Context, provider, intentID, idempotencyKey string) error
	Refund(ctx context.Context, provider string, req payments.RefundRequest) (payments.RefundResult, error)
	ParseEvent(provider string, payload []byte, signature string) (payments.Event, error)
	SignatureHeader(provider string) (string, error)
}

// TransitionCommand asks the engine to move an order to Target.
type TransitionCommand struct {
	OrderID  string
	Target   OrderStatus
	Actor    Actor
	Reason   string
	Evidence TransitionEvidence
}

// TransitionEvidence carries the facts the guard checks.
type TransitionEvidence struct {
	Payment           *PaymentReference
	PaymentConfirmed  bool
	PaymentFailed     bool
	RefundRequired    bool
	TrackingRef       string
	DeliveryConfirmed bool
	RetryAuthorized   bool
	ApprovalID        string
}

// TransitionOutcome summarises what RequestTransition did.
type TransitionOutcome string

const (
	OutcomeApplied          TransitionOutcome = "applied"
	OutcomeApprovalRequired TransitionOutcome = "approval_required"
	OutcomeUnchanged        TransitionOutcome = "unchanged"
)

// TransitionResult is returned by RequestTransition.
type TransitionResult struct {
	Outcome  TransitionOutcome
	Order    Order
	Approval *PendingApproval
}

// FlagForReviewCommand marks an order for manual review without changing status.
type FlagForReviewCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

// ApprovalListFilter narrows approval listings.
type ApprovalListFilter = repositories.ApprovalListFilter

// OrderListFilter narrows order listings.
type OrderListFilter = repositories.OrderListFilter

// ApprovalDecisionCommand records an approver's vote.
type ApprovalDecisionCommand struct {
	ApprovalID string
	Actor      Actor
	Comment    string
}

// ApprovalResult reports the approval after a vote and, when the quorum was reached, the transition.
type ApprovalResult struct {
	Approval   PendingApproval
	Transition *TransitionResult
}

// ReconcileResult reports how a webhook was handled.
type ReconcileResult struct {
	EventID   string
	Outcome   domain.PaymentEventOutcome
	OrderID   string
	Note      string
	Duplicate bool
}

// CreateOrderCommand is the checkout request.
type CreateOrderCommand struct {
	UserID          string
	Items           []CheckoutItem
	ShippingAddress Address
	Shipping        int64
	Tax             int64
	Currency        string
	Provider        string
	Contact         Contact
	IdempotencyKey  string
}

// CheckoutItem is one requested line.
type CheckoutItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
}

// CheckoutResult pairs the order with the client-facing payment handle.
type CheckoutResult struct {
	Order         Order
	PaymentIntent PaymentIntent
}

// PaymentIntent is the subset of the provider intent returned to the storefront.
type PaymentIntent struct {
	Provider     string
	ID           string
	ClientSecret string
}

// UserOrderCommand identifies a customer operation on their own order.
type UserOrderCommand struct {
	OrderID        string
	UserID         string
	Reason         string
	IdempotencyKey string
}

// JobRunSummary counts what one RunDue pass did.
type JobRunSummary struct {
	Claimed     int
	Done        int
	Skipped     int
	Rescheduled int
	Failed      int
}

// LifecyclePolicy holds the engine timing knobs.
type LifecyclePolicy struct {
	CancelGraceWindow     time.Duration
	MinDeliveryDelay      time.Duration
	AutoDeliverAfter      time.Duration
	ApprovalTTL           time.Duration
	RequiredApprovals     int
	MaxConcurrencyRetries int
}

// DefaultLifecyclePolicy mirrors the configuration defaults.
func DefaultLifecyclePolicy() LifecyclePolicy {
	return LifecyclePolicy{
		CancelGraceWindow:     30 * time.Minute,
		MinDeliveryDelay:      72 * time.Hour,
		AutoDeliverAfter:      14 * 24 * time.Hour,
		ApprovalTTL:           72 * time.Hour,
		RequiredApprovals:     1,
		MaxConcurrencyRetries: 5,
	}
}

func (p LifecyclePolicy) withDefaults() LifecyclePolicy {
	def := DefaultLifecyclePolicy()
	if p.CancelGraceWindow <= 0 {
		p.CancelGraceWindow = def.CancelGraceWindow
	}
	if p.MinDeliveryDelay <= 0 {
		p.MinDeliveryDelay = def.MinDeliveryDelay
	}
	if p.AutoDeliverAfter <= 0 {
		p.AutoDeliverAfter = def.AutoDeliverAfter
	}
	if p.ApprovalTTL <= 0 {
		p.ApprovalTTL = def.ApprovalTTL
	}
	if p.RequiredApprovals <= 0 {
		p.RequiredApprovals = def.RequiredApprovals
	}
	if p.MaxConcurrencyRetries <= 0 {
		p.MaxConcurrencyRetries = def.MaxConcurrencyRetries
	}
	return p
}

func (p LifecyclePolicy) guardPolicy() TransitionPolicy {
	return TransitionPolicy{CancelGraceWindow: p.CancelGraceWindow, MinDeliveryDelay: p.MinDeliveryDelay}
}
