package repositories

import (
	"context"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Inventory() InventoryRepository
	PaymentEvents() PaymentEventRepository
	Approvals() ApprovalRepository
	Jobs() ScheduledJobRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order aggregates with optimistic concurrency.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update replaces the stored order when its version equals expectedVersion. The new history must
	// extend the stored history; anything else is rejected.
	Update(ctx context.Context, order domain.Order, expectedVersion int64) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// InventoryRepository is the stock ledger. Every mutation is a single atomic conditional update.
type InventoryRepository interface {
	Reserve(ctx context.Context, mv StockMovement) (StockMovementResult, error)
	Release(ctx context.Context, mv StockMovement) (StockMovementResult, error)
	Commit(ctx context.Context, mv StockMovement) (StockMovementResult, error)
	GetReservation(ctx context.Context, productID, key string) (domain.StockReservation, error)
	GetStock(ctx context.Context, productID string) (domain.InventoryRecord, error)
	AdjustStock(ctx context.Context, productID string, delta int, now time.Time) (domain.InventoryRecord, error)
}

// StockMovement describes one ledger operation keyed by its idempotency key.
type StockMovement struct {
	ProductID string
	Quantity  int
	Key       string
	OrderID   string
	Now       time.Time
}

// StockMovementResult reports the reservation and stock after the operation. Applied is false when
// the call was an idempotent replay that changed nothing.
type StockMovementResult struct {
	Applied     bool
	Delta       int
	Reservation domain.StockReservation
	Stock       domain.InventoryRecord
}

// PaymentEventRepository stores provider events deduplicated by (provider, event id).
type PaymentEventRepository interface {
	// Insert fails with a conflict error when the event id already exists.
	Insert(ctx context.Context, event domain.PaymentEvent) error
	FindByID(ctx context.Context, id string) (domain.PaymentEvent, error)
	IncrementRetries(ctx context.Context, id string) (domain.PaymentEvent, error)
	// MarkProcessed records the outcome once; a second call for a processed event is a conflict.
	MarkProcessed(ctx context.Context, id string, result PaymentEventResult) error
}

// PaymentEventResult is the outcome persisted after reconciliation.
type PaymentEventResult struct {
	Outcome     domain.PaymentEventOutcome
	OrderID     string
	Note        string
	ProcessedAt time.Time
}

// ApprovalRepository persists pending approvals.
type ApprovalRepository interface {
	Insert(ctx context.Context, approval domain.PendingApproval) error
	Update(ctx context.Context, approval domain.PendingApproval, expectedVersion int64) error
	FindByID(ctx context.Context, approvalID string) (domain.PendingApproval, error)
	FindPending(ctx context.Context, orderID string, to domain.OrderStatus) (domain.PendingApproval, error)
	List(ctx context.Context, filter ApprovalListFilter) (domain.CursorPage[domain.PendingApproval], error)
}

// ApprovalListFilter narrows approval listings.
type ApprovalListFilter struct {
	State      []domain.ApprovalState
	OrderID    string
	Pagination domain.Pagination
}

// ScheduledJobRepository stores durable "run at or after" jobs.
type ScheduledJobRepository interface {
	// Schedule inserts the job unless a job with the same id exists; the stored job is returned.
	Schedule(ctx context.Context, job domain.ScheduledJob) (domain.ScheduledJob, bool, error)
	FindByID(ctx context.Context, jobID string) (domain.ScheduledJob, error)
	// ClaimDue leases up to limit pending jobs whose RunAt has passed, plus running jobs whose lease expired.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.ScheduledJob, error)
	Complete(ctx context.Context, jobID string, state domain.JobState, note string, now time.Time) error
	Reschedule(ctx context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error
	Cancel(ctx context.Context, jobID string, now time.Time) error
}

// CounterRepository exposes atomic sequence generation backed by the datastore.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository probes downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.DependencyReport, error)
}
