package domain

import "time"

// JobKind identifies the work a scheduled job performs.
type JobKind string

const (
	// JobKindAutoTransition re-invokes the lifecycle engine for an order.
	JobKindAutoTransition JobKind = "auto_transition"
	// JobKindRefund asks the payment provider to refund a captured payment.
	JobKindRefund JobKind = "refund"
	// JobKindApprovalExpiry expires a pending approval that was never resolved.
	JobKindApprovalExpiry JobKind = "approval_expiry"
)

// JobState tracks the lifecycle of a scheduled job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateDone      JobState = "done"
	JobStateSkipped   JobState = "skipped"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// ScheduledJob is a durable "run at or after RunAt" record consumed by the job runner.
type ScheduledJob struct {
	ID          string
	Kind        JobKind
	OrderID     string
	Target      OrderStatus
	ApprovalID  string
	Payment     *PaymentReference
	Amount      int64
	Currency    string
	Reason      string
	RunAt       time.Time
	State       JobState
	Attempts    int
	MaxAttempts int
	LeaseUntil  *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Finished reports whether the job reached a final state.
func (j ScheduledJob) Finished() bool {
	switch j.State {
	case JobStateDone, JobStateSkipped, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// AutoTransitionJobID is the deterministic id for an automatic order transition.
func AutoTransitionJobID(orderID string, target OrderStatus) string {
	return "auto_" + string(target) + "_" + orderID
}

// RefundJobID is the deterministic id for refunding an order's payment.
func RefundJobID(orderID string, payment PaymentReference) string {
	return "refund_" + orderID + "_" + payment.TransactionID
}

// ApprovalExpiryJobID is the deterministic id for expiring an approval.
func ApprovalExpiryJobID(approvalID string) string {
	return "expire_" + approvalID
}
