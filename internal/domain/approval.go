package domain

import "time"

// ApprovalState tracks the resolution of a pending approval.
type ApprovalState string

const (
	ApprovalStatePending  ApprovalState = "pending"
	ApprovalStateApproved ApprovalState = "approved"
	ApprovalStateRejected ApprovalState = "rejected"
	ApprovalStateExpired  ApprovalState = "expired"
)

// PendingApproval is a transition request gated behind human sign-off.
type PendingApproval struct {
	ID                string
	OrderID           string
	From              OrderStatus
	To                OrderStatus
	Reason            string
	RequestedBy       string
	RequiredRoles     []string
	RequiredApprovals int
	Approvals         []ApprovalVote
	State             ApprovalState
	Note              string
	ExpiresAt         time.Time
	ResolvedAt        *time.Time
	ResolvedBy        *string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ApprovalVote records one approver's sign-off.
type ApprovalVote struct {
	ActorID string
	Role    string
	Comment string
	At      time.Time
}

// Resolved reports whether the approval left the pending state.
func (a PendingApproval) Resolved() bool {
	return a.State != ApprovalStatePending
}

// Expired reports whether the approval is past its expiry at now.
func (a PendingApproval) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// HasVoteFrom reports whether the actor already approved.
func (a PendingApproval) HasVoteFrom(actorID string) bool {
	for _, vote := range a.Approvals {
		if vote.ActorID == actorID {
			return true
		}
	}
	return false
}
