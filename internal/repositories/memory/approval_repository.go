package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

// ApprovalRepository stores pending approvals in memory.
type ApprovalRepository struct {
	mu        sync.Mutex
	approvals map[string]domain.PendingApproval
}

var _ repositories.ApprovalRepository = (*ApprovalRepository)(nil)

// NewApprovalRepository constructs an empty approval store.
func NewApprovalRepository() *ApprovalRepository {
	return &ApprovalRepository{approvals: make(map[string]domain.PendingApproval)}
}

func (r *ApprovalRepository) Insert(_ context.Context, approval domain.PendingApproval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.approvals[approval.ID]; exists {
		return repositories.NewConflictError("memory.approvals.insert", "approval "+approval.ID+" already exists")
	}
	r.approvals[approval.ID] = cloneApproval(approval)
	return nil
}

func (r *ApprovalRepository) Update(_ context.Context, approval domain.PendingApproval, expectedVersion int64) error {
	const op = "memory.approvals.update"
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.approvals[approval.ID]
	if !ok {
		return repositories.NewNotFoundError(op, "approval "+approval.ID+" not found")
	}
	if stored.Version != expectedVersion {
		return repositories.NewConflictError(op, "approval "+approval.ID+" version mismatch")
	}
	r.approvals[approval.ID] = cloneApproval(approval)
	return nil
}

func (r *ApprovalRepository) FindByID(_ context.Context, approvalID string) (domain.PendingApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	approval, ok := r.approvals[approvalID]
	if !ok {
		return domain.PendingApproval{}, repositories.NewNotFoundError("memory.approvals.find", "approval "+approvalID+" not found")
	}
	return cloneApproval(approval), nil
}

func (r *ApprovalRepository) FindPending(_ context.Context, orderID string, to domain.OrderStatus) (domain.PendingApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, approval := range r.approvals {
		if approval.OrderID == orderID && approval.To == to && approval.State == domain.ApprovalStatePending {
			return cloneApproval(approval), nil
		}
	}
	return domain.PendingApproval{}, repositories.NewNotFoundError("memory.approvals.findPending", "no pending approval for order "+orderID)
}

func (r *ApprovalRepository) List(_ context.Context, filter repositories.ApprovalListFilter) (domain.CursorPage[domain.PendingApproval], error) {
	r.mu.Lock()
	matched := make([]domain.PendingApproval, 0)
	for _, approval := range r.approvals {
		if filter.OrderID != "" && approval.OrderID != filter.OrderID {
			continue
		}
		if len(filter.State) > 0 && !slices.Contains(filter.State, approval.State) {
			continue
		}
		matched = append(matched, cloneApproval(approval))
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	items, next := paginate(matched, filter.Pagination)
	return domain.CursorPage[domain.PendingApproval]{Items: items, NextPageToken: next}, nil
}

func cloneApproval(approval domain.PendingApproval) domain.PendingApproval {
	out := approval
	out.RequiredRoles = slices.Clone(approval.RequiredRoles)
	out.Approvals = slices.Clone(approval.Approvals)
	return out
}
