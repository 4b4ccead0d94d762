package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/platform/textutil"
	"github.com/storefront/orderflow/internal/repositories"
)

const (
	eventApprovalVoted    = "approval.voted"
	eventApprovalRejected = "approval.rejected"
	eventApprovalExpired  = "approval.expired"
	eventApprovalVoided   = "approval.voided"
)

// ApprovalServiceDeps bundles the collaborators required to construct an approval service.
type ApprovalServiceDeps struct {
	Approvals repositories.ApprovalRepository
	Jobs      repositories.ScheduledJobRepository
	Lifecycle OrderLifecycleService
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type approvalService struct {
	approvals repositories.ApprovalRepository
	jobs      repositories.ScheduledJobRepository
	lifecycle OrderLifecycleService
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewApprovalService wires dependencies into a concrete ApprovalService implementation.
func NewApprovalService(deps ApprovalServiceDeps) (ApprovalService, error) {
	if deps.Approvals == nil {
		return nil, errors.New("approval service: approval repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("approval service: lifecycle service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &approvalService{
		approvals: deps.Approvals,
		jobs:      deps.Jobs,
		lifecycle: deps.Lifecycle,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *approvalService) List(ctx context.Context, filter ApprovalListFilter) (domain.CursorPage[PendingApproval], error) {
	for _, state := range filter.State {
		switch state {
		case domain.ApprovalStatePending, domain.ApprovalStateApproved, domain.ApprovalStateRejected, domain.ApprovalStateExpired:
		default:
			return domain.CursorPage[PendingApproval]{}, fmt.Errorf("%w: unknown approval state %q", ErrOrderInvalidInput, state)
		}
	}
	filter.OrderID = strings.TrimSpace(filter.OrderID)
	page, err := s.approvals.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[PendingApproval]{}, mapApprovalRepositoryError(err)
	}
	return page, nil
}

func (s *approvalService) Get(ctx context.Context, approvalID string) (PendingApproval, error) {
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return PendingApproval{}, fmt.Errorf("%w: approval id is required", ErrOrderInvalidInput)
	}
	approval, err := s.approvals.FindByID(ctx, approvalID)
	if err != nil {
		return PendingApproval{}, mapApprovalRepositoryError(err)
	}
	return approval, nil
}

func (s *approvalService) Approve(ctx context.Context, cmd ApprovalDecisionCommand) (ApprovalResult, error) {
	approval, now, err := s.loadOpen(ctx, cmd.ApprovalID)
	if err != nil {
		return ApprovalResult{}, err
	}

	actorID := cmd.Actor.String()
	role := matchingRole(cmd.Actor, approval.RequiredRoles)
	switch {
	case role == "":
		return ApprovalResult{}, fmt.Errorf("%w: one of roles %s is required", ErrApprovalForbidden, strings.Join(approval.RequiredRoles, ", "))
	case actorID == approval.RequestedBy:
		return ApprovalResult{}, fmt.Errorf("%w: the requester cannot approve their own request", ErrApprovalForbidden)
	case approval.HasVoteFrom(actorID):
		return ApprovalResult{}, fmt.Errorf("%w: %s already approved", ErrApprovalForbidden, actorID)
	}

	next := approval
	next.Approvals = append(append([]domain.ApprovalVote(nil), approval.Approvals...), domain.ApprovalVote{
		ActorID: actorID,
		Role:    role,
		Comment: textutil.SanitizeNote(cmd.Comment, textutil.DefaultNoteLength),
		At:      now,
	})
	required := approval.RequiredApprovals
	if required <= 0 {
		required = 1
	}
	quorum := len(next.Approvals) >= required
	if quorum {
		next.State = domain.ApprovalStateApproved
		next.ResolvedAt = &now
		next.ResolvedBy = &actorID
	}
	next.Version = approval.Version + 1
	next.UpdatedAt = now

	if err := s.approvals.Update(ctx, next, approval.Version); err != nil {
		return ApprovalResult{}, mapApprovalRepositoryError(err)
	}
	s.logger(ctx, eventApprovalVoted, map[string]any{
		"approvalId": next.ID,
		"orderId":    next.OrderID,
		"actor":      actorID,
		"votes":      len(next.Approvals),
		"required":   required,
	})
	if !quorum {
		return ApprovalResult{Approval: next}, nil
	}
	s.cancelExpiry(ctx, next.ID, now)

	transition, err := s.lifecycle.ExecuteApproved(ctx, next, cmd.Actor)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			voided, voidErr := s.void(ctx, next, err.Error())
			if voidErr != nil {
				return ApprovalResult{Approval: next}, errors.Join(err, voidErr)
			}
			return ApprovalResult{Approval: voided}, err
		}
		return ApprovalResult{Approval: next}, err
	}
	return ApprovalResult{Approval: next, Transition: &transition}, nil
}

func (s *approvalService) Reject(ctx context.Context, cmd ApprovalDecisionCommand) (PendingApproval, error) {
	approval, now, err := s.loadOpen(ctx, cmd.ApprovalID)
	if err != nil {
		return PendingApproval{}, err
	}

	actorID := cmd.Actor.String()
	if actorID != approval.RequestedBy && matchingRole(cmd.Actor, approval.RequiredRoles) == "" {
		return PendingApproval{}, fmt.Errorf("%w: one of roles %s is required", ErrApprovalForbidden, strings.Join(approval.RequiredRoles, ", "))
	}

	next := approval
	next.State = domain.ApprovalStateRejected
	next.Note = textutil.SanitizeNote(cmd.Comment, textutil.DefaultNoteLength)
	next.ResolvedAt = &now
	next.ResolvedBy = &actorID
	next.Version = approval.Version + 1
	next.UpdatedAt = now
	if err := s.approvals.Update(ctx, next, approval.Version); err != nil {
		return PendingApproval{}, mapApprovalRepositoryError(err)
	}
	s.cancelExpiry(ctx, next.ID, now)
	s.logger(ctx, eventApprovalRejected, map[string]any{
		"approvalId": next.ID,
		"orderId":    next.OrderID,
		"actor":      actorID,
	})
	return next, nil
}

// Expire moves a lapsed pending approval to expired. Already resolved approvals are returned unchanged.
func (s *approvalService) Expire(ctx context.Context, approvalID string) (PendingApproval, error) {
	approval, err := s.Get(ctx, approvalID)
	if err != nil {
		return PendingApproval{}, err
	}
	if approval.Resolved() {
		return approval, nil
	}
	now := s.clock()
	if !approval.Expired(now) {
		return approval, fmt.Errorf("approval %s does not expire until %s", approval.ID, approval.ExpiresAt.Format(time.RFC3339))
	}
	return s.expire(ctx, approval, now)
}

// loadOpen returns a pending, unexpired approval. A lapsed approval is expired on the way out.
func (s *approvalService) loadOpen(ctx context.Context, approvalID string) (PendingApproval, time.Time, error) {
	approval, err := s.Get(ctx, approvalID)
	if err != nil {
		return PendingApproval{}, time.Time{}, err
	}
	if approval.Resolved() {
		return PendingApproval{}, time.Time{}, fmt.Errorf("%w: approval %s is %s", ErrApprovalResolved, approval.ID, approval.State)
	}
	now := s.clock()
	if approval.Expired(now) {
		if _, err := s.expire(ctx, approval, now); err != nil {
			return PendingApproval{}, time.Time{}, err
		}
		return PendingApproval{}, time.Time{}, fmt.Errorf("%w: approval %s expired at %s", ErrApprovalExpired, approval.ID, approval.ExpiresAt.Format(time.RFC3339))
	}
	return approval, now, nil
}

func (s *approvalService) expire(ctx context.Context, approval PendingApproval, now time.Time) (PendingApproval, error) {
	next := approval
	next.State = domain.ApprovalStateExpired
	next.ResolvedAt = &now
	next.Version = approval.Version + 1
	next.UpdatedAt = now
	if err := s.approvals.Update(ctx, next, approval.Version); err != nil {
		return PendingApproval{}, mapApprovalRepositoryError(err)
	}
	s.logger(ctx, eventApprovalExpired, map[string]any{
		"approvalId": next.ID,
		"orderId":    next.OrderID,
	})
	return next, nil
}

// void rejects an approved request whose transition is no longer valid.
func (s *approvalService) void(ctx context.Context, approval PendingApproval, reason string) (PendingApproval, error) {
	now := s.clock()
	next := approval
	next.State = domain.ApprovalStateRejected
	next.Note = textutil.SanitizeNote("transition no longer valid: "+reason, textutil.DefaultNoteLength)
	next.ResolvedAt = &now
	next.Version = approval.Version + 1
	next.UpdatedAt = now
	if err := s.approvals.Update(ctx, next, approval.Version); err != nil {
		return PendingApproval{}, mapApprovalRepositoryError(err)
	}
	s.logger(ctx, eventApprovalVoided, map[string]any{
		"approvalId": next.ID,
		"orderId":    next.OrderID,
		"reason":     reason,
	})
	return next, nil
}

func (s *approvalService) cancelExpiry(ctx context.Context, approvalID string, now time.Time) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.Cancel(ctx, domain.ApprovalExpiryJobID(approvalID), now); err != nil {
		s.logger(ctx, "approval.expiry.cancel.failed", map[string]any{
			"approvalId": approvalID,
			"error":      err.Error(),
		})
	}
}

func matchingRole(actor Actor, required []string) string {
	for _, want := range required {
		if actor.HasAnyRole(want) {
			return want
		}
	}
	return ""
}
