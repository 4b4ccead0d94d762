package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/orderflow/internal/domain"
	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/repositories"
)

const approvalsCollection = "approvals"

// ApprovalRepository persists pending approvals.
type ApprovalRepository struct {
	provider  *pfirestore.Provider
	approvals *pfirestore.Collection[approvalDocument]
}

var _ repositories.ApprovalRepository = (*ApprovalRepository)(nil)

// NewApprovalRepository constructs the Firestore approval store.
func NewApprovalRepository(provider *pfirestore.Provider) (*ApprovalRepository, error) {
	if provider == nil {
		return nil, errors.New("approval repository requires firestore provider")
	}
	return &ApprovalRepository{
		provider:  provider,
		approvals: pfirestore.NewCollection[approvalDocument](provider, approvalsCollection),
	}, nil
}

type approvalDocument struct {
	ID                string                 `firestore:"id"`
	OrderID           string                 `firestore:"orderId"`
	From              string                 `firestore:"from"`
	To                string                 `firestore:"to"`
	Reason            string                 `firestore:"reason,omitempty"`
	RequestedBy       string                 `firestore:"requestedBy"`
	RequiredRoles     []string               `firestore:"requiredRoles"`
	RequiredApprovals int                    `firestore:"requiredApprovals"`
	Approvals         []approvalVoteDocument `firestore:"approvals"`
	State             string                 `firestore:"state"`
	Note              string                 `firestore:"note,omitempty"`
	ExpiresAt         time.Time              `firestore:"expiresAt"`
	ResolvedAt        *time.Time             `firestore:"resolvedAt,omitempty"`
	ResolvedBy        *string                `firestore:"resolvedBy,omitempty"`
	Version           int64                  `firestore:"version"`
	CreatedAt         time.Time              `firestore:"createdAt"`
	UpdatedAt         time.Time              `firestore:"updatedAt"`
}

type approvalVoteDocument struct {
	ActorID string    `firestore:"actorId"`
	Role    string    `firestore:"role"`
	Comment string    `firestore:"comment,omitempty"`
	At      time.Time `firestore:"at"`
}

func (r *ApprovalRepository) Insert(ctx context.Context, approval domain.PendingApproval) error {
	err := r.approvals.Create(ctx, approval.ID, newApprovalDocument(approval))
	if pfirestore.IsAlreadyExists(err) {
		return pfirestore.Conflict("approvals.insert", "approval "+approval.ID+" already exists")
	}
	return err
}

func (r *ApprovalRepository) Update(ctx context.Context, approval domain.PendingApproval, expectedVersion int64) error {
	const op = "approvals.update"
	ref, err := r.approvals.Doc(ctx, approval.ID)
	if err != nil {
		return err
	}
	next := newApprovalDocument(approval)
	return r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		stored, err := pfirestore.Decode[approvalDocument](snap)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return pfirestore.Conflict(op, fmt.Sprintf("approval %s version is %d, expected %d", approval.ID, stored.Version, expectedVersion))
		}
		return tx.Set(ref, next)
	})
}

func (r *ApprovalRepository) FindByID(ctx context.Context, approvalID string) (domain.PendingApproval, error) {
	doc, err := r.approvals.Get(ctx, approvalID)
	if err != nil {
		return domain.PendingApproval{}, err
	}
	return doc.toDomain(), nil
}

func (r *ApprovalRepository) FindPending(ctx context.Context, orderID string, to domain.OrderStatus) (domain.PendingApproval, error) {
	docs, err := r.approvals.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).
			Where("to", "==", string(to)).
			Where("state", "==", string(domain.ApprovalStatePending)).
			Limit(1)
	})
	if err != nil {
		return domain.PendingApproval{}, err
	}
	if len(docs) == 0 {
		return domain.PendingApproval{}, pfirestore.NotFound("approvals.findPending", "no pending approval for order "+orderID)
	}
	return docs[0].toDomain(), nil
}

func (r *ApprovalRepository) List(ctx context.Context, filter repositories.ApprovalListFilter) (domain.CursorPage[domain.PendingApproval], error) {
	token, err := pfirestore.DecodePageToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.PendingApproval]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = 20
	}
	docs, err := r.approvals.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.OrderID != "" {
			q = q.Where("orderId", "==", filter.OrderID)
		}
		if len(filter.State) > 0 {
			states := make([]string, 0, len(filter.State))
			for _, s := range filter.State {
				states = append(states, string(s))
			}
			q = q.Where("state", "in", states)
		}
		q = q.OrderBy("id", firestore.Asc)
		if token.After != "" {
			q = q.StartAfter(token.After)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.PendingApproval]{}, err
	}
	page := domain.CursorPage[domain.PendingApproval]{}
	for i, doc := range docs {
		if i == size {
			page.NextPageToken = pfirestore.EncodePageToken(docs[size-1].ID)
			break
		}
		page.Items = append(page.Items, doc.toDomain())
	}
	return page, nil
}

func newApprovalDocument(a domain.PendingApproval) approvalDocument {
	doc := approvalDocument{
		ID:                a.ID,
		OrderID:           a.OrderID,
		From:              string(a.From),
		To:                string(a.To),
		Reason:            a.Reason,
		RequestedBy:       a.RequestedBy,
		RequiredRoles:     append([]string(nil), a.RequiredRoles...),
		RequiredApprovals: a.RequiredApprovals,
		State:             string(a.State),
		Note:              a.Note,
		ExpiresAt:         a.ExpiresAt.UTC(),
		ResolvedAt:        utcPtr(a.ResolvedAt),
		ResolvedBy:        a.ResolvedBy,
		Version:           a.Version,
		CreatedAt:         a.CreatedAt.UTC(),
		UpdatedAt:         a.UpdatedAt.UTC(),
	}
	for _, vote := range a.Approvals {
		doc.Approvals = append(doc.Approvals, approvalVoteDocument{
			ActorID: vote.ActorID,
			Role:    vote.Role,
			Comment: vote.Comment,
			At:      vote.At.UTC(),
		})
	}
	return doc
}

func (d approvalDocument) toDomain() domain.PendingApproval {
	out := domain.PendingApproval{
		ID:                d.ID,
		OrderID:           d.OrderID,
		From:              domain.OrderStatus(d.From),
		To:                domain.OrderStatus(d.To),
		Reason:            d.Reason,
		RequestedBy:       d.RequestedBy,
		RequiredRoles:     append([]string(nil), d.RequiredRoles...),
		RequiredApprovals: d.RequiredApprovals,
		State:             domain.ApprovalState(d.State),
		Note:              d.Note,
		ExpiresAt:         d.ExpiresAt.UTC(),
		ResolvedAt:        utcPtr(d.ResolvedAt),
		ResolvedBy:        d.ResolvedBy,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
	for _, vote := range d.Approvals {
		out.Approvals = append(out.Approvals, domain.ApprovalVote{
			ActorID: vote.ActorID,
			Role:    vote.Role,
			Comment: vote.Comment,
			At:      vote.At.UTC(),
		})
	}
	return out
}
