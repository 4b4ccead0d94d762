package firestore

import (
	"context"
	"errors"
	"sort"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/orderflow/internal/domain"
	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/repositories"
)

const scheduledJobsCollection = "scheduledJobs"

// ScheduledJobRepository keeps durable jobs in Firestore. Claims are leased per document
// inside a transaction so concurrent runners never execute the same job twice within a lease.
type ScheduledJobRepository struct {
	provider *pfirestore.Provider
	jobs     *pfirestore.Collection[scheduledJobDocument]
}

var _ repositories.ScheduledJobRepository = (*ScheduledJobRepository)(nil)

// NewScheduledJobRepository constructs the Firestore job store.
func NewScheduledJobRepository(provider *pfirestore.Provider) (*ScheduledJobRepository, error) {
	if provider == nil {
		return nil, errors.New("scheduled job repository requires firestore provider")
	}
	return &ScheduledJobRepository{
		provider: provider,
		jobs:     pfirestore.NewCollection[scheduledJobDocument](provider, scheduledJobsCollection),
	}, nil
}

type scheduledJobDocument struct {
	ID          string              `firestore:"id"`
	Kind        string              `firestore:"kind"`
	OrderID     string              `firestore:"orderId,omitempty"`
	Target      string              `firestore:"target,omitempty"`
	ApprovalID  string              `firestore:"approvalId,omitempty"`
	Payment     *paymentRefDocument `firestore:"payment,omitempty"`
	Amount      int64               `firestore:"amount"`
	Currency    string              `firestore:"currency,omitempty"`
	Reason      string              `firestore:"reason,omitempty"`
	RunAt       time.Time           `firestore:"runAt"`
	State       string              `firestore:"state"`
	Attempts    int                 `firestore:"attempts"`
	MaxAttempts int                 `firestore:"maxAttempts"`
	LeaseUntil  *time.Time          `firestore:"leaseUntil,omitempty"`
	LastError   string              `firestore:"lastError,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
}

func (r *ScheduledJobRepository) Schedule(ctx context.Context, job domain.ScheduledJob) (domain.ScheduledJob, bool, error) {
	if job.State == "" {
		job.State = domain.JobStatePending
	}
	err := r.jobs.Create(ctx, job.ID, newScheduledJobDocument(job))
	if err == nil {
		return job, true, nil
	}
	if !pfirestore.IsAlreadyExists(err) {
		return domain.ScheduledJob{}, false, err
	}
	existing, err := r.FindByID(ctx, job.ID)
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	return existing, false, nil
}

func (r *ScheduledJobRepository) FindByID(ctx context.Context, jobID string) (domain.ScheduledJob, error) {
	doc, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	return doc.toDomain(), nil
}

func (r *ScheduledJobRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.ScheduledJob, error) {
	if limit <= 0 {
		limit = 25
	}
	now = now.UTC()
	pending, err := r.jobs.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("state", "==", string(domain.JobStatePending)).
			Where("runAt", "<=", now).
			OrderBy("runAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	stale, err := r.jobs.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("state", "==", string(domain.JobStateRunning)).
			Where("leaseUntil", "<=", now).
			OrderBy("leaseUntil", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	candidates := append(pending, stale...)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].RunAt.Equal(candidates[j].RunAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].RunAt.Before(candidates[j].RunAt)
	})

	leaseUntil := now.Add(lease)
	claimed := make([]domain.ScheduledJob, 0, limit)
	for _, candidate := range candidates {
		if len(claimed) == limit {
			break
		}
		job, ok, err := r.claim(ctx, candidate.ID, now, leaseUntil)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// claim leases one job if it is still claimable; another runner may have taken it since the query.
func (r *ScheduledJobRepository) claim(ctx context.Context, jobID string, now, leaseUntil time.Time) (domain.ScheduledJob, bool, error) {
	ref, err := r.jobs.Doc(ctx, jobID)
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	var (
		out     domain.ScheduledJob
		claimed bool
	)
	err = r.provider.RunTransaction(ctx, "scheduledJobs.claim", func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[scheduledJobDocument](snap)
		if err != nil {
			return err
		}
		switch domain.JobState(doc.State) {
		case domain.JobStatePending:
			if doc.RunAt.After(now) {
				return nil
			}
		case domain.JobStateRunning:
			if doc.LeaseUntil == nil || doc.LeaseUntil.After(now) {
				return nil
			}
		default:
			return nil
		}
		doc.State = string(domain.JobStateRunning)
		doc.Attempts++
		doc.LeaseUntil = &leaseUntil
		doc.UpdatedAt = now
		out = doc.toDomain()
		claimed = true
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.ScheduledJob{}, false, err
	}
	return out, claimed, nil
}

func (r *ScheduledJobRepository) Complete(ctx context.Context, jobID string, state domain.JobState, note string, now time.Time) error {
	return r.update(ctx, "scheduledJobs.complete", jobID, []firestore.Update{
		{Path: "state", Value: string(state)},
		{Path: "lastError", Value: note},
		{Path: "leaseUntil", Value: firestore.Delete},
		{Path: "updatedAt", Value: now.UTC()},
	})
}

func (r *ScheduledJobRepository) Reschedule(ctx context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error {
	return r.update(ctx, "scheduledJobs.reschedule", jobID, []firestore.Update{
		{Path: "state", Value: string(domain.JobStatePending)},
		{Path: "runAt", Value: runAt.UTC()},
		{Path: "lastError", Value: lastErr},
		{Path: "leaseUntil", Value: firestore.Delete},
		{Path: "updatedAt", Value: now.UTC()},
	})
}

func (r *ScheduledJobRepository) Cancel(ctx context.Context, jobID string, now time.Time) error {
	ref, err := r.jobs.Doc(ctx, jobID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, "scheduledJobs.cancel", func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return nil
			}
			return err
		}
		doc, err := pfirestore.Decode[scheduledJobDocument](snap)
		if err != nil {
			return err
		}
		if doc.toDomain().Finished() {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "state", Value: string(domain.JobStateCancelled)},
			{Path: "leaseUntil", Value: firestore.Delete},
			{Path: "updatedAt", Value: now.UTC()},
		})
	})
}

func (r *ScheduledJobRepository) update(ctx context.Context, op, jobID string, updates []firestore.Update) error {
	ref, err := r.jobs.Doc(ctx, jobID)
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		return pfirestore.WrapError(op, err)
	}
	return nil
}

func newScheduledJobDocument(j domain.ScheduledJob) scheduledJobDocument {
	doc := scheduledJobDocument{
		ID:          j.ID,
		Kind:        string(j.Kind),
		OrderID:     j.OrderID,
		Target:      string(j.Target),
		ApprovalID:  j.ApprovalID,
		Amount:      j.Amount,
		Currency:    j.Currency,
		Reason:      j.Reason,
		RunAt:       j.RunAt.UTC(),
		State:       string(j.State),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LeaseUntil:  utcPtr(j.LeaseUntil),
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt.UTC(),
		UpdatedAt:   j.UpdatedAt.UTC(),
	}
	if j.Payment != nil {
		ref := paymentRefDocument(*j.Payment)
		doc.Payment = &ref
	}
	return doc
}

func (d scheduledJobDocument) toDomain() domain.ScheduledJob {
	job := domain.ScheduledJob{
		ID:          d.ID,
		Kind:        domain.JobKind(d.Kind),
		OrderID:     d.OrderID,
		Target:      domain.OrderStatus(d.Target),
		ApprovalID:  d.ApprovalID,
		Amount:      d.Amount,
		Currency:    d.Currency,
		Reason:      d.Reason,
		RunAt:       d.RunAt.UTC(),
		State:       domain.JobState(d.State),
		Attempts:    d.Attempts,
		MaxAttempts: d.MaxAttempts,
		LeaseUntil:  utcPtr(d.LeaseUntil),
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
	if d.Payment != nil {
		ref := domain.PaymentReference(*d.Payment)
		job.Payment = &ref
	}
	return job
}
