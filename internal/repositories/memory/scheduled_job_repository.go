package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

// ScheduledJobRepository stores durable jobs in memory.
type ScheduledJobRepository struct {
	mu   sync.Mutex
	jobs map[string]domain.ScheduledJob
}

var _ repositories.ScheduledJobRepository = (*ScheduledJobRepository)(nil)

// NewScheduledJobRepository constructs an empty job store.
func NewScheduledJobRepository() *ScheduledJobRepository {
	return &ScheduledJobRepository{jobs: make(map[string]domain.ScheduledJob)}
}

func (r *ScheduledJobRepository) Schedule(_ context.Context, job domain.ScheduledJob) (domain.ScheduledJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.jobs[job.ID]; ok {
		return existing, false, nil
	}
	if job.State == "" {
		job.State = domain.JobStatePending
	}
	r.jobs[job.ID] = job
	return job, true, nil
}

func (r *ScheduledJobRepository) FindByID(_ context.Context, jobID string) (domain.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ScheduledJob{}, repositories.NewNotFoundError("memory.jobs.find", "job "+jobID+" not found")
	}
	return job, nil
}

func (r *ScheduledJobRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]domain.ScheduledJob, 0)
	for _, job := range r.jobs {
		switch job.State {
		case domain.JobStatePending:
			if job.RunAt.After(now) {
				continue
			}
		case domain.JobStateRunning:
			if job.LeaseUntil == nil || job.LeaseUntil.After(now) {
				continue
			}
		default:
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.Add(lease)
	for i := range due {
		due[i].State = domain.JobStateRunning
		due[i].Attempts++
		due[i].LeaseUntil = &leaseUntil
		due[i].UpdatedAt = now
		r.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (r *ScheduledJobRepository) Complete(_ context.Context, jobID string, state domain.JobState, note string, now time.Time) error {
	return r.mutate("memory.jobs.complete", jobID, func(job *domain.ScheduledJob) {
		job.State = state
		job.LastError = note
		job.LeaseUntil = nil
		job.UpdatedAt = now
	})
}

func (r *ScheduledJobRepository) Reschedule(_ context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error {
	return r.mutate("memory.jobs.reschedule", jobID, func(job *domain.ScheduledJob) {
		job.State = domain.JobStatePending
		job.RunAt = runAt
		job.LastError = lastErr
		job.LeaseUntil = nil
		job.UpdatedAt = now
	})
}

func (r *ScheduledJobRepository) Cancel(_ context.Context, jobID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Finished() {
		return nil
	}
	job.State = domain.JobStateCancelled
	job.LeaseUntil = nil
	job.UpdatedAt = now
	r.jobs[jobID] = job
	return nil
}

func (r *ScheduledJobRepository) mutate(op, jobID string, fn func(*domain.ScheduledJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repositories.NewNotFoundError(op, "job "+jobID+" not found")
	}
	fn(&job)
	r.jobs[jobID] = job
	return nil
}
