package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/payments"
	"github.com/storefront/orderflow/internal/repositories"
)

const (
	defaultJobLease      = 2 * time.Minute
	defaultJobRetryDelay = 30 * time.Second
	maxJobRetryDelay     = time.Hour
	defaultJobBatchSize  = 25

	schedulerActorID = "scheduler"
)

// JobMetrics records job executions.
type JobMetrics interface {
	RecordJob(ctx context.Context, kind, state string)
}

// ScheduledJobRunnerDeps bundles the collaborators required to construct a job runner.
type ScheduledJobRunnerDeps struct {
	Jobs        repositories.ScheduledJobRepository
	Lifecycle   OrderLifecycleService
	Approvals   ApprovalService
	Payments    PaymentGateway
	Metrics     JobMetrics
	Lease       time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type scheduledJobRunner struct {
	jobs        repositories.ScheduledJobRepository
	lifecycle   OrderLifecycleService
	approvals   ApprovalService
	payments    PaymentGateway
	metrics     JobMetrics
	lease       time.Duration
	retryDelay  time.Duration
	maxAttempts int
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewScheduledJobRunner wires dependencies into a concrete ScheduledJobRunner implementation.
func NewScheduledJobRunner(deps ScheduledJobRunnerDeps) (ScheduledJobRunner, error) {
	if deps.Jobs == nil {
		return nil, errors.New("job runner: scheduled job repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("job runner: lifecycle service is required")
	}
	if deps.Approvals == nil {
		return nil, errors.New("job runner: approval service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("job runner: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	runner := &scheduledJobRunner{
		jobs:        deps.Jobs,
		lifecycle:   deps.Lifecycle,
		approvals:   deps.Approvals,
		payments:    deps.Payments,
		metrics:     deps.Metrics,
		lease:       deps.Lease,
		retryDelay:  deps.RetryDelay,
		maxAttempts: deps.MaxAttempts,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
	if runner.lease <= 0 {
		runner.lease = defaultJobLease
	}
	if runner.retryDelay <= 0 {
		runner.retryDelay = defaultJobRetryDelay
	}
	if runner.maxAttempts <= 0 {
		runner.maxAttempts = defaultJobMaxAttempts
	}
	return runner, nil
}

// jobOutcome is the final state a handler chose for a job.
type jobOutcome struct {
	state domain.JobState
	note  string
}

func (r *scheduledJobRunner) RunDue(ctx context.Context, limit int) (JobRunSummary, error) {
	if limit <= 0 {
		limit = defaultJobBatchSize
	}
	claimed, err := r.jobs.ClaimDue(ctx, r.clock(), r.lease, limit)
	if err != nil {
		return JobRunSummary{}, fmt.Errorf("job runner: claim due jobs: %w", err)
	}

	summary := JobRunSummary{Claimed: len(claimed)}
	for _, job := range claimed {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome, runErr := r.run(ctx, job)
		now := r.clock()
		if runErr != nil {
			if job.Attempts >= r.attemptLimit(job) {
				outcome = jobOutcome{state: domain.JobStateFailed, note: runErr.Error()}
			} else {
				runAt := now.Add(r.delay(job.Attempts))
				if err := r.jobs.Reschedule(ctx, job.ID, runAt, runErr.Error(), now); err != nil {
					r.logger(ctx, "job.reschedule.failed", map[string]any{"jobId": job.ID, "error": err.Error()})
					continue
				}
				summary.Rescheduled++
				r.record(ctx, job.Kind, "retry")
				r.logger(ctx, "job.retry", map[string]any{
					"jobId":    job.ID,
					"kind":     string(job.Kind),
					"attempts": job.Attempts,
					"runAt":    runAt,
					"error":    runErr.Error(),
				})
				continue
			}
		}

		if err := r.jobs.Complete(ctx, job.ID, outcome.state, outcome.note, now); err != nil {
			r.logger(ctx, "job.complete.failed", map[string]any{"jobId": job.ID, "error": err.Error()})
			continue
		}
		switch outcome.state {
		case domain.JobStateDone:
			summary.Done++
		case domain.JobStateSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
		r.record(ctx, job.Kind, string(outcome.state))
		r.logger(ctx, "job."+string(outcome.state), map[string]any{
			"jobId":   job.ID,
			"kind":    string(job.Kind),
			"orderId": job.OrderID,
			"note":    outcome.note,
		})
	}
	return summary, nil
}

func (r *scheduledJobRunner) run(ctx context.Context, job ScheduledJob) (jobOutcome, error) {
	switch job.Kind {
	case domain.JobKindAutoTransition:
		return r.runAutoTransition(ctx, job)
	case domain.JobKindRefund:
		return r.runRefund(ctx, job)
	case domain.JobKindApprovalExpiry:
		return r.runApprovalExpiry(ctx, job)
	default:
		return jobOutcome{state: domain.JobStateFailed, note: fmt.Sprintf("unknown job kind %q", job.Kind)}, nil
	}
}

func (r *scheduledJobRunner) runAutoTransition(ctx context.Context, job ScheduledJob) (jobOutcome, error) {
	result, err := r.lifecycle.RequestTransition(ctx, TransitionCommand{
		OrderID: job.OrderID,
		Target:  job.Target,
		Actor:   domain.SystemActor(schedulerActorID),
		Reason:  job.Reason,
	})
	switch {
	case err == nil && result.Outcome == OutcomeApplied:
		return jobOutcome{state: domain.JobStateDone}, nil
	case err == nil:
		return jobOutcome{state: domain.JobStateSkipped, note: fmt.Sprintf("order is %s", result.Order.Status)}, nil
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrUnknownOrder):
		return jobOutcome{state: domain.JobStateSkipped, note: err.Error()}, nil
	default:
		return jobOutcome{}, err
	}
}

func (r *scheduledJobRunner) runRefund(ctx context.Context, job ScheduledJob) (jobOutcome, error) {
	if job.Payment == nil || job.Payment.TransactionID == "" {
		return jobOutcome{state: domain.JobStateSkipped, note: "no payment to refund"}, nil
	}
	req := payments.RefundRequest{
		TransactionID:  job.Payment.TransactionID,
		Reason:         "requested_by_customer",
		IdempotencyKey: job.ID,
		Metadata:       map[string]string{"order_id": job.OrderID},
	}
	if job.Amount > 0 {
		amount := job.Amount
		req.Amount = &amount
	}
	refund, err := r.payments.Refund(ctx, job.Payment.Provider, req)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return jobOutcome{state: domain.JobStateFailed, note: err.Error()}, nil
		}
		return jobOutcome{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return jobOutcome{state: domain.JobStateDone, note: "refund " + refund.ID}, nil
}

func (r *scheduledJobRunner) runApprovalExpiry(ctx context.Context, job ScheduledJob) (jobOutcome, error) {
	approval, err := r.approvals.Expire(ctx, job.ApprovalID)
	if err != nil {
		if errors.Is(err, ErrApprovalNotFound) {
			return jobOutcome{state: domain.JobStateSkipped, note: err.Error()}, nil
		}
		return jobOutcome{}, err
	}
	if approval.State != domain.ApprovalStateExpired {
		return jobOutcome{state: domain.JobStateSkipped, note: "approval is " + string(approval.State)}, nil
	}
	return jobOutcome{state: domain.JobStateDone}, nil
}

func (r *scheduledJobRunner) attemptLimit(job ScheduledJob) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return r.maxAttempts
}

// delay doubles the retry delay per attempt up to maxJobRetryDelay.
func (r *scheduledJobRunner) delay(attempts int) time.Duration {
	d := r.retryDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxJobRetryDelay {
			return maxJobRetryDelay
		}
	}
	return d
}

func (r *scheduledJobRunner) record(ctx context.Context, kind domain.JobKind, state string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordJob(ctx, string(kind), state)
}
