package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/platform/textutil"
	"github.com/storefront/orderflow/internal/repositories"
)

const (
	approvalIDPrefix = "apr_"

	defaultJobMaxAttempts = 8

	eventTransitionApplied   = "order.transition.applied"
	eventTransitionDenied    = "order.transition.denied"
	eventTransitionRetry     = "order.transition.retry"
	eventCompensationFailed  = "order.compensation.failed"
	eventCompensationSkipped = "order.compensation.skipped"
	eventApprovalRequested   = "order.approval.requested"
	eventOrderFlagged        = "order.review.flagged"
	eventJobScheduleFailed   = "order.job.schedule.failed"
	eventCommitUncompensated = "order.commit.uncompensated"
)

// errVersionConflict signals that the order changed between load and update.
var errVersionConflict = errors.New("order: version conflict")

// TransitionMetrics records transition attempts.
type TransitionMetrics interface {
	RecordTransition(ctx context.Context, from, to, outcome string)
}

// OrderLifecycleServiceDeps bundles the collaborators required to construct the lifecycle engine.
type OrderLifecycleServiceDeps struct {
	Orders         repositories.OrderRepository
	Approvals      repositories.ApprovalRepository
	Jobs           repositories.ScheduledJobRepository
	Inventory      InventoryService
	Events         OrderEventPublisher
	Metrics        TransitionMetrics
	Policy         LifecyclePolicy
	JobMaxAttempts int
	// Backoff paces retries after version conflicts. The zero value uses gax defaults.
	Backoff     gax.Backoff
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderLifecycleService struct {
	orders         repositories.OrderRepository
	approvals      repositories.ApprovalRepository
	jobs           repositories.ScheduledJobRepository
	inventory      InventoryService
	notifier       orderNotifier
	metrics        TransitionMetrics
	policy         LifecyclePolicy
	jobMaxAttempts int
	backoff        gax.Backoff
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewOrderLifecycleService wires dependencies into the lifecycle engine.
func NewOrderLifecycleService(deps OrderLifecycleServiceDeps) (OrderLifecycleService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order lifecycle service: order repository is required")
	}
	if deps.Approvals == nil {
		return nil, errors.New("order lifecycle service: approval repository is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("order lifecycle service: scheduled job repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order lifecycle service: inventory service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	maxAttempts := deps.JobMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultJobMaxAttempts
	}
	backoff := deps.Backoff
	if backoff.Initial <= 0 {
		backoff.Initial = 25 * time.Millisecond
	}
	if backoff.Max <= 0 {
		backoff.Max = 500 * time.Millisecond
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = 2
	}

	return &orderLifecycleService{
		orders:         deps.Orders,
		approvals:      deps.Approvals,
		jobs:           deps.Jobs,
		inventory:      deps.Inventory,
		notifier:       orderNotifier{publisher: deps.Events, logger: logger},
		metrics:        deps.Metrics,
		policy:         deps.Policy.withDefaults(),
		jobMaxAttempts: maxAttempts,
		backoff:        backoff,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderLifecycleService) RequestTransition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	return s.transition(ctx, cmd, false)
}

func (s *orderLifecycleService) ExecuteApproved(ctx context.Context, approval PendingApproval, approver Actor) (TransitionResult, error) {
	if approval.State != domain.ApprovalStateApproved {
		return TransitionResult{}, fmt.Errorf("%w: approval %s is %s", ErrOrderInvalidInput, approval.ID, approval.State)
	}
	cmd := TransitionCommand{
		OrderID:  approval.OrderID,
		Target:   approval.To,
		Actor:    approver,
		Reason:   approval.Reason,
		Evidence: TransitionEvidence{ApprovalID: approval.ID},
	}
	return s.transition(ctx, cmd, true)
}

func (s *orderLifecycleService) FlagForReview(ctx context.Context, cmd FlagForReviewCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := textutil.SanitizeNote(cmd.Reason, textutil.DefaultNoteLength)
	if reason == "" {
		return Order{}, fmt.Errorf("%w: review reason is required", ErrOrderInvalidInput)
	}

	bo := s.backoff
	for attempt := 0; ; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, mapOrderRepositoryError(err)
		}
		if order.Flags.ManualReview && order.Flags.ReviewReason == reason {
			return order, nil
		}

		now := s.clock()
		next := order
		next.History = order.CloneHistory()
		next.Flags = domain.OrderFlags{ManualReview: true, ReviewReason: reason}
		next.Version = order.Version + 1
		next.UpdatedAt = now

		err = s.orders.Update(ctx, next, order.Version)
		if err == nil {
			s.logger(ctx, eventOrderFlagged, map[string]any{
				"orderId": order.ID,
				"status":  string(order.Status),
				"actor":   cmd.Actor.String(),
				"reason":  reason,
			})
			return next, nil
		}
		if !isConflict(err) {
			return Order{}, mapOrderRepositoryError(err)
		}
		if attempt >= s.policy.MaxConcurrencyRetries {
			return Order{}, fmt.Errorf("%w: order %s", ErrConcurrentModification, order.ID)
		}
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return Order{}, err
		}
	}
}

func (s *orderLifecycleService) transition(ctx context.Context, cmd TransitionCommand, approved bool) (TransitionResult, error) {
	cmd.OrderID = strings.TrimSpace(cmd.OrderID)
	if cmd.OrderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Target.Valid() {
		return TransitionResult{}, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, cmd.Target)
	}
	cmd.Reason = textutil.SanitizeNote(cmd.Reason, textutil.DefaultNoteLength)
	cmd.Evidence.TrackingRef = strings.TrimSpace(cmd.Evidence.TrackingRef)

	bo := s.backoff
	for attempt := 0; ; attempt++ {
		order, err := s.orders.FindByID(ctx, cmd.OrderID)
		if err != nil {
			return TransitionResult{}, mapOrderRepositoryError(err)
		}

		result, err := s.attempt(ctx, order, cmd, approved)
		if !errors.Is(err, errVersionConflict) {
			return result, err
		}
		if attempt >= s.policy.MaxConcurrencyRetries {
			s.record(ctx, order.Status, cmd.Target, "conflict")
			return TransitionResult{}, fmt.Errorf("%w: order %s changed %d times while transitioning to %s",
				ErrConcurrentModification, order.ID, attempt+1, cmd.Target)
		}
		s.logger(ctx, eventTransitionRetry, map[string]any{
			"orderId": order.ID,
			"target":  string(cmd.Target),
			"attempt": attempt + 1,
		})
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return TransitionResult{}, err
		}
	}
}

// attempt runs one load-evaluate-apply-update cycle against a freshly loaded order.
func (s *orderLifecycleService) attempt(ctx context.Context, order Order, cmd TransitionCommand, approved bool) (TransitionResult, error) {
	from := order.Status
	if from == cmd.Target {
		s.record(ctx, from, cmd.Target, string(OutcomeUnchanged))
		return TransitionResult{Outcome: OutcomeUnchanged, Order: order}, nil
	}

	now := s.clock()
	tc, err := s.transitionContext(ctx, order, cmd, approved, now)
	if err != nil {
		return TransitionResult{}, err
	}

	decision := EvaluateTransition(from, cmd.Target, tc)
	if decision.NeedsApproval {
		return s.requestApproval(ctx, order, cmd, decision, now)
	}
	if !decision.Allow {
		s.record(ctx, from, cmd.Target, "denied")
		s.logger(ctx, eventTransitionDenied, map[string]any{
			"orderId": order.ID,
			"from":    string(from),
			"to":      string(cmd.Target),
			"actor":   cmd.Actor.String(),
			"reason":  decision.DenyReason,
		})
		return TransitionResult{}, &TransitionError{From: from, To: cmd.Target, Reason: decision.DenyReason}
	}

	var undo compensations
	for _, effect := range decision.SideEffects {
		if err := s.applyEffect(ctx, effect, order, cmd, now, &undo); err != nil {
			undo.run(ctx, s.logger, order.ID)
			s.record(ctx, from, cmd.Target, "failed")
			return TransitionResult{}, err
		}
	}

	next := s.nextOrder(order, cmd, now)
	if err := s.orders.Update(ctx, next, order.Version); err != nil {
		if isConflict(err) {
			s.compensateConflict(ctx, order, cmd.Target, &undo)
			return TransitionResult{}, errVersionConflict
		}
		undo.run(ctx, s.logger, order.ID)
		s.record(ctx, from, cmd.Target, "failed")
		return TransitionResult{}, mapOrderRepositoryError(err)
	}

	s.record(ctx, from, cmd.Target, string(OutcomeApplied))
	s.logger(ctx, eventTransitionApplied, map[string]any{
		"orderId": next.ID,
		"from":    string(from),
		"to":      string(next.Status),
		"actor":   cmd.Actor.String(),
		"version": next.Version,
	})
	s.notifier.statusChanged(ctx, next, from, cmd.Actor, cmd.Reason, now)
	return TransitionResult{Outcome: OutcomeApplied, Order: next}, nil
}

// compensateConflict undoes this attempt's effects after losing a version race. Ledger and job
// keys are shared by every attempt on the order, so when the winner already reached target the
// effects belong to its committed state and are kept.
func (s *orderLifecycleService) compensateConflict(ctx context.Context, order Order, target OrderStatus, undo *compensations) {
	latest, err := s.orders.FindByID(ctx, order.ID)
	if err == nil && latest.Status == target {
		s.logger(ctx, eventCompensationSkipped, map[string]any{
			"orderId": order.ID,
			"target":  string(target),
			"version": latest.Version,
		})
		return
	}
	undo.run(ctx, s.logger, order.ID)
}

func (s *orderLifecycleService) transitionContext(ctx context.Context, order Order, cmd TransitionCommand, approved bool, now time.Time) (TransitionContext, error) {
	ev := cmd.Evidence
	tc := TransitionContext{
		Now:               now,
		CreatedAt:         order.CreatedAt,
		ShippedAt:         order.ShippedAt,
		Actor:             cmd.Actor,
		PaymentConfirmed:  ev.PaymentConfirmed && paymentMatches(order.Payment, ev.Payment),
		PaymentFailed:     ev.PaymentFailed && paymentMatches(order.Payment, ev.Payment),
		RefundRequired:    ev.RefundRequired,
		TrackingRef:       ev.TrackingRef,
		DeliveryConfirmed: ev.DeliveryConfirmed,
		RetryAuthorized:   ev.RetryAuthorized,
		Approved:          approved,
		Policy:            s.policy.guardPolicy(),
	}

	if order.Status == domain.OrderStatusPaid && cmd.Target == domain.OrderStatusProcessing {
		ok, err := s.inventory.ReservedSufficient(ctx, OrderStockLines(order))
		if err != nil {
			return TransitionContext{}, err
		}
		tc.ReservedStockSufficient = ok
	}

	if !approved && ev.ApprovalID != "" {
		approval, err := s.approvals.FindByID(ctx, ev.ApprovalID)
		if err != nil && !isNotFound(err) {
			return TransitionContext{}, mapApprovalRepositoryError(err)
		}
		if err == nil && approval.State == domain.ApprovalStateApproved &&
			approval.OrderID == order.ID && approval.From == order.Status && approval.To == cmd.Target {
			tc.Approved = true
		}
	}
	return tc, nil
}

// paymentMatches reports whether the evidence refers to the order's recorded payment.
// An order without a recorded payment accepts any confirmed payment.
func paymentMatches(current, evidence *PaymentReference) bool {
	if current == nil || evidence == nil || evidence.TransactionID == "" {
		return true
	}
	if evidence.Provider != "" && current.Provider != "" && evidence.Provider != current.Provider {
		return false
	}
	return current.TransactionID == "" || current.TransactionID == evidence.TransactionID
}

func (s *orderLifecycleService) applyEffect(ctx context.Context, effect SideEffect, order Order, cmd TransitionCommand, now time.Time, undo *compensations) error {
	switch effect {
	case SideEffectReserveStock:
		applied, err := s.inventory.Reserve(ctx, OrderStockLines(order))
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			undo.push("release_stock", func(ctx context.Context) error {
				_, err := s.inventory.Release(ctx, applied)
				return err
			})
		}
	case SideEffectReleaseStock:
		applied, err := s.inventory.Release(ctx, OrderStockLines(order))
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			undo.push("reserve_stock", func(ctx context.Context) error {
				_, err := s.inventory.Reserve(ctx, applied)
				return err
			})
		}
	case SideEffectCommitStock:
		applied, err := s.inventory.Commit(ctx, OrderStockLines(order))
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			undo.push("commit_stock", func(ctx context.Context) error {
				s.logger(ctx, eventCommitUncompensated, map[string]any{
					"orderId": order.ID,
					"lines":   len(applied),
				})
				return nil
			})
		}
	case SideEffectScheduleRefund:
		payment := order.Payment
		if cmd.Evidence.Payment != nil && cmd.Evidence.Payment.TransactionID != "" {
			payment = cmd.Evidence.Payment
		}
		if payment == nil || payment.TransactionID == "" {
			s.logger(ctx, "order.refund.skipped", map[string]any{
				"orderId": order.ID,
				"reason":  "order has no payment reference",
			})
			return nil
		}
		ref := *payment
		job := domain.ScheduledJob{
			ID:          domain.RefundJobID(order.ID, ref),
			Kind:        domain.JobKindRefund,
			OrderID:     order.ID,
			Payment:     &ref,
			Amount:      order.Totals.Total,
			Currency:    order.Currency,
			Reason:      cmd.Reason,
			RunAt:       now,
			MaxAttempts: s.jobMaxAttempts,
		}
		return s.schedule(ctx, job, now, undo)
	case SideEffectScheduleAutoDelivery:
		job := domain.ScheduledJob{
			ID:          domain.AutoTransitionJobID(order.ID, domain.OrderStatusDelivered),
			Kind:        domain.JobKindAutoTransition,
			OrderID:     order.ID,
			Target:      domain.OrderStatusDelivered,
			Reason:      "automatic delivery confirmation",
			RunAt:       now.Add(s.policy.AutoDeliverAfter),
			MaxAttempts: s.jobMaxAttempts,
		}
		return s.schedule(ctx, job, now, undo)
	default:
		return fmt.Errorf("order lifecycle: unknown side effect %q", effect)
	}
	return nil
}

func (s *orderLifecycleService) schedule(ctx context.Context, job domain.ScheduledJob, now time.Time, undo *compensations) error {
	job.State = domain.JobStatePending
	job.CreatedAt = now
	job.UpdatedAt = now
	_, created, err := s.jobs.Schedule(ctx, job)
	if err != nil {
		return fmt.Errorf("order lifecycle: schedule %s job: %w", job.Kind, err)
	}
	if created {
		id := job.ID
		undo.push("cancel_job", func(ctx context.Context) error {
			return s.jobs.Cancel(ctx, id, s.clock())
		})
	}
	return nil
}

// nextOrder builds the updated aggregate. History is appended, never rewritten.
func (s *orderLifecycleService) nextOrder(order Order, cmd TransitionCommand, now time.Time) Order {
	at := now
	if last, ok := order.LastHistory(); ok && at.Before(last.At) {
		at = last.At
	}

	next := order
	next.History = append(order.CloneHistory(), StatusHistoryEntry{
		Status: cmd.Target,
		At:     at,
		Reason: cmd.Reason,
		Actor:  cmd.Actor.String(),
	})
	next.Status = cmd.Target
	next.Version = order.Version + 1
	next.UpdatedAt = at

	ev := cmd.Evidence
	switch cmd.Target {
	case domain.OrderStatusPaid:
		next.PaidAt = &at
		if ev.Payment != nil && ev.Payment.TransactionID != "" {
			ref := *ev.Payment
			next.Payment = &ref
		}
	case domain.OrderStatusShipped:
		next.ShippedAt = &at
		tracking := ev.TrackingRef
		next.TrackingRef = &tracking
	case domain.OrderStatusDelivered:
		next.DeliveredAt = &at
	case domain.OrderStatusCancelled:
		next.CancelledAt = &at
		if cmd.Reason != "" {
			reason := cmd.Reason
			next.CancelReason = &reason
		}
	case domain.OrderStatusFailed:
		next.FailedAt = &at
		if cmd.Reason != "" {
			reason := cmd.Reason
			next.FailureReason = &reason
		}
	case domain.OrderStatusPending:
		next.FailedAt = nil
		next.FailureReason = nil
		if ev.Payment != nil && ev.Payment.TransactionID != "" {
			ref := *ev.Payment
			next.Payment = &ref
		}
	}
	return next
}

func (s *orderLifecycleService) requestApproval(ctx context.Context, order Order, cmd TransitionCommand, decision TransitionDecision, now time.Time) (TransitionResult, error) {
	existing, err := s.approvals.FindPending(ctx, order.ID, cmd.Target)
	switch {
	case err == nil && !existing.Expired(now):
		s.record(ctx, order.Status, cmd.Target, string(OutcomeApprovalRequired))
		return TransitionResult{Outcome: OutcomeApprovalRequired, Order: order, Approval: &existing}, nil
	case err == nil:
		if err := s.expireApproval(ctx, existing, now); err != nil {
			return TransitionResult{}, err
		}
	case !isNotFound(err):
		return TransitionResult{}, mapApprovalRepositoryError(err)
	}

	approval := PendingApproval{
		ID:                approvalIDPrefix + s.newID(),
		OrderID:           order.ID,
		From:              order.Status,
		To:                cmd.Target,
		Reason:            cmd.Reason,
		RequestedBy:       cmd.Actor.String(),
		RequiredRoles:     append([]string(nil), decision.RequiredRoles...),
		RequiredApprovals: s.policy.RequiredApprovals,
		State:             domain.ApprovalStatePending,
		ExpiresAt:         now.Add(s.policy.ApprovalTTL),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.approvals.Insert(ctx, approval); err != nil {
		return TransitionResult{}, mapApprovalRepositoryError(err)
	}

	job := domain.ScheduledJob{
		ID:          domain.ApprovalExpiryJobID(approval.ID),
		Kind:        domain.JobKindApprovalExpiry,
		OrderID:     order.ID,
		ApprovalID:  approval.ID,
		RunAt:       approval.ExpiresAt,
		State:       domain.JobStatePending,
		MaxAttempts: s.jobMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, _, err := s.jobs.Schedule(ctx, job); err != nil {
		// Votes still check ExpiresAt, so a missing expiry job only delays the state change.
		s.logger(ctx, eventJobScheduleFailed, map[string]any{
			"orderId":    order.ID,
			"approvalId": approval.ID,
			"error":      err.Error(),
		})
	}

	s.record(ctx, order.Status, cmd.Target, string(OutcomeApprovalRequired))
	s.logger(ctx, eventApprovalRequested, map[string]any{
		"orderId":    order.ID,
		"approvalId": approval.ID,
		"from":       string(order.Status),
		"to":         string(cmd.Target),
		"actor":      cmd.Actor.String(),
	})
	return TransitionResult{Outcome: OutcomeApprovalRequired, Order: order, Approval: &approval}, nil
}

func (s *orderLifecycleService) expireApproval(ctx context.Context, approval PendingApproval, now time.Time) error {
	next := approval
	next.State = domain.ApprovalStateExpired
	next.ResolvedAt = &now
	next.Version = approval.Version + 1
	next.UpdatedAt = now
	if err := s.approvals.Update(ctx, next, approval.Version); err != nil && !isConflict(err) {
		return mapApprovalRepositoryError(err)
	}
	return nil
}

func (s *orderLifecycleService) record(ctx context.Context, from, to OrderStatus, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordTransition(ctx, string(from), string(to), outcome)
}

type compensation struct {
	name string
	fn   func(context.Context) error
}

// compensations is a stack of undo steps run in reverse order.
type compensations []compensation

func (c *compensations) push(name string, fn func(context.Context) error) {
	*c = append(*c, compensation{name: name, fn: fn})
}

// run unwinds every step even when the caller's context is done.
func (c compensations) run(ctx context.Context, logger func(context.Context, string, map[string]any), orderID string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(ctx); err != nil {
			logger(ctx, eventCompensationFailed, map[string]any{
				"orderId": orderID,
				"step":    c[i].name,
				"error":   err.Error(),
			})
		}
	}
}
