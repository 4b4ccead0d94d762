package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/payments"
	"github.com/storefront/orderflow/internal/repositories"
)

const (
	eventWebhookDuplicate = "payment.webhook.duplicate"
	eventWebhookRejected  = "payment.webhook.signature.ignored"
	eventWebhookReplay    = "payment.webhook.replay"
	eventWebhookReconcile = "payment.webhook.reconciled"
	eventWebhookFailed    = "payment.webhook.failed"
	eventArchiveFailed    = "payment.webhook.archive.failed"
)

// WebhookArchiver keeps raw provider payloads. *storage.WebhookArchive implements it.
type WebhookArchiver interface {
	ArchivePaymentEvent(ctx context.Context, provider, eventID string, raw []byte, receivedAt time.Time) (string, error)
}

// PaymentEventMetrics records reconciler outcomes.
type PaymentEventMetrics interface {
	RecordPaymentEvent(ctx context.Context, provider, outcome string)
}

// PaymentReconcilerDeps bundles the collaborators required to construct a reconciler.
type PaymentReconcilerDeps struct {
	Events    repositories.PaymentEventRepository
	Lifecycle OrderLifecycleService
	Payments  PaymentGateway
	Archive   WebhookArchiver
	Metrics   PaymentEventMetrics
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	events    repositories.PaymentEventRepository
	lifecycle OrderLifecycleService
	payments  PaymentGateway
	archive   WebhookArchiver
	metrics   PaymentEventMetrics
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewPaymentReconciler wires dependencies into a concrete PaymentReconciler implementation.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Events == nil {
		return nil, errors.New("payment reconciler: payment event repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("payment reconciler: lifecycle service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment reconciler: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentReconciler{
		events:    deps.Events,
		lifecycle: deps.Lifecycle,
		payments:  deps.Payments,
		archive:   deps.Archive,
		metrics:   deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (r *paymentReconciler) SignatureHeader(provider string) (string, error) {
	header, err := r.payments.SignatureHeader(strings.ToLower(strings.TrimSpace(provider)))
	if err != nil {
		return "", mapProviderError(err)
	}
	return header, nil
}

func (r *paymentReconciler) HandleEvent(ctx context.Context, provider string, payload []byte, signature string) (ReconcileResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return ReconcileResult{}, fmt.Errorf("%w: provider is required", ErrUnknownProvider)
	}

	ev, err := r.payments.ParseEvent(provider, payload, signature)
	if err != nil {
		mapped := mapProviderError(err)
		if errors.Is(mapped, ErrInvalidSignature) {
			r.logger(ctx, eventWebhookRejected, map[string]any{
				"provider": provider,
				"error":    err.Error(),
			})
		}
		return ReconcileResult{}, mapped
	}

	id := domain.PaymentEventID(provider, ev.ID)
	record, duplicate, err := r.claim(ctx, provider, ev, payload)
	if err != nil {
		r.logger(ctx, eventWebhookFailed, map[string]any{"eventId": id, "error": err.Error()})
		return ReconcileResult{}, err
	}
	if duplicate {
		r.logger(ctx, eventWebhookDuplicate, map[string]any{"eventId": id, "outcome": string(record.Outcome)})
		return ReconcileResult{
			EventID:   id,
			Outcome:   record.Outcome,
			OrderID:   record.OrderID,
			Note:      record.Note,
			Duplicate: true,
		}, nil
	}

	r.archiveRaw(ctx, provider, ev.ID, payload, record.ReceivedAt)

	outcome, note, err := r.apply(ctx, provider, ev)
	if err != nil {
		r.logger(ctx, eventWebhookFailed, map[string]any{
			"eventId": id,
			"orderId": ev.OrderID,
			"type":    string(ev.Type),
			"error":   err.Error(),
		})
		return ReconcileResult{}, err
	}

	now := r.clock()
	if err := r.events.MarkProcessed(ctx, id, repositories.PaymentEventResult{
		Outcome:     outcome,
		OrderID:     ev.OrderID,
		Note:        note,
		ProcessedAt: now,
	}); err != nil {
		if isConflict(err) {
			if stored, findErr := r.events.FindByID(ctx, id); findErr == nil && stored.Processed() {
				return ReconcileResult{EventID: id, Outcome: stored.Outcome, OrderID: stored.OrderID, Note: stored.Note, Duplicate: true}, nil
			}
		}
		r.logger(ctx, eventWebhookFailed, map[string]any{"eventId": id, "error": err.Error()})
		return ReconcileResult{}, fmt.Errorf("payment reconciler: mark %s processed: %w", id, err)
	}

	if r.metrics != nil {
		r.metrics.RecordPaymentEvent(ctx, provider, string(outcome))
	}
	event := eventWebhookReconcile
	if outcome == domain.PaymentOutcomeIgnored {
		event = eventWebhookReconcile + ".ignored"
	}
	r.logger(ctx, event, map[string]any{
		"eventId": id,
		"orderId": ev.OrderID,
		"type":    string(ev.Type),
		"outcome": string(outcome),
		"note":    note,
	})
	return ReconcileResult{EventID: id, Outcome: outcome, OrderID: ev.OrderID, Note: note}, nil
}

// claim stores the event row before any processing. It reports duplicate when an earlier
// delivery already recorded an outcome; rows left without an outcome are processed again.
func (r *paymentReconciler) claim(ctx context.Context, provider string, ev payments.Event, payload []byte) (PaymentEvent, bool, error) {
	id := domain.PaymentEventID(provider, ev.ID)
	existing, err := r.events.FindByID(ctx, id)
	switch {
	case err == nil:
		return r.replay(ctx, existing)
	case !isNotFound(err):
		return PaymentEvent{}, false, fmt.Errorf("payment reconciler: load %s: %w", id, err)
	}

	record := PaymentEvent{
		ID:            id,
		Provider:      provider,
		EventID:       ev.ID,
		Type:          ev.Type,
		ProviderType:  ev.ProviderType,
		OrderID:       ev.OrderID,
		TransactionID: ev.TransactionID,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		Raw:           append([]byte(nil), payload...),
		ReceivedAt:    r.clock(),
	}
	if err := r.events.Insert(ctx, record); err != nil {
		if !isConflict(err) {
			return PaymentEvent{}, false, fmt.Errorf("payment reconciler: insert %s: %w", id, err)
		}
		existing, findErr := r.events.FindByID(ctx, id)
		if findErr != nil {
			return PaymentEvent{}, false, fmt.Errorf("payment reconciler: load %s: %w", id, findErr)
		}
		return r.replay(ctx, existing)
	}
	return record, false, nil
}

func (r *paymentReconciler) replay(ctx context.Context, existing PaymentEvent) (PaymentEvent, bool, error) {
	if existing.Processed() {
		return existing, true, nil
	}
	updated, err := r.events.IncrementRetries(ctx, existing.ID)
	if err != nil {
		return PaymentEvent{}, false, fmt.Errorf("payment reconciler: record retry for %s: %w", existing.ID, err)
	}
	r.logger(ctx, eventWebhookReplay, map[string]any{"eventId": existing.ID, "retries": updated.Retries})
	return updated, false, nil
}

func (r *paymentReconciler) archiveRaw(ctx context.Context, provider, eventID string, payload []byte, receivedAt time.Time) {
	if r.archive == nil {
		return
	}
	if receivedAt.IsZero() {
		receivedAt = r.clock()
	}
	if _, err := r.archive.ArchivePaymentEvent(ctx, provider, eventID, payload, receivedAt); err != nil {
		r.logger(ctx, eventArchiveFailed, map[string]any{
			"provider": provider,
			"eventId":  eventID,
			"error":    err.Error(),
		})
	}
}

// apply maps a verified event onto the order and returns the outcome to persist.
// A returned error leaves the event unprocessed so the provider's redelivery retries it.
func (r *paymentReconciler) apply(ctx context.Context, provider string, ev payments.Event) (domain.PaymentEventOutcome, string, error) {
	switch ev.Type {
	case domain.PaymentEventCreated, domain.PaymentEventProcessing:
		return domain.PaymentOutcomeRecorded, "", nil
	case domain.PaymentEventSucceeded, domain.PaymentEventFailed, domain.PaymentEventCanceled,
		domain.PaymentEventDisputed, domain.PaymentEventRefunded:
	default:
		return domain.PaymentOutcomeRecorded, fmt.Sprintf("unhandled provider event type %q", ev.ProviderType), nil
	}

	if strings.TrimSpace(ev.OrderID) == "" {
		return domain.PaymentOutcomeIgnored, "event does not reference an order", nil
	}
	actor := Actor{ID: provider, Kind: domain.ActorProvider}
	payment := &PaymentReference{Provider: provider, TransactionID: ev.TransactionID}

	switch ev.Type {
	case domain.PaymentEventSucceeded:
		result, err := r.lifecycle.RequestTransition(ctx, TransitionCommand{
			OrderID:  ev.OrderID,
			Target:   domain.OrderStatusPaid,
			Actor:    actor,
			Reason:   "payment succeeded",
			Evidence: TransitionEvidence{Payment: payment, PaymentConfirmed: true},
		})
		var stockErr *InsufficientStockError
		if errors.As(err, &stockErr) {
			return r.failForStock(ctx, ev, actor, payment, stockErr)
		}
		return classifyTransition(result, err)
	case domain.PaymentEventFailed, domain.PaymentEventCanceled:
		result, err := r.lifecycle.RequestTransition(ctx, TransitionCommand{
			OrderID:  ev.OrderID,
			Target:   domain.OrderStatusFailed,
			Actor:    actor,
			Reason:   "payment " + string(ev.Type),
			Evidence: TransitionEvidence{Payment: payment, PaymentFailed: true},
		})
		return classifyTransition(result, err)
	default:
		_, err := r.lifecycle.FlagForReview(ctx, FlagForReviewCommand{
			OrderID: ev.OrderID,
			Actor:   actor,
			Reason:  fmt.Sprintf("payment %s reported by %s", ev.Type, provider),
		})
		switch {
		case err == nil:
			return domain.PaymentOutcomeFlagged, "", nil
		case errors.Is(err, ErrUnknownOrder):
			return domain.PaymentOutcomeIgnored, "order not found", nil
		default:
			return "", "", err
		}
	}
}

// failForStock fails a paid order whose stock is gone and schedules the refund.
func (r *paymentReconciler) failForStock(ctx context.Context, ev payments.Event, actor Actor, payment *PaymentReference, stockErr *InsufficientStockError) (domain.PaymentEventOutcome, string, error) {
	note := stockErr.Error()
	result, err := r.lifecycle.RequestTransition(ctx, TransitionCommand{
		OrderID:  ev.OrderID,
		Target:   domain.OrderStatusFailed,
		Actor:    actor,
		Reason:   note,
		Evidence: TransitionEvidence{Payment: payment, RefundRequired: true},
	})
	outcome, transitionNote, err := classifyTransition(result, err)
	if err != nil || outcome != domain.PaymentOutcomeProcessed {
		return outcome, transitionNote, err
	}
	return outcome, note, nil
}

func classifyTransition(result TransitionResult, err error) (domain.PaymentEventOutcome, string, error) {
	switch {
	case err == nil && result.Outcome == OutcomeUnchanged:
		return domain.PaymentOutcomeProcessed, "order already " + string(result.Order.Status), nil
	case err == nil:
		return domain.PaymentOutcomeProcessed, "", nil
	case errors.Is(err, ErrUnknownOrder):
		return domain.PaymentOutcomeIgnored, "order not found", nil
	case errors.Is(err, ErrInvalidTransition):
		return domain.PaymentOutcomeIgnored, err.Error(), nil
	default:
		return "", "", err
	}
}

func mapProviderError(err error) error {
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return fmt.Errorf("%w: %v", ErrUnknownProvider, err)
	case errors.Is(err, payments.ErrInvalidSignature):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, payments.ErrMalformedEvent):
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	default:
		return err
	}
}
