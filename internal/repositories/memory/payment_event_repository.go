package memory

import (
	"context"
	"slices"
	"sync"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/repositories"
)

// PaymentEventRepository stores provider events keyed by (provider, event id).
type PaymentEventRepository struct {
	mu     sync.Mutex
	events map[string]domain.PaymentEvent
}

var _ repositories.PaymentEventRepository = (*PaymentEventRepository)(nil)

// NewPaymentEventRepository constructs an empty event store.
func NewPaymentEventRepository() *PaymentEventRepository {
	return &PaymentEventRepository{events: make(map[string]domain.PaymentEvent)}
}

func (r *PaymentEventRepository) Insert(_ context.Context, event domain.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[event.ID]; exists {
		return repositories.NewConflictError("memory.paymentEvents.insert", "payment event "+event.ID+" already recorded")
	}
	event.Raw = slices.Clone(event.Raw)
	r.events[event.ID] = event
	return nil
}

func (r *PaymentEventRepository) FindByID(_ context.Context, id string) (domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return domain.PaymentEvent{}, repositories.NewNotFoundError("memory.paymentEvents.find", "payment event "+id+" not found")
	}
	return event, nil
}

func (r *PaymentEventRepository) IncrementRetries(_ context.Context, id string) (domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return domain.PaymentEvent{}, repositories.NewNotFoundError("memory.paymentEvents.retry", "payment event "+id+" not found")
	}
	event.Retries++
	r.events[id] = event
	return event, nil
}

func (r *PaymentEventRepository) MarkProcessed(_ context.Context, id string, result repositories.PaymentEventResult) error {
	const op = "memory.paymentEvents.markProcessed"
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return repositories.NewNotFoundError(op, "payment event "+id+" not found")
	}
	if event.Processed() {
		return repositories.NewConflictError(op, "payment event "+id+" already processed")
	}
	processedAt := result.ProcessedAt
	event.Outcome = result.Outcome
	event.Note = result.Note
	if result.OrderID != "" {
		event.OrderID = result.OrderID
	}
	event.ProcessedAt = &processedAt
	r.events[id] = event
	return nil
}
