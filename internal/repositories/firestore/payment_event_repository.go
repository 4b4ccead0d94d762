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

const paymentEventsCollection = "paymentEvents"

// PaymentEventRepository stores provider events under their "<provider>:<eventID>" id so
// Create doubles as the deduplication check.
type PaymentEventRepository struct {
	provider *pfirestore.Provider
	events   *pfirestore.Collection[paymentEventDocument]
}

var _ repositories.PaymentEventRepository = (*PaymentEventRepository)(nil)

// NewPaymentEventRepository constructs the Firestore event store.
func NewPaymentEventRepository(provider *pfirestore.Provider) (*PaymentEventRepository, error) {
	if provider == nil {
		return nil, errors.New("payment event repository requires firestore provider")
	}
	return &PaymentEventRepository{
		provider: provider,
		events:   pfirestore.NewCollection[paymentEventDocument](provider, paymentEventsCollection),
	}, nil
}

type paymentEventDocument struct {
	ID            string     `firestore:"id"`
	Provider      string     `firestore:"provider"`
	EventID       string     `firestore:"eventId"`
	Type          string     `firestore:"type"`
	ProviderType  string     `firestore:"providerType,omitempty"`
	OrderID       string     `firestore:"orderId,omitempty"`
	TransactionID string     `firestore:"transactionId,omitempty"`
	Amount        int64      `firestore:"amount"`
	Currency      string     `firestore:"currency,omitempty"`
	Raw           []byte     `firestore:"raw,omitempty"`
	Outcome       string     `firestore:"outcome,omitempty"`
	Note          string     `firestore:"note,omitempty"`
	Retries       int        `firestore:"retries"`
	ReceivedAt    time.Time  `firestore:"receivedAt"`
	ProcessedAt   *time.Time `firestore:"processedAt,omitempty"`
}

func (r *PaymentEventRepository) Insert(ctx context.Context, event domain.PaymentEvent) error {
	err := r.events.Create(ctx, event.ID, newPaymentEventDocument(event))
	if pfirestore.IsAlreadyExists(err) {
		return pfirestore.Conflict("paymentEvents.insert", "payment event "+event.ID+" already recorded")
	}
	return err
}

func (r *PaymentEventRepository) FindByID(ctx context.Context, id string) (domain.PaymentEvent, error) {
	doc, err := r.events.Get(ctx, id)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	return doc.toDomain(), nil
}

func (r *PaymentEventRepository) IncrementRetries(ctx context.Context, id string) (domain.PaymentEvent, error) {
	ref, err := r.events.Doc(ctx, id)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	var out domain.PaymentEvent
	err = r.provider.RunTransaction(ctx, "paymentEvents.retry", func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[paymentEventDocument](snap)
		if err != nil {
			return err
		}
		doc.Retries++
		out = doc.toDomain()
		return tx.Update(ref, []firestore.Update{{Path: "retries", Value: doc.Retries}})
	})
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	return out, nil
}

func (r *PaymentEventRepository) MarkProcessed(ctx context.Context, id string, result repositories.PaymentEventResult) error {
	const op = "paymentEvents.markProcessed"
	ref, err := r.events.Doc(ctx, id)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[paymentEventDocument](snap)
		if err != nil {
			return err
		}
		if doc.Outcome != "" {
			return pfirestore.Conflict(op, fmt.Sprintf("payment event %s already processed as %s", id, doc.Outcome))
		}
		updates := []firestore.Update{
			{Path: "outcome", Value: string(result.Outcome)},
			{Path: "note", Value: result.Note},
			{Path: "processedAt", Value: result.ProcessedAt.UTC()},
		}
		if result.OrderID != "" {
			updates = append(updates, firestore.Update{Path: "orderId", Value: result.OrderID})
		}
		return tx.Update(ref, updates)
	})
}

func newPaymentEventDocument(e domain.PaymentEvent) paymentEventDocument {
	return paymentEventDocument{
		ID:            e.ID,
		Provider:      e.Provider,
		EventID:       e.EventID,
		Type:          string(e.Type),
		ProviderType:  e.ProviderType,
		OrderID:       e.OrderID,
		TransactionID: e.TransactionID,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Raw:           e.Raw,
		Outcome:       string(e.Outcome),
		Note:          e.Note,
		Retries:       e.Retries,
		ReceivedAt:    e.ReceivedAt.UTC(),
		ProcessedAt:   utcPtr(e.ProcessedAt),
	}
}

func (d paymentEventDocument) toDomain() domain.PaymentEvent {
	return domain.PaymentEvent{
		ID:            d.ID,
		Provider:      d.Provider,
		EventID:       d.EventID,
		Type:          domain.PaymentEventType(d.Type),
		ProviderType:  d.ProviderType,
		OrderID:       d.OrderID,
		TransactionID: d.TransactionID,
		Amount:        d.Amount,
		Currency:      d.Currency,
		Raw:           d.Raw,
		Outcome:       domain.PaymentEventOutcome(d.Outcome),
		Note:          d.Note,
		Retries:       d.Retries,
		ReceivedAt:    d.ReceivedAt.UTC(),
		ProcessedAt:   utcPtr(d.ProcessedAt),
	}
}
