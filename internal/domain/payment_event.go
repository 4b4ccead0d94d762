package domain

import "time"

// PaymentEventType is the normalized provider event kind.
type PaymentEventType string

const (
	PaymentEventCreated    PaymentEventType = "created"
	PaymentEventProcessing PaymentEventType = "processing"
	PaymentEventSucceeded  PaymentEventType = "succeeded"
	PaymentEventFailed     PaymentEventType = "failed"
	PaymentEventCanceled   PaymentEventType = "canceled"
	PaymentEventDisputed   PaymentEventType = "disputed"
	PaymentEventRefunded   PaymentEventType = "refunded"
)

// PaymentEventOutcome records what reconciliation did with an event.
type PaymentEventOutcome string

const (
	// PaymentOutcomeProcessed drove (or confirmed) an order transition.
	PaymentOutcomeProcessed PaymentEventOutcome = "processed"
	// PaymentOutcomeIgnored could not apply and will never apply (unknown order, invalid transition).
	PaymentOutcomeIgnored PaymentEventOutcome = "ignored"
	// PaymentOutcomeFlagged marked the order for manual review.
	PaymentOutcomeFlagged PaymentEventOutcome = "flagged"
	// PaymentOutcomeRecorded was kept for audit only.
	PaymentOutcomeRecorded PaymentEventOutcome = "recorded"
)

// PaymentEvent is the persisted record of one provider notification.
type PaymentEvent struct {
	ID            string
	Provider      string
	EventID       string
	Type          PaymentEventType
	ProviderType  string
	OrderID       string
	TransactionID string
	Amount        int64
	Currency      string
	Raw           []byte
	Outcome       PaymentEventOutcome
	Note          string
	Retries       int
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
}

// Processed reports whether reconciliation already recorded an outcome.
func (e PaymentEvent) Processed() bool {
	return e.Outcome != ""
}

// PaymentEventID builds the deduplication key for a provider event.
func PaymentEventID(provider, eventID string) string {
	return provider + ":" + eventID
}
