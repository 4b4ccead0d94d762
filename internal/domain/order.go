package domain

import (
	"strconv"
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits a payment outcome from the provider.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment succeeded and stock is reserved.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates the order is being prepared for shipment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse with a tracking reference.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed indicates payment failed or the order could not be fulfilled.
	OrderStatusFailed OrderStatus = "failed"
)

// OrderStatuses lists every lifecycle state in declaration order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusFailed,
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Order is the aggregate persisted by the order store and mutated only by the lifecycle engine.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	Currency        string
	Totals          OrderTotals
	Items           []OrderLineItem
	ShippingAddress Address
	Contact         Contact
	Payment         *PaymentReference
	TrackingRef     *string
	History         []StatusHistoryEntry
	Flags           OrderFlags
	CancelReason    *string
	FailureReason   *string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	FailedAt        *time.Time
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Balanced reports whether Total equals Subtotal + Shipping + Tax.
func (t OrderTotals) Balanced() bool {
	return t.Total == t.Subtotal+t.Shipping+t.Tax
}

// OrderLineItem captures a product at the price the customer saw at checkout.
type OrderLineItem struct {
	ID        string
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
}

// LineTotal returns quantity multiplied by unit price.
func (l OrderLineItem) LineTotal() int64 {
	return int64(l.Quantity) * l.UnitPrice
}

// ReservationKey returns the inventory idempotency key for the line item.
func (l OrderLineItem) ReservationKey(orderID string) string {
	return ReservationKey(orderID, l.ID)
}

// ReservationKey joins an order and line item id into a ledger key.
func ReservationKey(orderID, lineItemID string) string {
	return orderID + ":" + lineItemID
}

// LineItemID formats the positional identifier assigned to line items at checkout.
func LineItemID(index int) string {
	return "li_" + strconv.Itoa(index+1)
}

// PaymentReference links an order to the provider transaction that settles it.
type PaymentReference struct {
	Provider      string
	TransactionID string
}

// StatusHistoryEntry is one append-only record of a status change.
type StatusHistoryEntry struct {
	Status OrderStatus
	At     time.Time
	Reason string
	Actor  string
}

// OrderFlags stores indicators requiring operator attention.
type OrderFlags struct {
	ManualReview bool
	ReviewReason string
}

// LastHistory returns the most recent history entry, if any.
func (o Order) LastHistory() (StatusHistoryEntry, bool) {
	if len(o.History) == 0 {
		return StatusHistoryEntry{}, false
	}
	return o.History[len(o.History)-1], true
}

// HistoryConsistent reports whether the history ends in the current status with non-decreasing timestamps.
func (o Order) HistoryConsistent() bool {
	last, ok := o.LastHistory()
	if !ok || last.Status != o.Status {
		return false
	}
	for i := 1; i < len(o.History); i++ {
		if o.History[i].At.Before(o.History[i-1].At) {
			return false
		}
	}
	return true
}

// CloneHistory returns a copy of the status history that callers may not use to mutate the order.
func (o Order) CloneHistory() []StatusHistoryEntry {
	if len(o.History) == 0 {
		return nil
	}
	out := make([]StatusHistoryEntry, len(o.History))
	copy(out, o.History)
	return out
}
