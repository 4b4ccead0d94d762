package domain

import "time"

// ReservationStatus tracks the lifecycle of a ledger reservation.
type ReservationStatus string

const (
	// ReservationStatusReserved holds stock out of the available bucket.
	ReservationStatusReserved ReservationStatus = "reserved"
	// ReservationStatusReleased returned its quantity to available.
	ReservationStatusReleased ReservationStatus = "released"
	// ReservationStatusCommitted permanently deducted its quantity.
	ReservationStatusCommitted ReservationStatus = "committed"
)

// InventoryRecord represents per-product stock buckets.
type InventoryRecord struct {
	ProductID string
	Total     int
	Available int
	Reserved  int
	UpdatedAt time.Time
}

// Consistent reports whether the buckets satisfy the ledger invariants.
func (r InventoryRecord) Consistent() bool {
	return r.Available >= 0 && r.Reserved >= 0 && r.Available+r.Reserved <= r.Total
}

// StockReservation is a ledger entry keyed by order id and line item id.
type StockReservation struct {
	Key         string
	OrderID     string
	ProductID   string
	Quantity    int
	Status      ReservationStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ReleasedAt  *time.Time
	CommittedAt *time.Time
}

// Active reports whether the reservation still holds stock.
func (r StockReservation) Active() bool {
	return r.Status == ReservationStatusReserved
}
