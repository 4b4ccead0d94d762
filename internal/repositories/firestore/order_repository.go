package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/orderflow/internal/domain"
	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository stores order aggregates with version-checked updates.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs the Firestore order store.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	return r.orders.Create(ctx, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	const op = "orders.update"
	ref, err := r.orders.Doc(ctx, order.ID)
	if err != nil {
		return err
	}
	next := newOrderDocument(order)
	return r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		stored, err := pfirestore.Decode[orderDocument](snap)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return pfirestore.Conflict(op, fmt.Sprintf("order %s version is %d, expected %d", order.ID, stored.Version, expectedVersion))
		}
		if err := repositories.ValidateHistoryAppend(op, stored.toDomain().History, order.History); err != nil {
			return err
		}
		return tx.Set(ref, next)
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(), nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository: user id is required")
	}
	token, err := pfirestore.DecodePageToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = 20
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", filter.UserID)
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("id", firestore.Desc)
		if token.After != "" {
			q = q.StartAfter(token.After)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == size {
			page.NextPageToken = pfirestore.EncodePageToken(docs[size-1].ID)
			break
		}
		page.Items = append(page.Items, doc.toDomain())
	}
	return page, nil
}

type orderDocument struct {
	ID              string                 `firestore:"id"`
	OrderNumber     string                 `firestore:"orderNumber"`
	UserID          string                 `firestore:"userId"`
	Status          string                 `firestore:"status"`
	Currency        string                 `firestore:"currency"`
	Totals          orderTotalsDocument    `firestore:"totals"`
	Items           []orderLineDocument    `firestore:"items"`
	ShippingAddress addressDocument        `firestore:"shippingAddress"`
	Contact         contactDocument        `firestore:"contact"`
	Payment         *paymentRefDocument    `firestore:"payment,omitempty"`
	TrackingRef     *string                `firestore:"trackingRef,omitempty"`
	History         []historyEntryDocument `firestore:"history"`
	Flags           orderFlagsDocument     `firestore:"flags"`
	CancelReason    *string                `firestore:"cancelReason,omitempty"`
	FailureReason   *string                `firestore:"failureReason,omitempty"`
	Version         int64                  `firestore:"version"`
	CreatedAt       time.Time              `firestore:"createdAt"`
	UpdatedAt       time.Time              `firestore:"updatedAt"`
	PaidAt          *time.Time             `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time             `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time             `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time             `firestore:"cancelledAt,omitempty"`
	FailedAt        *time.Time             `firestore:"failedAt,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type orderLineDocument struct {
	ID        string `firestore:"id"`
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type contactDocument struct {
	Email  string `firestore:"email"`
	Locale string `firestore:"locale,omitempty"`
}

type paymentRefDocument struct {
	Provider      string `firestore:"provider"`
	TransactionID string `firestore:"transactionId"`
}

type historyEntryDocument struct {
	Status string    `firestore:"status"`
	At     time.Time `firestore:"at"`
	Reason string    `firestore:"reason,omitempty"`
	Actor  string    `firestore:"actor"`
}

type orderFlagsDocument struct {
	ManualReview bool   `firestore:"manualReview"`
	ReviewReason string `firestore:"reviewReason,omitempty"`
}

func newOrderDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		ID:          o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Status:      string(o.Status),
		Currency:    o.Currency,
		Totals: orderTotalsDocument{
			Subtotal: o.Totals.Subtotal,
			Shipping: o.Totals.Shipping,
			Tax:      o.Totals.Tax,
			Total:    o.Totals.Total,
		},
		ShippingAddress: addressDocument(o.ShippingAddress),
		Contact:         contactDocument(o.Contact),
		TrackingRef:     o.TrackingRef,
		Flags:           orderFlagsDocument(o.Flags),
		CancelReason:    o.CancelReason,
		FailureReason:   o.FailureReason,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt.UTC(),
		UpdatedAt:       o.UpdatedAt.UTC(),
		PaidAt:          utcPtr(o.PaidAt),
		ShippedAt:       utcPtr(o.ShippedAt),
		DeliveredAt:     utcPtr(o.DeliveredAt),
		CancelledAt:     utcPtr(o.CancelledAt),
		FailedAt:        utcPtr(o.FailedAt),
	}
	for _, item := range o.Items {
		doc.Items = append(doc.Items, orderLineDocument(item))
	}
	for _, entry := range o.History {
		doc.History = append(doc.History, historyEntryDocument{
			Status: string(entry.Status),
			At:     entry.At.UTC(),
			Reason: entry.Reason,
			Actor:  entry.Actor,
		})
	}
	if o.Payment != nil {
		ref := paymentRefDocument(*o.Payment)
		doc.Payment = &ref
	}
	return doc
}

func (d orderDocument) toDomain() domain.Order {
	order := domain.Order{
		ID:          d.ID,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		Currency:    d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		ShippingAddress: domain.Address(d.ShippingAddress),
		Contact:         domain.Contact(d.Contact),
		TrackingRef:     d.TrackingRef,
		Flags:           domain.OrderFlags(d.Flags),
		CancelReason:    d.CancelReason,
		FailureReason:   d.FailureReason,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		PaidAt:          utcPtr(d.PaidAt),
		ShippedAt:       utcPtr(d.ShippedAt),
		DeliveredAt:     utcPtr(d.DeliveredAt),
		CancelledAt:     utcPtr(d.CancelledAt),
		FailedAt:        utcPtr(d.FailedAt),
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem(item))
	}
	for _, entry := range d.History {
		order.History = append(order.History, domain.StatusHistoryEntry{
			Status: domain.OrderStatus(entry.Status),
			At:     entry.At.UTC(),
			Reason: entry.Reason,
			Actor:  entry.Actor,
		})
	}
	if d.Payment != nil {
		ref := domain.PaymentReference(*d.Payment)
		order.Payment = &ref
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
