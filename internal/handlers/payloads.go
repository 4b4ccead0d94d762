package handlers

import (
	"strings"

	"github.com/storefront/orderflow/internal/services"
)

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNumber     string             `json:"order_number"`
	UserID          string             `json:"user_id"`
	Status          string             `json:"status"`
	Currency        string             `json:"currency"`
	Totals          orderTotalsPayload `json:"totals"`
	Items           []orderItemPayload `json:"items"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	Contact         contactPayload     `json:"contact"`
	Payment         *paymentPayload    `json:"payment,omitempty"`
	TrackingRef     *string            `json:"tracking_ref,omitempty"`
	Flags           *orderFlagsPayload `json:"flags,omitempty"`
	CancelReason    *string            `json:"cancel_reason,omitempty"`
	FailureReason   *string            `json:"failure_reason,omitempty"`
	Version         int64              `json:"version"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	PaidAt          string             `json:"paid_at,omitempty"`
	ShippedAt       string             `json:"shipped_at,omitempty"`
	DeliveredAt     string             `json:"delivered_at,omitempty"`
	CancelledAt     string             `json:"cancelled_at,omitempty"`
	FailedAt        string             `json:"failed_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type contactPayload struct {
	Email  string `json:"email,omitempty"`
	Locale string `json:"locale,omitempty"`
}

type paymentPayload struct {
	Provider      string `json:"provider"`
	TransactionID string `json:"transaction_id"`
}

type orderFlagsPayload struct {
	ManualReview bool   `json:"manual_review"`
	ReviewReason string `json:"review_reason,omitempty"`
}

type historyEntryPayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor"`
}

type historyResponse struct {
	Items []historyEntryPayload `json:"items"`
}

type approvalPayload struct {
	ID                string                `json:"id"`
	OrderID           string                `json:"order_id"`
	From              string                `json:"from"`
	To                string                `json:"to"`
	Reason            string                `json:"reason,omitempty"`
	RequestedBy       string                `json:"requested_by"`
	RequiredRoles     []string              `json:"required_roles"`
	RequiredApprovals int                   `json:"required_approvals"`
	Approvals         []approvalVotePayload `json:"approvals"`
	State             string                `json:"state"`
	Note              string                `json:"note,omitempty"`
	ExpiresAt         string                `json:"expires_at"`
	ResolvedAt        string                `json:"resolved_at,omitempty"`
	ResolvedBy        *string               `json:"resolved_by,omitempty"`
	CreatedAt         string                `json:"created_at"`
}

type approvalVotePayload struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Comment string `json:"comment,omitempty"`
	At      string `json:"at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    strings.ToUpper(order.Currency),
		Total:       order.Totals.Total,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    strings.ToUpper(order.Currency),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Contact:         contactPayload{Email: order.Contact.Email, Locale: order.Contact.Locale},
		TrackingRef:     cloneStringPointer(order.TrackingRef),
		CancelReason:    cloneStringPointer(order.CancelReason),
		FailureReason:   cloneStringPointer(order.FailureReason),
		Version:         order.Version,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTimePtr(order.PaidAt),
		ShippedAt:       formatTimePtr(order.ShippedAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
		FailedAt:        formatTimePtr(order.FailedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.LineTotal(),
		})
	}
	if order.Payment != nil {
		payload.Payment = &paymentPayload{Provider: order.Payment.Provider, TransactionID: order.Payment.TransactionID}
	}
	if order.Flags.ManualReview {
		payload.Flags = &orderFlagsPayload{ManualReview: true, ReviewReason: order.Flags.ReviewReason}
	}
	return payload
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      valueOrEmpty(addr.Line2),
		City:       addr.City,
		State:      valueOrEmpty(addr.State),
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      valueOrEmpty(addr.Phone),
	}
}

func (p addressPayload) toAddress() services.Address {
	return services.Address{
		Recipient:  strings.TrimSpace(p.Recipient),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      optionalString(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      optionalString(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(p.Country)),
		Phone:      optionalString(p.Phone),
	}
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func buildHistoryPayload(history []services.StatusHistoryEntry) []historyEntryPayload {
	out := make([]historyEntryPayload, 0, len(history))
	for _, entry := range history {
		out = append(out, historyEntryPayload{
			Status: string(entry.Status),
			At:     formatTime(entry.At),
			Reason: entry.Reason,
			Actor:  entry.Actor,
		})
	}
	return out
}

func buildApprovalPayload(approval services.PendingApproval) approvalPayload {
	payload := approvalPayload{
		ID:                approval.ID,
		OrderID:           approval.OrderID,
		From:              string(approval.From),
		To:                string(approval.To),
		Reason:            approval.Reason,
		RequestedBy:       approval.RequestedBy,
		RequiredRoles:     append([]string{}, approval.RequiredRoles...),
		RequiredApprovals: approval.RequiredApprovals,
		Approvals:         make([]approvalVotePayload, 0, len(approval.Approvals)),
		State:             string(approval.State),
		Note:              approval.Note,
		ExpiresAt:         formatTime(approval.ExpiresAt),
		ResolvedAt:        formatTimePtr(approval.ResolvedAt),
		ResolvedBy:        cloneStringPointer(approval.ResolvedBy),
		CreatedAt:         formatTime(approval.CreatedAt),
	}
	for _, vote := range approval.Approvals {
		payload.Approvals = append(payload.Approvals, approvalVotePayload{
			ActorID: vote.ActorID,
			Role:    vote.Role,
			Comment: vote.Comment,
			At:      formatTime(vote.At),
		})
	}
	return payload
}
