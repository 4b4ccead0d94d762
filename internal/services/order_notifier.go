package services

import (
	"context"
	"strconv"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
)

// OrderEventStatusChanged is the type of the event published after every applied transition.
const OrderEventStatusChanged = "order.status.changed"

// OrderEventPublisher delivers post-commit messages to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
	PublishNotification(ctx context.Context, notification OrderNotification) error
	PublishCartClear(ctx context.Context, cmd CartClearCommand) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string      `json:"type"`
	OrderID        string      `json:"orderId"`
	OrderNumber    string      `json:"orderNumber,omitempty"`
	UserID         string      `json:"userId,omitempty"`
	PreviousStatus OrderStatus `json:"previousStatus,omitempty"`
	CurrentStatus  OrderStatus `json:"currentStatus"`
	ActorID        string      `json:"actorId,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Version        int64       `json:"version"`
	OccurredAt     time.Time   `json:"occurredAt"`
}

// OrderNotification asks the notification service to message the customer.
type OrderNotification struct {
	NotificationID string      `json:"notificationId"`
	Template       string      `json:"template"`
	OrderID        string      `json:"orderId"`
	OrderNumber    string      `json:"orderNumber,omitempty"`
	UserID         string      `json:"userId,omitempty"`
	Email          string      `json:"email,omitempty"`
	Locale         string      `json:"locale,omitempty"`
	Status         OrderStatus `json:"status,omitempty"`
	TrackingRef    string      `json:"trackingRef,omitempty"`
	OccurredAt     time.Time   `json:"occurredAt"`
}

// CartClearCommand asks the cart service to empty a customer's cart.
type CartClearCommand struct {
	CommandID string    `json:"commandId"`
	UserID    string    `json:"userId"`
	OrderID   string    `json:"orderId"`
	IssuedAt  time.Time `json:"issuedAt"`
}

var notificationTemplates = map[OrderStatus]string{
	domain.OrderStatusPaid:      "order.paid",
	domain.OrderStatusShipped:   "order.shipped",
	domain.OrderStatusDelivered: "order.delivered",
	domain.OrderStatusCancelled: "order.cancelled",
	domain.OrderStatusFailed:    "order.failed",
}

type orderNotifier struct {
	publisher OrderEventPublisher
	logger    func(context.Context, string, map[string]any)
}

// statusChanged publishes everything that follows a committed transition. Failures are logged only.
func (n orderNotifier) statusChanged(ctx context.Context, order Order, previous OrderStatus, actor Actor, reason string, at time.Time) {
	if n.publisher == nil {
		return
	}
	event := OrderEvent{
		Type:           OrderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: previous,
		CurrentStatus:  order.Status,
		ActorID:        actor.String(),
		Reason:         reason,
		Version:        order.Version,
		OccurredAt:     at,
	}
	if err := n.publisher.PublishOrderEvent(ctx, event); err != nil {
		n.failed(ctx, "order.event.publish.failed", order, err)
	}

	if template, ok := notificationTemplates[order.Status]; ok {
		notification := OrderNotification{
			NotificationID: "ntf_" + order.ID + "_" + string(order.Status) + "_v" + strconv.FormatInt(order.Version, 10),
			Template:       template,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			UserID:         order.UserID,
			Email:          order.Contact.Email,
			Locale:         order.Contact.Locale,
			Status:         order.Status,
			OccurredAt:     at,
		}
		if order.TrackingRef != nil {
			notification.TrackingRef = *order.TrackingRef
		}
		if err := n.publisher.PublishNotification(ctx, notification); err != nil {
			n.failed(ctx, "order.notification.publish.failed", order, err)
		}
	}

	if order.Status == domain.OrderStatusPaid && order.UserID != "" {
		cmd := CartClearCommand{
			CommandID: "cart_" + order.ID,
			UserID:    order.UserID,
			OrderID:   order.ID,
			IssuedAt:  at,
		}
		if err := n.publisher.PublishCartClear(ctx, cmd); err != nil {
			n.failed(ctx, "order.cart_clear.publish.failed", order, err)
		}
	}
}

func (n orderNotifier) failed(ctx context.Context, event string, order Order, err error) {
	n.logger(ctx, event, map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"error":   err.Error(),
	})
}
