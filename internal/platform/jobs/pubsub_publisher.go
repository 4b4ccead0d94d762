package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/storefront/orderflow/internal/services"
)

// PubSubOrderPublisher publishes post-commit order messages to three topics: order events,
// customer notifications and cart commands. Messages for one order share an ordering key.
type PubSubOrderPublisher struct {
	events        *pubsub.Topic
	notifications *pubsub.Topic
	carts         *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// PubSubTopics names the topics used by the publisher.
type PubSubTopics struct {
	OrderEvents   *pubsub.Topic
	Notifications *pubsub.Topic
	CartCommands  *pubsub.Topic
}

var _ services.OrderEventPublisher = (*PubSubOrderPublisher)(nil)

// NewPubSubOrderPublisher constructs the publisher. The order events topic is required; the
// other two are optional and skipped when nil.
func NewPubSubOrderPublisher(topics PubSubTopics) (*PubSubOrderPublisher, error) {
	if topics.OrderEvents == nil {
		return nil, errors.New("pubsub order publisher: order events topic is required")
	}
	for _, topic := range []*pubsub.Topic{topics.OrderEvents, topics.Notifications, topics.CartCommands} {
		if topic != nil {
			topic.EnableMessageOrdering = true
		}
	}
	return &PubSubOrderPublisher{
		events:        topics.OrderEvents,
		notifications: topics.Notifications,
		carts:         topics.CartCommands,
		marshal:       json.Marshal,
	}, nil
}

// PublishOrderEvent emits an order status change.
func (p *PubSubOrderPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "previousStatus", string(event.PreviousStatus))
	setAttr(attrs, "currentStatus", string(event.CurrentStatus))
	_, err := p.publish(ctx, p.events, "order event", event.OrderID, event, attrs)
	return err
}

// PublishNotification enqueues a customer notification.
func (p *PubSubOrderPublisher) PublishNotification(ctx context.Context, notification services.OrderNotification) error {
	if p.notifications == nil {
		return nil
	}
	attrs := make(map[string]string)
	setAttr(attrs, "template", notification.Template)
	setAttr(attrs, "orderId", notification.OrderID)
	setAttr(attrs, "locale", notification.Locale)
	setAttr(attrs, "idempotencyKey", notification.NotificationID)
	_, err := p.publish(ctx, p.notifications, "notification", notification.OrderID, notification, attrs)
	return err
}

// PublishCartClear asks the cart service to empty the customer's cart.
func (p *PubSubOrderPublisher) PublishCartClear(ctx context.Context, cmd services.CartClearCommand) error {
	if p.carts == nil {
		return nil
	}
	attrs := make(map[string]string)
	setAttr(attrs, "command", "cart.clear")
	setAttr(attrs, "userId", cmd.UserID)
	setAttr(attrs, "idempotencyKey", cmd.CommandID)
	_, err := p.publish(ctx, p.carts, "cart command", cmd.OrderID, cmd, attrs)
	return err
}

func (p *PubSubOrderPublisher) publish(ctx context.Context, topic *pubsub.Topic, label, orderingKey string, payload any, attrs map[string]string) (string, error) {
	if p == nil || topic == nil {
		return "", fmt.Errorf("pubsub order publisher: %s topic not initialised", label)
	}
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", label, err)
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(orderingKey),
	})
	id, err := result.Get(ctx)
	if err != nil {
		// A failed publish pauses the ordering key until resumed.
		if orderingKey != "" {
			topic.ResumePublish(orderingKey)
		}
		return "", fmt.Errorf("publish %s: %w", label, err)
	}
	return id, nil
}

// Stop flushes pending messages on every topic.
func (p *PubSubOrderPublisher) Stop() {
	for _, topic := range []*pubsub.Topic{p.events, p.notifications, p.carts} {
		if topic != nil {
			topic.Stop()
		}
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
