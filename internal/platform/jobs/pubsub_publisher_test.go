package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/storefront/orderflow/internal/domain"
	"github.com/storefront/orderflow/internal/services"
)

func newTestTopics(t *testing.T, names ...string) (*pstest.Server, map[string]*pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topics := make(map[string]*pubsub.Topic, len(names))
	for _, name := range names {
		topic, err := client.CreateTopic(ctx, name)
		if err != nil {
			t.Fatalf("CreateTopic %s: %v", name, err)
		}
		topics[name] = topic
	}
	return srv, topics
}

func TestPubSubOrderPublisherPublishesOrderEvent(t *testing.T) {
	srv, topics := newTestTopics(t, "order-events")
	publisher, err := NewPubSubOrderPublisher(PubSubTopics{OrderEvents: topics["order-events"]})
	if err != nil {
		t.Fatalf("NewPubSubOrderPublisher: %v", err)
	}

	event := services.OrderEvent{
		Type:           services.OrderEventStatusChanged,
		OrderID:        "ord_1",
		OrderNumber:    "SF-2026-000001",
		PreviousStatus: domain.OrderStatusPending,
		CurrentStatus:  domain.OrderStatusPaid,
		ActorID:        "provider:stripe",
		Version:        2,
		OccurredAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := publisher.PublishOrderEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.OrderEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.CurrentStatus != domain.OrderStatusPaid {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if messages[0].Attributes["currentStatus"] != "paid" {
		t.Fatalf("expected status attribute, got %v", messages[0].Attributes)
	}
	if messages[0].OrderingKey != "ord_1" {
		t.Fatalf("expected ordering key ord_1, got %q", messages[0].OrderingKey)
	}
}

func TestPubSubOrderPublisherRoutesNotificationsAndCartCommands(t *testing.T) {
	srv, topics := newTestTopics(t, "order-events", "notifications", "cart-commands")
	publisher, err := NewPubSubOrderPublisher(PubSubTopics{
		OrderEvents:   topics["order-events"],
		Notifications: topics["notifications"],
		CartCommands:  topics["cart-commands"],
	})
	if err != nil {
		t.Fatalf("NewPubSubOrderPublisher: %v", err)
	}
	ctx := context.Background()

	if err := publisher.PublishNotification(ctx, services.OrderNotification{
		NotificationID: "ntf_ord_1_paid",
		Template:       "order.paid",
		OrderID:        "ord_1",
		Email:          "buyer@example.com",
		Locale:         "en-US",
	}); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}
	if err := publisher.PublishCartClear(ctx, services.CartClearCommand{CommandID: "cart_ord_1", UserID: "u1", OrderID: "ord_1"}); err != nil {
		t.Fatalf("PublishCartClear: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	seen := map[string]string{}
	for _, msg := range messages {
		seen[msg.Attributes["idempotencyKey"]] = msg.Attributes["template"] + msg.Attributes["command"]
	}
	if seen["ntf_ord_1_paid"] != "order.paid" {
		t.Fatalf("expected notification message, got %v", seen)
	}
	if seen["cart_ord_1"] != "cart.clear" {
		t.Fatalf("expected cart clear message, got %v", seen)
	}
}

func TestPubSubOrderPublisherSkipsMissingOptionalTopics(t *testing.T) {
	srv, topics := newTestTopics(t, "order-events")
	publisher, err := NewPubSubOrderPublisher(PubSubTopics{OrderEvents: topics["order-events"]})
	if err != nil {
		t.Fatalf("NewPubSubOrderPublisher: %v", err)
	}
	if err := publisher.PublishCartClear(context.Background(), services.CartClearCommand{UserID: "u1"}); err != nil {
		t.Fatalf("PublishCartClear: %v", err)
	}
	if got := len(srv.Messages()); got != 0 {
		t.Fatalf("expected no messages, got %d", got)
	}
}

func TestNewPubSubOrderPublisherRequiresEventsTopic(t *testing.T) {
	if _, err := NewPubSubOrderPublisher(PubSubTopics{}); err == nil {
		t.Fatal("expected error without order events topic")
	}
}
