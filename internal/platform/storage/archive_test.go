package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

type fakeWriter struct {
	objects map[string][]byte
	meta    map[string]map[string]string
	err     error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeWriter) WriteIfAbsent(_ context.Context, bucket, object string, data []byte, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	key := bucket + "/" + object
	if _, ok := f.objects[key]; ok {
		return ErrObjectExists
	}
	f.objects[key] = append([]byte(nil), data...)
	f.meta[key] = metadata
	return nil
}

func TestWebhookObjectPath(t *testing.T) {
	received := time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("JST", 9*3600))
	path, err := WebhookObjectPath("Stripe", "evt_123", received)
	if err != nil {
		t.Fatalf("WebhookObjectPath: %v", err)
	}
	if path != "webhooks/stripe/2026/03/02/evt_123.json" {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := WebhookObjectPath("stripe", "../evt", received); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := WebhookObjectPath("stripe", "evt_1", time.Time{}); err == nil {
		t.Fatal("expected missing timestamp to be rejected")
	}
}

func TestArchivePaymentEventIsIdempotent(t *testing.T) {
	writer := newFakeWriter()
	archive, err := NewWebhookArchive(writer, "orderflow-webhooks")
	if err != nil {
		t.Fatalf("NewWebhookArchive: %v", err)
	}
	received := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	loc, err := archive.ArchivePaymentEvent(ctx, "stripe", "evt_1", []byte(`{"id":"evt_1"}`), received)
	if err != nil {
		t.Fatalf("ArchivePaymentEvent: %v", err)
	}
	if loc != "gs://orderflow-webhooks/webhooks/stripe/2026/03/02/evt_1.json" {
		t.Fatalf("unexpected location %s", loc)
	}
	if _, err := archive.ArchivePaymentEvent(ctx, "stripe", "evt_1", []byte(`{"id":"evt_1"}`), received); err != nil {
		t.Fatalf("re-archive should succeed, got %v", err)
	}
	meta := writer.meta["orderflow-webhooks/webhooks/stripe/2026/03/02/evt_1.json"]
	if meta["eventId"] != "evt_1" || meta["provider"] != "stripe" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestArchivePaymentEventPropagatesWriteErrors(t *testing.T) {
	writer := newFakeWriter()
	writer.err = errors.New("bucket unavailable")
	archive, _ := NewWebhookArchive(writer, "bucket")
	if _, err := archive.ArchivePaymentEvent(context.Background(), "stripe", "evt_1", []byte("{}"), time.Now()); err == nil {
		t.Fatal("expected write error")
	}
}

func TestClassifyWriteErrorMapsPreconditionFailed(t *testing.T) {
	err := classifyWriteError(&googleapi.Error{Code: http.StatusPreconditionFailed})
	if !errors.Is(err, ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}
	if classifyWriteError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}
