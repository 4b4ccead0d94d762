package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ObjectWriter stores one object unless it already exists. Implementations report an existing
// object with ErrObjectExists.
type ObjectWriter interface {
	WriteIfAbsent(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error
}

// ErrObjectExists signals the object was written before.
var ErrObjectExists = errors.New("storage: object already exists")

// WebhookArchive keeps raw provider payloads for dispute investigation and replay.
type WebhookArchive struct {
	writer ObjectWriter
	bucket string
}

// NewWebhookArchive binds the archive to a bucket.
func NewWebhookArchive(writer ObjectWriter, bucket string) (*WebhookArchive, error) {
	if writer == nil {
		return nil, errors.New("storage archive: writer is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archive: bucket is required")
	}
	return &WebhookArchive{writer: writer, bucket: bucket}, nil
}

// ArchivePaymentEvent writes the raw payload and returns its gs:// location. Re-archiving the same
// event is not an error.
func (a *WebhookArchive) ArchivePaymentEvent(ctx context.Context, provider, eventID string, raw []byte, receivedAt time.Time) (string, error) {
	object, err := WebhookObjectPath(provider, eventID, receivedAt)
	if err != nil {
		return "", err
	}
	metadata := map[string]string{
		"provider":   strings.ToLower(strings.TrimSpace(provider)),
		"eventId":    strings.TrimSpace(eventID),
		"receivedAt": receivedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := a.writer.WriteIfAbsent(ctx, a.bucket, object, raw, metadata); err != nil && !errors.Is(err, ErrObjectExists) {
		return "", fmt.Errorf("storage archive: write %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

// GCSWriter writes objects through the Cloud Storage client.
type GCSWriter struct {
	client *gcs.Client
}

// NewGCSWriter dials Cloud Storage with the provided client options.
func NewGCSWriter(ctx context.Context, opts ...option.ClientOption) (*GCSWriter, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	return &GCSWriter{client: client}, nil
}

// WriteIfAbsent uploads data guarded by a DoesNotExist precondition.
func (w *GCSWriter) WriteIfAbsent(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error {
	if w == nil || w.client == nil {
		return errors.New("storage: client is not initialised")
	}
	handle := w.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true})
	writer := handle.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = metadata
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return classifyWriteError(err)
	}
	return classifyWriteError(writer.Close())
}

// Close releases the underlying client.
func (w *GCSWriter) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}

func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return ErrObjectExists
	}
	return err
}
