package firestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection binds a Firestore collection to a document struct D.
type Collection[D any] struct {
	provider *Provider
	name     string
}

// NewCollection constructs a typed collection helper.
func NewCollection[D any](provider *Provider, name string) *Collection[D] {
	return &Collection[D]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[D]) Name() string {
	return c.name
}

// Ref returns the collection reference from the provider's client.
func (c *Collection[D]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

// Doc returns the document reference for id.
func (c *Collection[D]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

// Get fetches and decodes one document.
func (c *Collection[D]) Get(ctx context.Context, id string) (D, error) {
	var out D
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return out, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return out, WrapError(c.op("get"), err)
	}
	return Decode[D](snap)
}

// Create writes the document and fails with AlreadyExists when the id is taken.
func (c *Collection[D]) Create(ctx context.Context, id string, data D) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Create(ctx, data); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Query runs the built query and decodes every document.
func (c *Collection[D]) Query(ctx context.Context, build func(firestore.Query) firestore.Query) ([]D, error) {
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := ref.Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []D
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := Decode[D](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (c *Collection[D]) op(action string) string {
	return fmt.Sprintf("%s.%s", c.name, action)
}

// Decode hydrates D from a snapshot.
func Decode[D any](snap *firestore.DocumentSnapshot) (D, error) {
	var out D
	if err := snap.DataTo(&out); err != nil {
		return out, fmt.Errorf("firestore: decode %s: %w", snap.Ref.ID, err)
	}
	return out, nil
}

// PageToken is the opaque cursor handed to API clients.
type PageToken struct {
	After string `json:"after"`
}

// EncodePageToken serialises the cursor as base64 JSON.
func EncodePageToken(after string) string {
	if after == "" {
		return ""
	}
	raw, _ := json.Marshal(PageToken{After: after})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodePageToken parses a cursor produced by EncodePageToken.
func DecodePageToken(token string) (PageToken, error) {
	var out PageToken
	if strings.TrimSpace(token) == "" {
		return out, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return out, fmt.Errorf("firestore: invalid page token: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("firestore: invalid page token: %w", err)
	}
	return out, nil
}
