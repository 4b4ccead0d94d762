//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/platform/firestore/firestoretest"
)

type sampleDoc struct {
	Name  string `firestore:"name"`
	Count int    `firestore:"count"`
}

func TestCollectionAndTransactionIntegration(t *testing.T) {
	provider := firestoretest.NewProvider(t, "platform-test")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coll := pfirestore.NewCollection[sampleDoc](provider, "samples")
	if err := coll.Create(ctx, "sample-1", sampleDoc{Name: "alpha", Count: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := coll.Create(ctx, "sample-1", sampleDoc{Name: "dup"})
	if !pfirestore.IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}

	_, err = coll.Get(ctx, "missing")
	type classifier interface{ IsNotFound() bool }
	var cls classifier
	if !errors.As(err, &cls) || !cls.IsNotFound() {
		t.Fatalf("expected not found classification, got %v", err)
	}

	err = provider.RunTransaction(ctx, "samples.increment", func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := coll.Doc(ctx, "sample-1")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[sampleDoc](snap)
		if err != nil {
			return err
		}
		doc.Count++
		return tx.Set(ref, doc)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	got, err := coll.Get(ctx, "sample-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Count != 2 {
		t.Fatalf("expected count 2, got %d", got.Count)
	}

	err = provider.RunTransaction(ctx, "samples.conflict", func(context.Context, *firestore.Transaction) error {
		return pfirestore.Conflict("samples.conflict", "version mismatch")
	})
	var repoErr interface{ IsConflict() bool }
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict from transaction, got %v", err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := provider.RunTransaction(cancelled, "samples.noop", func(context.Context, *firestore.Transaction) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
