package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository hands out gap-free sequences backed by Firestore transactions.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	clock    func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		clock:    time.Now,
	}, nil
}

// Next atomically increments counterID by step (default 1) and returns the new value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	const op = "counters.next"
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, errors.New("counter repository: counter id is required")
	}
	if step <= 0 {
		step = 1
	}
	// Counter ids carry a colon ("orders:2026"), which Firestore accepts in document ids.
	ref, err := r.counters.Doc(ctx, id)
	if err != nil {
		return 0, err
	}

	now := r.clock().UTC()
	var next int64
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var doc counterDocument
		switch {
		case err == nil:
			if doc, err = pfirestore.Decode[counterDocument](snap); err != nil {
				return err
			}
		case pfirestore.IsNotFound(err):
		default:
			return err
		}
		doc.CurrentValue += step
		doc.UpdatedAt = now
		next = doc.CurrentValue
		return tx.Set(ref, doc)
	})
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", id, err)
	}
	return next, nil
}
