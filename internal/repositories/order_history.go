package repositories

import (
	"fmt"

	domain "github.com/storefront/orderflow/internal/domain"
)

// ValidateHistoryAppend rejects updates that drop, reorder or rewrite stored history entries.
func ValidateHistoryAppend(op string, stored, next []domain.StatusHistoryEntry) error {
	if len(next) < len(stored) {
		return NewInvalidStateError(op, fmt.Sprintf("status history shrank from %d to %d entries", len(stored), len(next)))
	}
	for i := range stored {
		a, b := stored[i], next[i]
		if a.Status != b.Status || !a.At.Equal(b.At) || a.Reason != b.Reason || a.Actor != b.Actor {
			return NewInvalidStateError(op, fmt.Sprintf("status history entry %d was modified", i))
		}
	}
	for i := len(stored); i < len(next); i++ {
		if i > 0 && next[i].At.Before(next[i-1].At) {
			return NewInvalidStateError(op, fmt.Sprintf("status history entry %d is older than its predecessor", i))
		}
	}
	return nil
}
