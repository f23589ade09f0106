package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores ledger entries and the per-seller head used for compare-and-swap.
type Repository interface {
	// Head returns the seller's current head; a seller without entries has a zero head.
	Head(ctx context.Context, sellerID uuid.UUID) (Head, error)

	// Append writes entry and advances the head, provided the head is still at
	// expectedVersion. Returns apperror.ErrConcurrencyConflict otherwise, and
	// apperror.ErrDuplicate if an entry with the same refund/order key exists.
	Append(ctx context.Context, entry *Entry, expectedVersion int64) error

	// FindByRefund returns the entry of the given category for a refund, or ErrNotFound.
	FindByRefund(ctx context.Context, refundID uuid.UUID, category Category) (*Entry, error)

	// ListByOrder returns the non-refund entries of an order in sequence order.
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Entry, error)

	// ListBySeller returns entries with created_at in [from, to) ordered by created_at, sequence.
	ListBySeller(ctx context.Context, sellerID uuid.UUID, from, to time.Time) ([]*Entry, error)

	// BalanceBefore returns balance_after of the last entry created before t.
	BalanceBefore(ctx context.Context, sellerID uuid.UUID, t time.Time) (Head, error)
}
