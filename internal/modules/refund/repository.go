package refund

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines data access for refunds. Writes are compare-and-swap on version.
type Repository interface {
	Create(ctx context.Context, r *Refund) error
	GetByID(ctx context.Context, id uuid.UUID) (*Refund, error)

	// GetForUpdate is GetByID holding the row lock when ctx carries a transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Refund, error)

	GetByGatewayRef(ctx context.Context, gatewayRef string) (*Refund, error)

	// Update writes r if the stored version still equals expectedVersion and bumps
	// r.Version. Returns apperror.ErrConcurrencyConflict otherwise.
	Update(ctx context.Context, r *Refund, expectedVersion int64) error

	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Refund, error)

	// ListByStatus returns refunds in status, oldest first, optionally for one seller.
	ListByStatus(ctx context.Context, status Status, sellerID *uuid.UUID) ([]*Refund, error)

	// ListUnsynced returns SUCCEEDED refunds whose order has not been recomputed yet.
	ListUnsynced(ctx context.Context) ([]*Refund, error)
}
