package order

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines data access for orders.
type Repository interface {
	// CreateOrder persists a new order and its items atomically in a transaction.
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrderByID retrieves an order with its items, ordered by creation.
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)

	// GetOrderForUpdate is GetOrderByID holding the order row lock when ctx carries a transaction.
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)

	// UpdateStatus sets a caller-driven status.
	UpdateStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error

	// SetDispute raises or clears the dispute flag.
	SetDispute(ctx context.Context, id uuid.UUID, active bool) error

	// SaveRefundState writes every item's refunded amount and the order's derived status.
	SaveRefundState(ctx context.Context, o *Order) error
}
