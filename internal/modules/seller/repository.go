package seller

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository defines read access to sellers. Onboarding writes happen elsewhere.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Seller, error)

	// CommissionRate returns the platform fee rate applied to the seller's sales.
	CommissionRate(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
}
