package seller

import (
	"context"
	"sync"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process Repository for tests and local runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	sellers map[uuid.UUID]Seller
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sellers: make(map[uuid.UUID]Seller)}
}

// Put inserts or replaces a seller.
func (r *MemoryRepository) Put(s *Seller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sellers[s.ID] = *s
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Seller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sellers[id]
	if !ok {
		return nil, apperror.NotFound("seller")
	}
	return &s, nil
}

func (r *MemoryRepository) CommissionRate(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	s, err := r.GetByID(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return s.CommissionRate, nil
}
