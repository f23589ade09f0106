package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local runs.
// Callers that need row locking wrap it with database.NewLocalTransactor.
type MemoryRepository struct {
	mu      sync.RWMutex
	orders  map[uuid.UUID]*Order
	numbers map[string]uuid.UUID

	// FailSaves makes SaveRefundState fail the next n calls.
	FailSaves int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[uuid.UUID]*Order), numbers: make(map[string]uuid.UUID)}
}

func (r *MemoryRepository) CreateOrder(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.numbers[o.OrderNumber]; ok {
		return fmt.Errorf("order number %s: %w", o.OrderNumber, apperror.ErrDuplicate)
	}
	r.orders[o.ID] = o.Clone()
	r.numbers[o.OrderNumber] = o.ID
	return nil
}

func (r *MemoryRepository) GetOrderByID(_ context.Context, id uuid.UUID) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, apperror.NotFound("order")
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.GetOrderByID(ctx, id)
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status OrderStatus) error {
	return r.mutate(id, func(o *Order) { o.Status = status })
}

func (r *MemoryRepository) SetDispute(_ context.Context, id uuid.UUID, active bool) error {
	return r.mutate(id, func(o *Order) { o.DisputeActive = active })
}

func (r *MemoryRepository) SaveRefundState(_ context.Context, o *Order) error {
	r.mu.Lock()
	if r.FailSaves > 0 {
		r.FailSaves--
		r.mu.Unlock()
		return fmt.Errorf("save refund state: injected failure")
	}
	r.mu.Unlock()

	return r.mutate(o.ID, func(stored *Order) {
		for _, item := range stored.Items {
			if updated := o.Item(item.ID); updated != nil {
				item.RefundedAmount = updated.RefundedAmount
				item.UpdatedAt = time.Now().UTC()
			}
		}
		stored.Status = o.Status
	})
}

func (r *MemoryRepository) mutate(id uuid.UUID, fn func(o *Order)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return apperror.NotFound("order")
	}
	fn(o)
	o.UpdatedAt = time.Now().UTC()
	return nil
}
