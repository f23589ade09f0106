package refund

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same version checks as
// the Postgres one. Row locks come from database.NewLocalTransactor.
type MemoryRepository struct {
	mu      sync.RWMutex
	refunds map[uuid.UUID]*Refund
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{refunds: make(map[uuid.UUID]*Refund)}
}

func (m *MemoryRepository) Create(_ context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[r.ID]; ok {
		return fmt.Errorf("refund %s: %w", r.ID, apperror.ErrDuplicate)
	}
	m.refunds[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refunds[id]
	if !ok {
		return nil, apperror.NotFound("refund")
	}
	return r.Clone(), nil
}

func (m *MemoryRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryRepository) GetByGatewayRef(_ context.Context, gatewayRef string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.refunds {
		if gatewayRef != "" && r.GatewayRef == gatewayRef {
			return r.Clone(), nil
		}
	}
	return nil, apperror.NotFound("refund")
}

func (m *MemoryRepository) Update(_ context.Context, r *Refund, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.refunds[r.ID]
	if !ok {
		return apperror.NotFound("refund")
	}
	if stored.Version != expectedVersion {
		return apperror.Conflict("refund %s is no longer at version %d", r.ID, expectedVersion)
	}
	if r.GatewayRef != "" {
		for id, other := range m.refunds {
			if id != r.ID && other.GatewayRef == r.GatewayRef {
				return apperror.Integrity("gateway ref %s already belongs to another refund", r.GatewayRef)
			}
		}
	}
	r.Version = expectedVersion + 1
	m.refunds[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepository) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*Refund, error) {
	return m.filter(func(r *Refund) bool { return r.OrderID == orderID }, byCreated), nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, status Status, sellerID *uuid.UUID) ([]*Refund, error) {
	return m.filter(func(r *Refund) bool {
		return r.Status == status && (sellerID == nil || r.SellerID == *sellerID)
	}, byQueued), nil
}

func (m *MemoryRepository) ListUnsynced(_ context.Context) ([]*Refund, error) {
	return m.filter(func(r *Refund) bool {
		return r.Status == StatusSucceeded && r.OrderSyncedAt == nil
	}, byCreated), nil
}

func (m *MemoryRepository) filter(keep func(*Refund) bool, less func(a, b *Refund) bool) []*Refund {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Refund{}
	for _, r := range m.refunds {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byCreated(a, b *Refund) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func byQueued(a, b *Refund) bool {
	ta, tb := a.CreatedAt, b.CreatedAt
	if a.QueuedAt != nil {
		ta = *a.QueuedAt
	}
	if b.QueuedAt != nil {
		tb = *b.QueuedAt
	}
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID.String() < b.ID.String()
}
