package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same compare-and-swap
// semantics as the Postgres one.
type MemoryRepository struct {
	mu      sync.RWMutex
	heads   map[uuid.UUID]Head
	entries map[uuid.UUID][]*Entry
	keys    map[string]*Entry

	// ConflictOnce forces the next Append for a seller to report a conflict.
	ConflictOnce map[uuid.UUID]bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		heads:        make(map[uuid.UUID]Head),
		entries:      make(map[uuid.UUID][]*Entry),
		keys:         make(map[string]*Entry),
		ConflictOnce: make(map[uuid.UUID]bool),
	}
}

func (r *MemoryRepository) Head(_ context.Context, sellerID uuid.UUID) (Head, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.heads[sellerID]
	if !ok {
		return Head{SellerID: sellerID}, nil
	}
	return h, nil
}

func (r *MemoryRepository) Append(_ context.Context, e *Entry, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ConflictOnce[e.SellerID] {
		delete(r.ConflictOnce, e.SellerID)
		return apperror.Conflict("seller %s balance moved past version %d", e.SellerID, expectedVersion)
	}
	h := r.heads[e.SellerID]
	if h.Version != expectedVersion {
		return apperror.Conflict("seller %s balance moved past version %d", e.SellerID, expectedVersion)
	}
	key := uniqueKey(e)
	if key != "" {
		if _, ok := r.keys[key]; ok {
			return fmt.Errorf("ledger entry %s: %w", key, apperror.ErrDuplicate)
		}
	}

	stored := *e
	r.entries[e.SellerID] = append(r.entries[e.SellerID], &stored)
	if key != "" {
		r.keys[key] = &stored
	}
	r.heads[e.SellerID] = Head{
		SellerID:    e.SellerID,
		Balance:     e.BalanceAfter,
		Version:     h.Version + 1,
		Sequence:    e.Sequence,
		LastEntryAt: e.CreatedAt,
	}
	return nil
}

func (r *MemoryRepository) FindByRefund(_ context.Context, refundID uuid.UUID, category Category) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys["refund:"+refundID.String()+":"+string(category)]
	if !ok {
		return nil, apperror.NotFound("ledger entry")
	}
	c := *e
	return &c, nil
}

func (r *MemoryRepository) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*Entry{}
	for _, list := range r.entries {
		for _, e := range list {
			if e.OrderID == orderID && e.RefundID == nil {
				c := *e
				out = append(out, &c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *MemoryRepository) ListBySeller(_ context.Context, sellerID uuid.UUID, from, to time.Time) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	window := DateRange{From: from, To: to}
	out := []*Entry{}
	for _, e := range r.entries[sellerID] {
		if window.Contains(e.CreatedAt) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (r *MemoryRepository) BalanceBefore(ctx context.Context, sellerID uuid.UUID, t time.Time) (Head, error) {
	entries, err := r.ListBySeller(ctx, sellerID, time.Time{}, t)
	if err != nil || len(entries) == 0 {
		return Head{SellerID: sellerID}, err
	}
	last := entries[len(entries)-1]
	return Head{SellerID: sellerID, Balance: last.BalanceAfter, Sequence: last.Sequence, LastEntryAt: last.CreatedAt}, nil
}

func uniqueKey(e *Entry) string {
	if e.RefundID != nil {
		return "refund:" + e.RefundID.String() + ":" + string(e.Category)
	}
	if e.Category == CategorySale || e.Category == CategoryCommission {
		return "order:" + e.OrderID.String() + ":" + string(e.Category)
	}
	return ""
}
