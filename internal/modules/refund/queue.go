package refund

import (
	"context"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/google/uuid"
)

// ApprovalQueue holds REQUESTED refunds until an admin decides them.
// Decisions are a version compare-and-swap under the refund row lock, so of two
// concurrent decisions on the same version exactly one wins.
type ApprovalQueue struct {
	repo Repository
	tx   database.Transactor
	now  func() time.Time
}

func NewApprovalQueue(repo Repository, tx database.Transactor) *ApprovalQueue {
	return &ApprovalQueue{repo: repo, tx: tx, now: time.Now}
}

// Enqueue stores a new REQUESTED refund and stamps its queue time.
func (q *ApprovalQueue) Enqueue(ctx context.Context, r *Refund) error {
	if r.Status != StatusRequested {
		return apperror.Invalid("only REQUESTED refunds can be queued, got %s", r.Status)
	}
	now := q.now().UTC()
	r.QueuedAt = &now
	return q.repo.Create(ctx, r)
}

// ListPending returns queued refunds oldest first, optionally for one seller.
func (q *ApprovalQueue) ListPending(ctx context.Context, sellerID *uuid.UUID) ([]*Refund, error) {
	return q.repo.ListByStatus(ctx, StatusRequested, sellerID)
}

// Approve moves a queued refund to APPROVED.
func (q *ApprovalQueue) Approve(ctx context.Context, id, adminID uuid.UUID, expectedVersion int64) (*Refund, error) {
	return q.decide(ctx, id, adminID, StatusApproved, "", expectedVersion)
}

// Reject moves a queued refund to REJECTED.
func (q *ApprovalQueue) Reject(ctx context.Context, id, adminID uuid.UUID, reason string, expectedVersion int64) (*Refund, error) {
	return q.decide(ctx, id, adminID, StatusRejected, reason, expectedVersion)
}

func (q *ApprovalQueue) decide(ctx context.Context, id, adminID uuid.UUID, to Status, reason string, expectedVersion int64) (*Refund, error) {
	var out *Refund
	err := q.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := q.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Version != expectedVersion {
			return apperror.Conflict("refund %s is at version %d, not %d", id, r.Version, expectedVersion)
		}
		if r.Status != StatusRequested || !CanTransition(r.Status, to) {
			return apperror.Conflict("refund %s is %s and no longer awaits a decision", id, r.Status)
		}

		now := q.now().UTC()
		r.Status = to
		r.DecisionReason = reason
		if adminID != uuid.Nil {
			decidedBy := adminID
			r.DecidedBy = &decidedBy
		}
		r.UpdatedAt = now
		if to == StatusRejected {
			r.ResolvedAt = &now
		}
		if err := q.repo.Update(ctx, r, expectedVersion); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}
