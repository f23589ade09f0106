package order

import (
	"context"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundTotals is the sum of SUCCEEDED refunds on an order, split by scope.
type RefundTotals struct {
	ByItem     map[uuid.UUID]decimal.Decimal
	WholeOrder decimal.Decimal
}

// RefundTotalsSource reports succeeded refund totals for an order.
type RefundTotalsSource interface {
	SucceededRefundTotals(ctx context.Context, orderID uuid.UUID) (RefundTotals, error)
}

// Synchronizer recomputes item refunded amounts and the derived order status
// from the refunds that have succeeded so far.
type Synchronizer struct {
	repo   Repository
	totals RefundTotalsSource
	tx     database.Transactor
	log    *zap.Logger
}

func NewSynchronizer(repo Repository, totals RefundTotalsSource, tx database.Transactor, log *zap.Logger) *Synchronizer {
	return &Synchronizer{repo: repo, totals: totals, tx: tx, log: log}
}

// OnRefundSucceeded recomputes the order after a refund reached SUCCEEDED.
// Running it again with the same inputs changes nothing.
func (s *Synchronizer) OnRefundSucceeded(ctx context.Context, orderID uuid.UUID, itemID *uuid.UUID, amount decimal.Decimal) (*Order, error) {
	if !amount.IsPositive() {
		return nil, apperror.Invalid("refund amount must be positive")
	}

	var out *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if itemID != nil && o.Item(*itemID) == nil {
			return apperror.Integrity("item %s does not belong to order %s", itemID, orderID)
		}

		totals, err := s.totals.SucceededRefundTotals(ctx, orderID)
		if err != nil {
			return err
		}
		refunded, err := Allocate(o, totals)
		if err != nil {
			return err
		}

		next := o.Clone()
		changed := false
		for _, item := range next.Items {
			amt := refunded[item.ID]
			if amt.LessThan(item.RefundedAmount) {
				return apperror.Integrity("refunded amount of item %s would decrease from %s to %s",
					item.ID, item.RefundedAmount, amt)
			}
			if !amt.Equal(item.RefundedAmount) {
				item.RefundedAmount = amt
				changed = true
			}
		}
		next.Status = DeriveStatus(next)

		if !changed && next.Status == o.Status {
			out = o
			return nil
		}
		if err := s.repo.SaveRefundState(ctx, next); err != nil {
			return err
		}
		s.log.Info("order refund state recomputed",
			zap.String("order_id", orderID.String()),
			zap.String("status", string(next.Status)),
			zap.String("refunded", next.RefundedAmount().StringFixed(2)),
			zap.String("trigger_amount", amount.StringFixed(2)))
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Allocate derives each item's refunded amount. Item-scoped refunds apply to their
// item; whole-order refunds fill the remaining room of items in order.
func Allocate(o *Order, totals RefundTotals) (map[uuid.UUID]decimal.Decimal, error) {
	out := make(map[uuid.UUID]decimal.Decimal, len(o.Items))
	for id := range totals.ByItem {
		if o.Item(id) == nil {
			return nil, apperror.Integrity("refund targets item %s outside order %s", id, o.ID)
		}
	}

	for _, item := range o.Items {
		amt := totals.ByItem[item.ID]
		if amt.GreaterThan(item.OriginalAmount()) {
			return nil, apperror.Integrity("refunds on item %s (%s) exceed its amount %s",
				item.ID, amt, item.OriginalAmount())
		}
		out[item.ID] = amt
	}

	left := totals.WholeOrder
	for _, item := range o.Items {
		if !left.IsPositive() {
			break
		}
		room := item.OriginalAmount().Sub(out[item.ID])
		take := decimal.Min(room, left)
		out[item.ID] = out[item.ID].Add(take)
		left = left.Sub(take)
	}
	if left.IsPositive() {
		return nil, apperror.Integrity("refunds on order %s exceed its amount by %s", o.ID, left)
	}
	return out, nil
}

// DeriveStatus returns REFUNDED when every item is fully refunded, PARTIALLY_REFUNDED
// when some are, and the current status otherwise. A DISPUTED order stays DISPUTED;
// only the dispute process moves it on.
func DeriveStatus(o *Order) OrderStatus {
	if len(o.Items) == 0 || o.Status == StatusDisputed {
		return o.Status
	}
	full := 0
	for _, item := range o.Items {
		if item.FullyRefunded() {
			full++
		}
	}
	switch {
	case full == len(o.Items):
		return StatusRefunded
	case full > 0:
		return StatusPartiallyRefunded
	default:
		return o.Status
	}
}
