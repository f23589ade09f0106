package refund

import (
	"context"

	"github.com/georgemunganga/refund-ledger/internal/modules/order"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TotalsSource reports SUCCEEDED refund sums to the order synchronizer.
type TotalsSource struct {
	repo Repository
}

func NewTotalsSource(repo Repository) *TotalsSource { return &TotalsSource{repo: repo} }

func (t *TotalsSource) SucceededRefundTotals(ctx context.Context, orderID uuid.UUID) (order.RefundTotals, error) {
	refunds, err := t.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return order.RefundTotals{}, err
	}
	totals := order.RefundTotals{ByItem: make(map[uuid.UUID]decimal.Decimal)}
	for _, r := range refunds {
		if r.Status != StatusSucceeded {
			continue
		}
		if r.WholeOrder() {
			totals.WholeOrder = totals.WholeOrder.Add(r.Amount)
			continue
		}
		totals.ByItem[*r.OrderItemID] = totals.ByItem[*r.OrderItemID].Add(r.Amount)
	}
	return totals, nil
}

// inFlight sums the refunds that hold capacity on an order but are not yet
// reflected in item refunded amounts. With committedOnly, REQUESTED and APPROVED
// refunds are left out. exclude is skipped.
func inFlight(refunds []*Refund, itemID *uuid.UUID, exclude uuid.UUID, committedOnly bool) (onItem, onOrder decimal.Decimal) {
	for _, r := range refunds {
		if r.ID == exclude || !holdsCapacity(r, committedOnly) {
			continue
		}
		onOrder = onOrder.Add(r.Amount)
		if itemID != nil && r.OrderItemID != nil && *r.OrderItemID == *itemID {
			onItem = onItem.Add(r.Amount)
		}
	}
	return onItem, onOrder
}

func holdsCapacity(r *Refund, committedOnly bool) bool {
	switch r.Status {
	case StatusRequested, StatusApproved:
		return !committedOnly
	case StatusProcessing:
		return true
	case StatusSucceeded:
		return r.OrderSyncedAt == nil
	default:
		return false
	}
}
