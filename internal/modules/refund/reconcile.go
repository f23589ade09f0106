package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/modules/ledger"
	"github.com/georgemunganga/refund-ledger/internal/modules/payment"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandleNotification applies a gateway webhook. Duplicate events, unknown gateway
// references and notifications that do not move the refund forward are
// acknowledged without changing anything.
func (s *service) HandleNotification(ctx context.Context, n payment.Notification) (bool, error) {
	seen, err := s.dedup.Seen(ctx, n.GatewayEventID)
	if err != nil {
		return false, fmt.Errorf("webhook dedup: %w", err)
	}
	if seen {
		s.log.Info("duplicate gateway event ignored",
			zap.String("gateway_event_id", n.GatewayEventID),
			zap.String("gateway_refund_id", n.GatewayRefundID))
		return false, nil
	}

	var out *Refund
	var before Status
	handled := false
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.lockByGatewayRef(ctx, n.GatewayRefundID)
		if errors.Is(err, apperror.ErrNotFound) {
			s.log.Warn("gateway event for unknown refund",
				zap.String("provider", string(n.Provider)),
				zap.String("gateway_event_id", n.GatewayEventID),
				zap.String("gateway_refund_id", n.GatewayRefundID))
			return nil
		}
		if err != nil {
			return err
		}
		if r.GatewayProvider != n.Provider {
			// gateway refs are only unique per provider; left unrecorded like unknown refs
			s.log.Warn("gateway event from another provider ignored",
				zap.String("refund_id", r.ID.String()),
				zap.String("refund_provider", string(r.GatewayProvider)),
				zap.String("provider", string(n.Provider)),
				zap.String("gateway_event_id", n.GatewayEventID))
			return nil
		}
		before = r.Status
		out, handled, err = s.reconcileLocked(ctx, r, n.GatewayRefundID, n.Status)
		if err != nil {
			return err
		}
		outcome := OutcomeIgnored
		if handled {
			outcome = OutcomeApplied
		}
		return s.dedup.MarkProcessed(ctx, n, outcome)
	})
	if err != nil {
		return false, err
	}
	if out != nil && out.Status != before {
		s.emitStatus(ctx, out)
	}
	return handled, nil
}

// Reconcile applies a gateway status to the refund holding gatewayRef.
func (s *service) Reconcile(ctx context.Context, gatewayRef string, status payment.RefundStatus) (*Refund, bool, error) {
	var out *Refund
	var before Status
	applied := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.lockByGatewayRef(ctx, gatewayRef)
		if err != nil {
			return err
		}
		before = r.Status
		out, applied, err = s.reconcileLocked(ctx, r, gatewayRef, status)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if out.Status != before {
		s.emitStatus(ctx, out)
	}
	return out, applied, nil
}

// Poll asks the gateway for the status of a PROCESSING refund. A refund that
// never received a gateway reference is dispatched again once it is stale.
func (s *service) Poll(ctx context.Context, id uuid.UUID) (*Refund, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusProcessing {
		return r, nil
	}
	if r.GatewayRef == "" {
		if s.now().Sub(r.UpdatedAt) < s.cfg.StaleAfter {
			return r, nil
		}
		s.log.Info("redispatching stale refund", zap.String("refund_id", r.ID.String()))
		return s.dispatch(ctx, r)
	}

	client, err := s.gateways.Get(r.GatewayProvider)
	if err != nil {
		return r, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	res, err := client.GetRefundStatus(callCtx, r.GatewayRef)
	if err != nil {
		return r, err
	}
	out, _, err := s.Reconcile(ctx, r.GatewayRef, res.Status)
	return out, err
}

// ReconcileProcessing sweeps every PROCESSING refund once, then submits APPROVED
// refunds that were left unclaimed for longer than the stale threshold.
func (s *service) ReconcileProcessing(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	list, err := s.repo.ListByStatus(ctx, StatusProcessing, nil)
	if err != nil {
		return report, err
	}
	for _, r := range list {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if r.GatewayRef == "" {
			if s.now().Sub(r.UpdatedAt) < s.cfg.StaleAfter {
				continue
			}
			report.Redispatched++
		} else {
			report.Polled++
		}
		out, err := s.Poll(ctx, r.ID)
		if err != nil {
			report.Errors++
			s.log.Warn("refund reconciliation failed", zap.String("refund_id", r.ID.String()), zap.Error(err))
			continue
		}
		if out.Status.Terminal() {
			report.Resolved++
		}
	}

	approved, err := s.repo.ListByStatus(ctx, StatusApproved, nil)
	if err != nil {
		return report, err
	}
	for _, r := range approved {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if s.now().Sub(r.UpdatedAt) < s.cfg.StaleAfter {
			continue
		}
		report.Resubmitted++
		s.log.Info("resubmitting stranded approved refund", zap.String("refund_id", r.ID.String()))
		out, err := s.submit(ctx, r.ID)
		var pv *apperror.PolicyViolation
		if err != nil && !errors.As(err, &pv) {
			report.Errors++
			s.log.Warn("refund resubmission failed", zap.String("refund_id", r.ID.String()), zap.Error(err))
			continue
		}
		if out != nil && out.Status.Terminal() {
			report.Resolved++
		}
	}
	return report, nil
}

// ResyncOrders finishes SUCCEEDED refunds whose ledger posting or order update
// did not complete.
func (s *service) ResyncOrders(ctx context.Context) (int, error) {
	list, err := s.repo.ListUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var firstErr error
	for _, r := range list {
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			cur, err := s.repo.GetForUpdate(ctx, r.ID)
			if err != nil {
				return err
			}
			if cur.Status != StatusSucceeded || cur.OrderSyncedAt != nil {
				return nil
			}
			return s.settle(ctx, cur)
		})
		if err != nil {
			s.log.Error("refund resync failed", zap.String("refund_id", r.ID.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// ── internals ─────────────────────────────────────────────────────────────────

func (s *service) lockByGatewayRef(ctx context.Context, gatewayRef string) (*Refund, error) {
	r, err := s.repo.GetByGatewayRef(ctx, gatewayRef)
	if err != nil {
		return nil, err
	}
	return s.repo.GetForUpdate(ctx, r.ID)
}

// reconcileLocked moves a locked refund forward according to a gateway status.
// Statuses only ever move forward: PENDING, repeats and references that do not
// match the refund change nothing. applied reports whether anything was written.
func (s *service) reconcileLocked(ctx context.Context, r *Refund, gatewayRef string, status payment.RefundStatus) (*Refund, bool, error) {
	if r.GatewayRef == "" || r.GatewayRef != gatewayRef {
		s.log.Info("stale gateway status discarded",
			zap.String("refund_id", r.ID.String()),
			zap.String("gateway_ref", gatewayRef))
		return r, false, nil
	}

	switch {
	case r.Status == StatusProcessing && status == payment.RefundSucceeded:
		now := s.now().UTC()
		expected := r.Version
		r.Status = StatusSucceeded
		r.ResolvedAt = &now
		r.UpdatedAt = now
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return r, false, err
		}
		s.log.Info("refund succeeded", zap.String("refund_id", r.ID.String()), zap.String("gateway_ref", gatewayRef))
		return r, true, s.settle(ctx, r)

	case r.Status == StatusProcessing && status == payment.RefundFailed:
		now := s.now().UTC()
		expected := r.Version
		r.Status = StatusFailed
		r.LastError = "gateway reported the refund as failed"
		r.ResolvedAt = &now
		r.UpdatedAt = now
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return r, false, err
		}
		s.log.Warn("refund failed", zap.String("refund_id", r.ID.String()), zap.String("gateway_ref", gatewayRef))
		return r, true, nil

	case r.Status == StatusSucceeded && r.OrderSyncedAt == nil && status == payment.RefundSucceeded:
		return r, true, s.settle(ctx, r)

	default:
		return r, false, nil
	}
}

// settle posts a SUCCEEDED refund to the seller ledger and the order, then marks
// it synced. Both steps are idempotent, so settle can run again after a failure.
func (s *service) settle(ctx context.Context, r *Refund) error {
	if _, err := s.ledger.RecordRefund(ctx, ledger.RefundPosting{
		SellerID: r.SellerID,
		OrderID:  r.OrderID,
		RefundID: r.ID,
		Amount:   r.Amount,
	}); err != nil {
		return fmt.Errorf("post refund %s to ledger: %w", r.ID, err)
	}
	if _, err := s.sync.OnRefundSucceeded(ctx, r.OrderID, r.OrderItemID, r.Amount); err != nil {
		return fmt.Errorf("sync order %s: %w", r.OrderID, err)
	}
	now := s.now().UTC()
	r.OrderSyncedAt = &now
	r.UpdatedAt = now
	return s.repo.Update(ctx, r, r.Version)
}
