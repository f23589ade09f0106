package refund

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/modules/auth"
	"github.com/georgemunganga/refund-ledger/internal/modules/ledger"
	"github.com/georgemunganga/refund-ledger/internal/modules/order"
	"github.com/georgemunganga/refund-ledger/internal/modules/payment"
	"github.com/georgemunganga/refund-ledger/internal/modules/seller"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/georgemunganga/refund-ledger/internal/platform/events"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service drives refunds from request to a terminal state.
type Service interface {
	// Create evaluates a new refund request. A rejected request is stored for audit
	// and returned together with an *apperror.PolicyViolation.
	Create(ctx context.Context, req CreateRefundRequest) (*Refund, error)

	// Retry files a new refund for the same scope and amount as a FAILED one.
	Retry(ctx context.Context, failedID, requestedBy uuid.UUID) (*Refund, error)

	Get(ctx context.Context, id uuid.UUID) (*Refund, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Refund, error)

	// ── Admin queue ──
	ListPending(ctx context.Context, sellerID *uuid.UUID) ([]*Refund, error)
	Approve(ctx context.Context, id, adminID uuid.UUID, expectedVersion int64) (*Refund, error)
	Reject(ctx context.Context, id, adminID uuid.UUID, reason string, expectedVersion int64) (*Refund, error)
	Decide(ctx context.Context, adminID uuid.UUID, items []BulkDecisionItem) []DecisionResult

	// ── Gateway reconciliation ──
	HandleNotification(ctx context.Context, n payment.Notification) (bool, error)
	Reconcile(ctx context.Context, gatewayRef string, status payment.RefundStatus) (*Refund, bool, error)
	Poll(ctx context.Context, id uuid.UUID) (*Refund, error)
	ReconcileProcessing(ctx context.Context) (SweepReport, error)
	ResyncOrders(ctx context.Context) (int, error)
}

// Config holds the gateway submission tunables.
type Config struct {
	MaxAttempts    int
	Backoff        time.Duration
	GatewayTimeout time.Duration
	// StaleAfter is how long a PROCESSING refund without a gateway reference is
	// left alone before it is dispatched again.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Backoff: 500 * time.Millisecond, GatewayTimeout: 30 * time.Second, StaleAfter: 5 * time.Minute}
}

// LedgerPoster records the earnings side of a succeeded refund.
type LedgerPoster interface {
	RecordRefund(ctx context.Context, p ledger.RefundPosting) ([]*ledger.Entry, error)
}

// OrderSync recomputes an order after one of its refunds succeeded.
type OrderSync interface {
	OnRefundSucceeded(ctx context.Context, orderID uuid.UUID, itemID *uuid.UUID, amount decimal.Decimal) (*order.Order, error)
}

// Deps are the collaborators of the refund service.
type Deps struct {
	Refunds   Repository
	Orders    order.Repository
	Sellers   seller.Repository
	Ledger    LedgerPoster
	Sync      OrderSync
	Gateways  payment.GatewayRegistry
	Events    EventStore
	Publisher events.Publisher
	Tx        database.Transactor
	Log       *zap.Logger
}

type service struct {
	repo      Repository
	orders    order.Repository
	sellers   seller.Repository
	ledger    LedgerPoster
	sync      OrderSync
	gateways  payment.GatewayRegistry
	dedup     EventStore
	publisher events.Publisher
	tx        database.Transactor
	log       *zap.Logger
	queue     *ApprovalQueue
	policy    *PolicyEngine
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewService creates the refund orchestrator.
func NewService(d Deps, policy *PolicyEngine, cfg Config) Service {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = def.GatewayTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	return &service{
		repo:      d.Refunds,
		orders:    d.Orders,
		sellers:   d.Sellers,
		ledger:    d.Ledger,
		sync:      d.Sync,
		gateways:  d.Gateways,
		dedup:     d.Events,
		publisher: d.Publisher,
		tx:        d.Tx,
		log:       d.Log,
		queue:     NewApprovalQueue(d.Refunds, d.Tx),
		policy:    policy,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func (s *service) Create(ctx context.Context, req CreateRefundRequest) (*Refund, error) {
	if req.OrderID == uuid.Nil {
		return nil, apperror.Invalid("order_id is required")
	}
	if req.RequestedBy == uuid.Nil {
		return nil, apperror.Invalid("requested_by is required")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, apperror.Invalid("amount has more than two decimal places")
	}

	o, err := s.orders.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := auth.AuthorizeSeller(ctx, o.SellerID); err != nil {
		return nil, err
	}
	var item *order.OrderItem
	if req.OrderItemID != nil {
		if item = o.Item(*req.OrderItemID); item == nil {
			return nil, apperror.Invalid("item %s does not belong to order %s", req.OrderItemID, o.ID)
		}
	}
	sel, err := s.sellers.GetByID(ctx, o.SellerID)
	if err != nil {
		return nil, fmt.Errorf("load seller: %w", err)
	}

	now := s.now().UTC()
	r := &Refund{
		ID:               uuid.New(),
		OrderID:          o.ID,
		OrderItemID:      cloneID(req.OrderItemID),
		SellerID:         o.SellerID,
		Amount:           req.Amount,
		Currency:         o.Currency,
		RequestedBy:      req.RequestedBy,
		Reason:           req.Reason,
		Status:           StatusRequested,
		GatewayProvider:  payment.Provider(o.PaymentProvider),
		PaymentReference: o.PaymentReference,
		RetryOf:          cloneID(req.retryOf),
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	// Evaluation and insert share the order lock, so concurrent requests on the
	// same order see each other as in flight.
	var decision Decision
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.orders.GetOrderForUpdate(ctx, o.ID)
		if err != nil {
			return err
		}
		if req.OrderItemID != nil {
			item = locked.Item(*req.OrderItemID)
		}
		existing, err := s.repo.ListByOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		onItem, onOrder := inFlight(existing, req.OrderItemID, uuid.Nil, false)
		decision = s.policy.Evaluate(PolicyInput{
			Order:         locked,
			Item:          item,
			SellerTrusted: sel.IsTrusted,
			Amount:        req.Amount,
			InFlightItem:  onItem,
			InFlightOrder: onOrder,
			Now:           now,
		})

		switch decision.Outcome {
		case OutcomeReject:
			r.Status = StatusRejected
			r.DecisionReason = decision.Reason
			r.ResolvedAt = &now
			return s.repo.Create(ctx, r)
		case OutcomeRequiresReview:
			r.DecisionReason = decision.Reason
			return s.queue.Enqueue(ctx, r)
		default:
			r.Status = StatusApproved
			r.DecisionReason = "auto_approved"
			return s.repo.Create(ctx, r)
		}
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("refund requested",
		zap.String("refund_id", r.ID.String()),
		zap.String("order_id", r.OrderID.String()),
		zap.String("amount", r.Amount.StringFixed(2)),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("reason", decision.Reason))

	switch r.Status {
	case StatusRejected:
		s.emit(ctx, events.RefundRejected, r)
		return r, apperror.NewPolicyViolation(decision.Reason)
	case StatusRequested:
		s.emit(ctx, events.RefundRequested, r)
		return r, nil
	default:
		s.emit(ctx, events.RefundApproved, r)
		return s.submit(ctx, r.ID)
	}
}

func (s *service) Retry(ctx context.Context, failedID, requestedBy uuid.UUID) (*Refund, error) {
	prev, err := s.repo.GetByID(ctx, failedID)
	if err != nil {
		return nil, err
	}
	if err := auth.AuthorizeSeller(ctx, prev.SellerID); err != nil {
		return nil, err
	}
	if prev.Status != StatusFailed {
		return nil, apperror.Invalid("only FAILED refunds can be retried; refund %s is %s", prev.ID, prev.Status)
	}
	siblings, err := s.repo.ListByOrder(ctx, prev.OrderID)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.RetryOf != nil && *sib.RetryOf == prev.ID && sib.Status != StatusRejected && sib.Status != StatusFailed {
			return nil, apperror.Conflict("refund %s is already being retried as %s", prev.ID, sib.ID)
		}
	}
	if requestedBy == uuid.Nil {
		requestedBy = prev.RequestedBy
	}
	prevID := prev.ID
	return s.Create(ctx, CreateRefundRequest{
		OrderID:     prev.OrderID,
		OrderItemID: prev.OrderItemID,
		Amount:      prev.Amount,
		Reason:      prev.Reason,
		RequestedBy: requestedBy,
		retryOf:     &prevID,
	})
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Refund, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.AuthorizeSeller(ctx, r.SellerID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Refund, error) {
	o, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := auth.AuthorizeSeller(ctx, o.SellerID); err != nil {
		return nil, err
	}
	return s.repo.ListByOrder(ctx, orderID)
}

// ── Admin queue ───────────────────────────────────────────────────────────────

func (s *service) ListPending(ctx context.Context, sellerID *uuid.UUID) ([]*Refund, error) {
	return s.queue.ListPending(ctx, sellerID)
}

func (s *service) Approve(ctx context.Context, id, adminID uuid.UUID, expectedVersion int64) (*Refund, error) {
	r, err := s.queue.Approve(ctx, id, adminID, expectedVersion)
	if err != nil {
		return nil, err
	}
	s.log.Info("refund approved", zap.String("refund_id", id.String()), zap.String("admin_id", adminID.String()))
	s.emit(ctx, events.RefundApproved, r)
	return s.submit(ctx, r.ID)
}

func (s *service) Reject(ctx context.Context, id, adminID uuid.UUID, reason string, expectedVersion int64) (*Refund, error) {
	r, err := s.queue.Reject(ctx, id, adminID, reason, expectedVersion)
	if err != nil {
		return nil, err
	}
	s.log.Info("refund rejected", zap.String("refund_id", id.String()), zap.String("admin_id", adminID.String()))
	s.emit(ctx, events.RefundRejected, r)
	return r, nil
}

func (s *service) Decide(ctx context.Context, adminID uuid.UUID, items []BulkDecisionItem) []DecisionResult {
	results := make([]DecisionResult, 0, len(items))
	for _, item := range items {
		var r *Refund
		var err error
		switch strings.ToLower(item.Decision) {
		case DecisionApprove:
			r, err = s.Approve(ctx, item.RefundID, adminID, item.ExpectedVersion)
		case DecisionReject:
			r, err = s.Reject(ctx, item.RefundID, adminID, item.Reason, item.ExpectedVersion)
		default:
			err = apperror.Invalid("unknown decision %q", item.Decision)
		}
		res := DecisionResult{RefundID: item.RefundID, Refund: r}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// ── Gateway submission ────────────────────────────────────────────────────────

// submit claims an APPROVED refund and sends it to the gateway. Gateway failures
// end in FAILED and are not returned as errors. A refund that no longer fits the
// order's remaining capacity ends REJECTED with a PolicyViolation.
func (s *service) submit(ctx context.Context, id uuid.UUID) (*Refund, error) {
	r, err := s.claim(ctx, id)
	var pv *apperror.PolicyViolation
	switch {
	case errors.As(err, &pv):
		s.log.Warn("refund refused at claim", zap.String("refund_id", id.String()), zap.String("reason", r.LastError))
		s.emit(ctx, events.RefundRejected, r)
		return r, err
	case err != nil:
		if errors.Is(err, apperror.ErrDataIntegrity) {
			s.log.Error("refund claim refused", zap.String("refund_id", id.String()), zap.Error(err))
		}
		current, getErr := s.repo.GetByID(ctx, id)
		if getErr != nil {
			return nil, err
		}
		return current, err
	}
	s.emit(ctx, events.RefundProcessing, r)
	return s.dispatch(ctx, r)
}

// claim moves an APPROVED refund to PROCESSING after checking, under the order
// lock, that committed refunds leave room for it. When they do not, the refund is
// rejected in the same transaction.
func (s *service) claim(ctx context.Context, id uuid.UUID) (*Refund, error) {
	var out *Refund
	refused := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusApproved {
			return apperror.Conflict("refund %s is %s, not APPROVED", id, r.Status)
		}
		o, err := s.orders.GetOrderForUpdate(ctx, r.OrderID)
		if err != nil {
			return err
		}
		var item *order.OrderItem
		if r.OrderItemID != nil {
			if item = o.Item(*r.OrderItemID); item == nil {
				return apperror.Integrity("refund %s targets item %s outside order %s", r.ID, r.OrderItemID, o.ID)
			}
		}
		siblings, err := s.repo.ListByOrder(ctx, r.OrderID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		expected := r.Version
		onItem, onOrder := inFlight(siblings, r.OrderItemID, r.ID, true)
		if remaining := Remaining(o, item, onItem, onOrder); r.Amount.GreaterThan(remaining) {
			r.Status = StatusRejected
			r.DecisionReason = ReasonOverRefund
			r.LastError = fmt.Sprintf("amount %s exceeds remaining refundable %s", r.Amount.StringFixed(2), remaining.StringFixed(2))
			r.ResolvedAt = &now
			refused = true
		} else {
			r.Status = StatusProcessing
		}
		r.UpdatedAt = now
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err == nil && refused {
		return out, apperror.NewPolicyViolation(ReasonOverRefund)
	}
	return out, err
}

// dispatch calls the gateway for a PROCESSING refund that has no gateway
// reference yet and records the outcome. The refund id is the idempotency key,
// so dispatching again after a crash cannot create a second refund.
func (s *service) dispatch(ctx context.Context, r *Refund) (*Refund, error) {
	client, err := s.gateways.Get(r.GatewayProvider)
	var res *payment.RefundResult
	attempts := 0
	if err == nil {
		res, attempts, err = s.callGateway(ctx, client, r)
	}
	if err != nil {
		if ctx.Err() != nil {
			// left PROCESSING; the reconciliation sweep dispatches it again
			s.log.Warn("refund dispatch interrupted", zap.String("refund_id", r.ID.String()), zap.Error(ctx.Err()))
			return r, ctx.Err()
		}
		return s.fail(ctx, r.ID, attempts, err)
	}
	return s.accept(ctx, r.ID, attempts, res)
}

func (s *service) callGateway(ctx context.Context, client payment.Client, r *Refund) (*payment.RefundResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		res, err := client.CreateRefund(callCtx, r.PaymentReference, r.Amount, r.Currency, r.ID.String())
		cancel()
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err
		permanent := apperror.IsPermanent(err)
		s.log.Warn("gateway refund attempt failed",
			zap.String("refund_id", r.ID.String()),
			zap.Int("attempt", attempt),
			zap.Bool("permanent", permanent),
			zap.Error(err))
		if permanent || attempt == s.cfg.MaxAttempts {
			return nil, attempt, err
		}
		if err := s.sleep(ctx, s.cfg.Backoff<<(attempt-1)); err != nil {
			return nil, attempt, err
		}
	}
	return nil, s.cfg.MaxAttempts, lastErr
}

// fail marks a refund FAILED unless something else resolved it meanwhile.
func (s *service) fail(ctx context.Context, id uuid.UUID, attempts int, cause error) (*Refund, error) {
	var out *Refund
	changed := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = r
		if r.Status != StatusProcessing || r.GatewayRef != "" {
			return nil
		}
		now := s.now().UTC()
		expected := r.Version
		r.Status = StatusFailed
		r.Attempts += attempts
		r.LastError = truncate(cause.Error(), 500)
		r.ResolvedAt = &now
		r.UpdatedAt = now
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Warn("refund failed at gateway", zap.String("refund_id", id.String()), zap.Error(cause))
		s.emit(ctx, events.RefundFailed, out)
	}
	return out, nil
}

// accept records the gateway reference and reconciles a synchronous final status.
func (s *service) accept(ctx context.Context, id uuid.UUID, attempts int, res *payment.RefundResult) (*Refund, error) {
	var out *Refund
	var before Status
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out, before = r, r.Status
		if r.Status != StatusProcessing {
			return nil
		}
		switch {
		case r.GatewayRef == "":
			expected := r.Version
			r.GatewayRef = res.GatewayRefundID
			r.Attempts += attempts
			r.LastError = ""
			r.UpdatedAt = s.now().UTC()
			if err := s.repo.Update(ctx, r, expected); err != nil {
				return err
			}
		case r.GatewayRef != res.GatewayRefundID:
			s.log.Error("gateway returned a different refund for the same idempotency key",
				zap.String("refund_id", id.String()),
				zap.String("stored_ref", r.GatewayRef),
				zap.String("returned_ref", res.GatewayRefundID))
			return nil
		}
		if !res.Status.Terminal() {
			return nil
		}
		out, _, err = s.reconcileLocked(ctx, r, r.GatewayRef, res.Status)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Status != before {
		s.emitStatus(ctx, out)
	}
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *service) emit(ctx context.Context, typ events.Type, r *Refund) {
	reason := r.DecisionReason
	if r.Status == StatusFailed {
		reason = r.LastError
	}
	e := events.Event{
		ID:         uuid.New(),
		Type:       typ,
		RefundID:   r.ID,
		OrderID:    r.OrderID,
		SellerID:   r.SellerID,
		Amount:     r.Amount,
		Currency:   r.Currency,
		Status:     string(r.Status),
		Reason:     reason,
		GatewayRef: r.GatewayRef,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Warn("refund event not published",
			zap.String("event_type", string(typ)),
			zap.String("refund_id", r.ID.String()),
			zap.Error(err))
	}
}

func (s *service) emitStatus(ctx context.Context, r *Refund) {
	switch r.Status {
	case StatusSucceeded:
		s.emit(ctx, events.RefundSucceeded, r)
	case StatusFailed:
		s.emit(ctx, events.RefundFailed, r)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
