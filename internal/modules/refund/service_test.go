package refund

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedGateway fails CreateRefund with errs in turn, then returns status.
type scriptedGateway struct {
	mu     sync.Mutex
	errs   []error
	always error
	status payment.RefundStatus
	keys   []string
}

func (g *scriptedGateway) CreateRefund(_ context.Context, _ string, _ decimal.Decimal, _, key string) (*payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
	if g.always != nil {
		return nil, g.always
	}
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	return &payment.RefundResult{GatewayRefundID: "re_" + key, Status: g.status, ProviderStatus: strings.ToLower(string(g.status))}, nil
}

func (g *scriptedGateway) GetRefundStatus(_ context.Context, id string) (*payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &payment.RefundResult{GatewayRefundID: id, Status: g.status}, nil
}

func (g *scriptedGateway) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.keys...)
}

func timeout() error {
	return apperror.Transient("SANDBOX", "create_refund", context.DeadlineExceeded)
}

type harness struct {
	svc       *service
	refunds   *MemoryRepository
	orders    *order.MemoryRepository
	sellers   *seller.MemoryRepository
	entries   *ledger.MemoryRepository
	sandbox   *payment.SandboxGateway
	published *events.MemoryPublisher
	dedup     *MemoryEventStore
}

// newHarness wires the refund service over memory stores. gw replaces the
// sandbox gateway when not nil.
func newHarness(t *testing.T, gw payment.Client) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	tx := database.NewLocalTransactor()
	h := &harness{
		refunds:   NewMemoryRepository(),
		orders:    order.NewMemoryRepository(),
		sellers:   seller.NewMemoryRepository(),
		entries:   ledger.NewMemoryRepository(),
		sandbox:   payment.NewSandboxGateway(),
		published: &events.MemoryPublisher{},
		dedup:     NewMemoryEventStore(),
	}
	if gw == nil {
		gw = h.sandbox
	}
	h.svc = NewService(Deps{
		Refunds:   h.refunds,
		Orders:    h.orders,
		Sellers:   h.sellers,
		Ledger:    ledger.NewService(h.entries, h.sellers, tx, log),
		Sync:      order.NewSynchronizer(h.orders, NewTotalsSource(h.refunds), tx, log),
		Gateways:  payment.GatewayRegistry{payment.ProviderSandbox: gw},
		Events:    h.dedup,
		Publisher: h.published,
		Tx:        tx,
		Log:       log,
	}, NewPolicyEngine(PolicyConfig{}), Config{
		MaxAttempts:    3,
		Backoff:        time.Millisecond,
		GatewayTimeout: time.Second,
		StaleAfter:     time.Minute,
	}).(*service)
	h.svc.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seed stores a seller and a PAID order placed age ago with one item per price.
func (h *harness) seed(t *testing.T, trusted bool, age time.Duration, paymentRef string, prices ...string) *order.Order {
	t.Helper()
	sellerID := uuid.New()
	h.sellers.Put(&seller.Seller{
		ID:             sellerID,
		DisplayName:    "Test Shop",
		Status:         seller.StatusApproved,
		CommissionRate: dec("0.10"),
		IsTrusted:      trusted,
	})
	placed := time.Now().UTC().Add(-age)
	o := &order.Order{
		ID:               uuid.New(),
		SellerID:         sellerID,
		BuyerID:          uuid.New(),
		OrderNumber:      "ORD-" + uuid.NewString()[:8],
		Status:           order.StatusPaid,
		Currency:         "USD",
		PaymentProvider:  string(payment.ProviderSandbox),
		PaymentReference: paymentRef,
		CreatedAt:        placed,
		UpdatedAt:        placed,
	}
	for i, p := range prices {
		o.Items = append(o.Items, &order.OrderItem{
			ID:        uuid.New(),
			OrderID:   o.ID,
			Quantity:  1,
			UnitPrice: dec(p),
			CreatedAt: placed.Add(time.Duration(i) * time.Microsecond),
		})
	}
	o.Total = o.OriginalAmount()
	require.NoError(t, h.orders.CreateOrder(context.Background(), o))
	return o
}

func request(o *order.Order, item *order.OrderItem, amount string) CreateRefundRequest {
	req := CreateRefundRequest{OrderID: o.ID, Amount: dec(amount), Reason: "damaged", RequestedBy: uuid.New()}
	if item != nil {
		id := item.ID
		req.OrderItemID = &id
	}
	return req
}

func (h *harness) refundDebits(t *testing.T, sellerID uuid.UUID) []*ledger.Entry {
	t.Helper()
	all, err := h.entries.ListBySeller(context.Background(), sellerID, time.Time{}, time.Time{})
	require.NoError(t, err)
	var out []*ledger.Entry
	for _, e := range all {
		if e.Category == ledger.CategoryRefund {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) order(t *testing.T, id uuid.UUID) *order.Order {
	t.Helper()
	o, err := h.orders.GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

const twoDays = 48 * time.Hour

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestFullRefundAutoApprovedAndSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_instant_1", "50.00")

	r, err := h.svc.Create(ctx, request(o, o.Items[0], "50.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, "auto_approved", r.DecisionReason)
	assert.NotEmpty(t, r.GatewayRef)
	assert.NotNil(t, r.OrderSyncedAt)
	assert.Equal(t, 1, r.Attempts)

	got := h.order(t, o.ID)
	assert.True(t, got.Items[0].RefundedAmount.Equal(dec("50")))
	assert.Equal(t, order.StatusRefunded, got.Status)

	debits := h.refundDebits(t, o.SellerID)
	require.Len(t, debits, 1)
	assert.Equal(t, ledger.EntryDebit, debits[0].Type)
	assert.True(t, debits[0].Amount.Equal(dec("50")))

	assert.Equal(t,
		[]events.Type{events.RefundApproved, events.RefundProcessing, events.RefundSucceeded},
		h.published.Types(r.ID))
}

func TestPartialRefundQueuedThenRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_instant_2", "50.00")

	r, err := h.svc.Create(ctx, request(o, o.Items[0], "20.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, r.Status)
	assert.Equal(t, ReasonPartialRefund, r.DecisionReason)
	require.NotNil(t, r.QueuedAt)

	pending, err := h.svc.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)

	admin := uuid.New()
	rejected, err := h.svc.Reject(ctx, r.ID, admin, "not eligible", r.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	require.NotNil(t, rejected.DecidedBy)
	assert.Equal(t, admin, *rejected.DecidedBy)

	assert.Empty(t, h.refundDebits(t, o.SellerID))
	assert.Equal(t, order.StatusPaid, h.order(t, o.ID).Status)
	assert.Equal(t, 0, h.sandbox.Created())
	assert.Equal(t, []events.Type{events.RefundRequested, events.RefundRejected}, h.published.Types(r.ID))
}

func TestExpiredWindowRejectedWithoutGatewayCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, 10*24*time.Hour, "pay_instant_3", "50.00")

	r, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	var pv *apperror.PolicyViolation
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, ReasonWindowExpired, pv.Reason)
	require.NotNil(t, r)
	assert.Equal(t, StatusRejected, r.Status)

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, 0, h.sandbox.Created())
	assert.Empty(t, h.refundDebits(t, o.SellerID))
}

func TestConcurrentApprovalsOneWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")
	r, err := h.svc.Create(ctx, request(o, o.Items[0], "20.00"))
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Approve(ctx, r.ID, uuid.New(), r.Version)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperror.ErrConcurrencyConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, h.sandbox.Created())

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
}

func TestGatewayTimeoutsRetriedUntilSuccess(t *testing.T) {
	gw := &scriptedGateway{errs: []error{timeout(), timeout()}, status: payment.RefundSucceeded}
	h := newHarness(t, gw)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_1", "50.00")

	r, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, []string{r.ID.String(), r.ID.String(), r.ID.String()}, gw.calls())
	require.Len(t, h.refundDebits(t, o.SellerID), 1)

	// a late confirmation of the same refund changes nothing
	again, applied, err := h.svc.Reconcile(ctx, r.GatewayRef, payment.RefundSucceeded)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusSucceeded, again.Status)
	assert.Len(t, h.refundDebits(t, o.SellerID), 1)
}

// ── Gateway failures and retries ──────────────────────────────────────────────

func TestPermanentGatewayErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_decline", "50.00")

	r, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.NotEmpty(t, r.LastError)
	assert.NotNil(t, r.ResolvedAt)
	assert.Equal(t, order.StatusPaid, h.order(t, o.ID).Status)
	assert.Equal(t, events.RefundFailed, h.published.Types(r.ID)[2])
}

func TestTransientErrorsExhaustAttempts(t *testing.T) {
	gw := &scriptedGateway{always: timeout()}
	h := newHarness(t, gw)
	o := h.seed(t, true, twoDays, "pay_2", "50.00")

	r, err := h.svc.Create(context.Background(), request(o, nil, "50.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Len(t, gw.calls(), 3)
	assert.Empty(t, h.refundDebits(t, o.SellerID))
}

func TestRetryCreatesLinkedRefund(t *testing.T) {
	gw := &scriptedGateway{
		errs:   []error{apperror.Permanent("SANDBOX", "create_refund", errors.New("card expired"))},
		status: payment.RefundSucceeded,
	}
	h := newHarness(t, gw)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_3", "50.00")

	failed, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)

	retry, err := h.svc.Retry(ctx, failed.ID, uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retry.ID)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, failed.ID, *retry.RetryOf)
	assert.Equal(t, StatusSucceeded, retry.Status)
	assert.Equal(t, []string{failed.ID.String(), retry.ID.String()}, gw.calls())

	_, err = h.svc.Retry(ctx, failed.ID, uuid.New())
	assert.ErrorIs(t, err, apperror.ErrConcurrencyConflict)

	_, err = h.svc.Retry(ctx, retry.ID, uuid.New())
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)
}

func TestInterruptedDispatchLeftProcessing(t *testing.T) {
	gw := &scriptedGateway{always: timeout()}
	h := newHarness(t, gw)
	o := h.seed(t, true, twoDays, "pay_4", "50.00")

	ctx, cancel := context.WithCancel(context.Background())
	h.svc.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	r, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, r)

	stored, err := h.refunds.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
	assert.Empty(t, stored.GatewayRef)
}

func TestStaleProcessingRefundRedispatchedWithSameKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_instant_5", "50.00")

	// a refund claimed before a crash, never acknowledged by the gateway
	stale := time.Now().UTC().Add(-10 * time.Minute)
	r := &Refund{
		ID:               uuid.New(),
		OrderID:          o.ID,
		SellerID:         o.SellerID,
		Amount:           dec("50.00"),
		Currency:         "USD",
		RequestedBy:      uuid.New(),
		Status:           StatusProcessing,
		GatewayProvider:  payment.ProviderSandbox,
		PaymentReference: o.PaymentReference,
		CreatedAt:        stale,
		UpdatedAt:        stale,
		Version:          3,
	}
	require.NoError(t, h.refunds.Create(ctx, r))

	// the first dispatch did reach the gateway before the crash
	_, err := h.sandbox.CreateRefund(ctx, r.PaymentReference, r.Amount, r.Currency, r.ID.String())
	require.NoError(t, err)

	report, err := h.svc.ReconcileProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Redispatched: 1, Resolved: 1}, report)
	assert.Equal(t, 1, h.sandbox.Created())

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
	assert.Equal(t, "sbx_re_"+r.ID.String(), stored.GatewayRef)
	assert.Len(t, h.refundDebits(t, o.SellerID), 1)
	assert.Equal(t, order.StatusRefunded, h.order(t, o.ID).Status)
}

func TestFreshProcessingRefundNotRedispatched(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_6", "50.00")
	now := time.Now().UTC()
	require.NoError(t, h.refunds.Create(ctx, &Refund{
		ID: uuid.New(), OrderID: o.ID, SellerID: o.SellerID, Amount: dec("10"), Currency: "USD",
		RequestedBy: uuid.New(), Status: StatusProcessing, GatewayProvider: payment.ProviderSandbox,
		PaymentReference: o.PaymentReference, CreatedAt: now, UpdatedAt: now, Version: 3,
	}))

	report, err := h.svc.ReconcileProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
	assert.Equal(t, 0, h.sandbox.Created())
}

// ── Notifications ─────────────────────────────────────────────────────────────

func notification(eventID, ref string, status payment.RefundStatus) payment.Notification {
	return payment.Notification{
		Provider:        payment.ProviderSandbox,
		GatewayRefundID: ref,
		GatewayEventID:  eventID,
		Status:          status,
		ProviderStatus:  strings.ToLower(string(status)),
		ReceivedAt:      time.Now().UTC(),
	}
}

func TestNotificationCompletesRefundOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00", "30.00")

	r, err := h.svc.Create(ctx, request(o, o.Items[1], "30.00"))
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, r.Status)
	require.NotEmpty(t, r.GatewayRef)
	assert.Equal(t, order.StatusPaid, h.order(t, o.ID).Status)

	handled, err := h.svc.HandleNotification(ctx, notification("evt_1", r.GatewayRef, payment.RefundSucceeded))
	require.NoError(t, err)
	assert.True(t, handled)

	got := h.order(t, o.ID)
	assert.Equal(t, order.StatusPartiallyRefunded, got.Status)
	assert.True(t, got.Items[1].RefundedAmount.Equal(dec("30")))
	assert.True(t, got.Items[0].RefundedAmount.IsZero())

	// replayed event
	handled, err = h.svc.HandleNotification(ctx, notification("evt_1", r.GatewayRef, payment.RefundSucceeded))
	require.NoError(t, err)
	assert.False(t, handled)

	// a different event with the same status
	handled, err = h.svc.HandleNotification(ctx, notification("evt_2", r.GatewayRef, payment.RefundSucceeded))
	require.NoError(t, err)
	assert.False(t, handled)

	// a late failure cannot move a succeeded refund back
	handled, err = h.svc.HandleNotification(ctx, notification("evt_3", r.GatewayRef, payment.RefundFailed))
	require.NoError(t, err)
	assert.False(t, handled)

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
	assert.Len(t, h.refundDebits(t, o.SellerID), 1)
	assert.True(t, h.order(t, o.ID).Items[1].RefundedAmount.Equal(dec("30")))

	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		seen, err := h.dedup.Seen(ctx, id)
		require.NoError(t, err)
		assert.True(t, seen, id)
	}
}

func TestNotificationForUnknownRefundIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	handled, err := h.svc.HandleNotification(ctx, notification("evt_x", "re_missing", payment.RefundSucceeded))
	require.NoError(t, err)
	assert.False(t, handled)

	seen, err := h.dedup.Seen(ctx, "evt_x")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestNotificationFromAnotherProviderIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pi_stripe", "50.00")
	now := time.Now().UTC()
	r := &Refund{
		ID: uuid.New(), OrderID: o.ID, SellerID: o.SellerID, Amount: dec("50.00"), Currency: "USD",
		RequestedBy: uuid.New(), Status: StatusProcessing, GatewayProvider: payment.ProviderStripe,
		PaymentReference: o.PaymentReference, GatewayRef: "re_stripe_1",
		CreatedAt: now, UpdatedAt: now, Version: 3,
	}
	require.NoError(t, h.refunds.Create(ctx, r))

	handled, err := h.svc.HandleNotification(ctx, notification("evt_sbx", "re_stripe_1", payment.RefundSucceeded))
	require.NoError(t, err)
	assert.False(t, handled)

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
	assert.Empty(t, h.refundDebits(t, o.SellerID))
	assert.Equal(t, order.StatusPaid, h.order(t, o.ID).Status)
	seen, err := h.dedup.Seen(ctx, "evt_sbx")
	require.NoError(t, err)
	assert.False(t, seen)

	// the owning provider still settles it
	n := notification("evt_stripe", "re_stripe_1", payment.RefundSucceeded)
	n.Provider = payment.ProviderStripe
	handled, err = h.svc.HandleNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Len(t, h.refundDebits(t, o.SellerID), 1)
	assert.Equal(t, order.StatusRefunded, h.order(t, o.ID).Status)
}

func TestPendingNotificationChangesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")
	r, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	require.NoError(t, err)

	handled, err := h.svc.HandleNotification(ctx, notification("evt_p", r.GatewayRef, payment.RefundPending))
	require.NoError(t, err)
	assert.False(t, handled)

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
}

func TestPollResolvesFailedRefund(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")
	r, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	require.NoError(t, err)

	got, err := h.svc.Poll(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	require.NoError(t, h.sandbox.Settle(r.GatewayRef, payment.RefundFailed))
	got, err = h.svc.Poll(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, h.refundDebits(t, o.SellerID))
	assert.Equal(t, events.RefundFailed, h.published.Types(r.ID)[2])
}

func TestResyncFinishesInterruptedSettlement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")
	r, err := h.svc.Create(ctx, request(o, nil, "50.00"))
	require.NoError(t, err)

	h.orders.FailSaves = 1
	_, err = h.svc.HandleNotification(ctx, notification("evt_s", r.GatewayRef, payment.RefundSucceeded))
	require.Error(t, err)

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
	assert.Nil(t, stored.OrderSyncedAt)
	assert.Equal(t, order.StatusPaid, h.order(t, o.ID).Status)

	n, err := h.svc.ResyncOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, order.StatusRefunded, h.order(t, o.ID).Status)
	assert.Len(t, h.refundDebits(t, o.SellerID), 1)

	n, err = h.svc.ResyncOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// ── Capacity and validation ───────────────────────────────────────────────────

func TestInFlightRefundsHoldCapacity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")

	_, err := h.svc.Create(ctx, request(o, o.Items[0], "30.00"))
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, request(o, o.Items[0], "30.00"))
	var pv *apperror.PolicyViolation
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, ReasonOverRefund, pv.Reason)

	r, err := h.svc.Create(ctx, request(o, nil, "20.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, r.Status)
}

func TestWholeOrderRefundSpansItems(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_instant_w", "50.00", "30.00")

	r, err := h.svc.Create(ctx, request(o, nil, "80.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)

	got := h.order(t, o.ID)
	assert.Equal(t, order.StatusRefunded, got.Status)
	for _, item := range got.Items {
		assert.True(t, item.FullyRefunded())
	}
}

func TestClaimRejectsRefundBeyondCapacity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")
	now := time.Now().UTC()
	itemID := o.Items[0].ID
	r := &Refund{
		ID: uuid.New(), OrderID: o.ID, OrderItemID: &itemID, SellerID: o.SellerID,
		Amount: dec("60.00"), Currency: "USD", RequestedBy: uuid.New(), Status: StatusRequested,
		GatewayProvider: payment.ProviderSandbox, PaymentReference: o.PaymentReference,
		QueuedAt: &now, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	require.NoError(t, h.refunds.Create(ctx, r))

	got, err := h.svc.Approve(ctx, r.ID, uuid.New(), 1)
	var pv *apperror.PolicyViolation
	require.True(t, errors.As(err, &pv), "got %v", err)
	assert.Equal(t, ReasonOverRefund, pv.Reason)
	require.NotNil(t, got)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, ReasonOverRefund, got.DecisionReason)
	assert.NotNil(t, got.ResolvedAt)
	assert.Equal(t, 0, h.sandbox.Created())
	assert.Contains(t, h.published.Types(r.ID), events.RefundRejected)

	stored, err := h.refunds.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
}

func TestConcurrentFullRefundsAdmitOne(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")

	// both requests read the clock before either reaches the order lock
	var arrived sync.WaitGroup
	arrived.Add(2)
	var calls atomic.Int32
	h.svc.now = func() time.Time {
		if calls.Add(1) <= 2 {
			arrived.Done()
			arrived.Wait()
		}
		return time.Now()
	}

	type result struct {
		refund *Refund
		err    error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.svc.Create(ctx, request(o, o.Items[0], "50.00"))
			results[i] = result{r, err}
		}(i)
	}
	wg.Wait()

	processing, rejected := 0, 0
	for _, res := range results {
		require.NotNil(t, res.refund)
		switch res.refund.Status {
		case StatusProcessing:
			assert.NoError(t, res.err)
			processing++
		case StatusRejected:
			var pv *apperror.PolicyViolation
			require.True(t, errors.As(res.err, &pv), "got %v", res.err)
			assert.Equal(t, ReasonOverRefund, pv.Reason)
			rejected++
		}
	}
	assert.Equal(t, 1, processing)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, h.sandbox.Created())

	approved, err := h.refunds.ListByStatus(ctx, StatusApproved, nil)
	require.NoError(t, err)
	assert.Empty(t, approved)
}

func TestStrandedApprovedRefundsResubmitted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_instant_s", "50.00", "30.00")

	// approved refunds whose claim never ran, e.g. after a crash
	approved := func(amount string, at time.Time) *Refund {
		r := &Refund{
			ID: uuid.New(), OrderID: o.ID, SellerID: o.SellerID, Amount: dec(amount), Currency: "USD",
			RequestedBy: uuid.New(), Status: StatusApproved, DecisionReason: "auto_approved",
			GatewayProvider: payment.ProviderSandbox, PaymentReference: o.PaymentReference,
			CreatedAt: at, UpdatedAt: at, Version: 1,
		}
		require.NoError(t, h.refunds.Create(ctx, r))
		return r
	}
	stale := time.Now().UTC().Add(-10 * time.Minute)
	fits := approved("50.00", stale)
	tooLarge := approved("90.00", stale.Add(time.Second))
	recent := approved("10.00", time.Now().UTC())

	report, err := h.svc.ReconcileProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Resubmitted: 2, Resolved: 2}, report)

	got, err := h.refunds.GetByID(ctx, fits.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.NotNil(t, got.OrderSyncedAt)

	got, err = h.refunds.GetByID(ctx, tooLarge.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, ReasonOverRefund, got.DecisionReason)

	got, err = h.refunds.GetByID(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	assert.Equal(t, 1, h.sandbox.Created())
	assert.Len(t, h.refundDebits(t, o.SellerID), 1)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_async", "50.00")

	_, err := h.svc.Create(ctx, CreateRefundRequest{Amount: dec("1"), RequestedBy: uuid.New()})
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)

	_, err = h.svc.Create(ctx, CreateRefundRequest{OrderID: o.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)

	_, err = h.svc.Create(ctx, request(o, nil, "1.005"))
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)

	stranger := &order.OrderItem{ID: uuid.New()}
	_, err = h.svc.Create(ctx, request(o, stranger, "1.00"))
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)

	_, err = h.svc.Create(ctx, CreateRefundRequest{OrderID: uuid.New(), Amount: dec("1"), RequestedBy: uuid.New()})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	r, err := h.svc.Create(ctx, request(o, nil, "0"))
	var pv *apperror.PolicyViolation
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, ReasonInvalidAmount, pv.Reason)
	assert.Equal(t, StatusRejected, r.Status)
}

func TestSellerCannotTouchOtherSellersRefunds(t *testing.T) {
	h := newHarness(t, nil)
	o := h.seed(t, true, twoDays, "pay_async", "50.00")
	r, err := h.svc.Create(context.Background(), request(o, nil, "10.00"))
	require.NoError(t, err)

	other := uuid.New()
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{Subject: uuid.NewString(), Role: auth.RoleSeller, SellerID: &other})

	_, err = h.svc.Create(ctx, request(o, nil, "10.00"))
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = h.svc.Get(ctx, r.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = h.svc.ListByOrder(ctx, o.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	owner := o.SellerID
	ctx = auth.WithPrincipal(context.Background(), auth.Principal{Subject: uuid.NewString(), Role: auth.RoleSeller, SellerID: &owner})
	list, err := h.svc.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDecideBulk(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, false, twoDays, "pay_async", "50.00", "30.00")

	a, err := h.svc.Create(ctx, request(o, o.Items[0], "50.00"))
	require.NoError(t, err)
	require.Equal(t, ReasonUntrustedSeller, a.DecisionReason)
	b, err := h.svc.Create(ctx, request(o, o.Items[1], "10.00"))
	require.NoError(t, err)

	results := h.svc.Decide(ctx, uuid.New(), []BulkDecisionItem{
		{RefundID: a.ID, DecisionRequest: DecisionRequest{Decision: "approve", ExpectedVersion: a.Version}},
		{RefundID: b.ID, DecisionRequest: DecisionRequest{Decision: "reject", ExpectedVersion: b.Version + 1}},
		{RefundID: b.ID, DecisionRequest: DecisionRequest{Decision: "maybe", ExpectedVersion: b.Version}},
	})
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, StatusProcessing, results[0].Refund.Status)
	assert.NotEmpty(t, results[1].Error)
	assert.Nil(t, results[1].Refund)
	assert.NotEmpty(t, results[2].Error)

	pending, err := h.svc.ListPending(ctx, &o.SellerID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestItemRefundsNeverExceedOriginal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	o := h.seed(t, true, twoDays, "pay_instant_p", "40.00")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// full refunds race; policy and claim admit only one
			_, _ = h.svc.Create(ctx, request(o, o.Items[0], "40.00"))
		}()
	}
	wg.Wait()

	got := h.order(t, o.ID)
	assert.True(t, got.Items[0].RefundedAmount.LessThanOrEqual(got.Items[0].OriginalAmount()))
	assert.Len(t, h.refundDebits(t, o.SellerID), 1)
}
