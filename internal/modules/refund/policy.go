package refund

import (
	"time"

	"github.com/georgemunganga/refund-ledger/internal/modules/order"
	"github.com/shopspring/decimal"
)

// Outcome is the policy verdict on a refund request.
type Outcome string

const (
	OutcomeAutoApprove    Outcome = "AUTO_APPROVE"
	OutcomeRequiresReview Outcome = "REQUIRES_REVIEW"
	OutcomeReject         Outcome = "REJECT"
)

// Reason codes attached to Reject and RequiresReview decisions.
const (
	ReasonInvalidAmount      = "invalid_amount"
	ReasonOverRefund         = "over_refund"
	ReasonOrderDisputed      = "order_disputed"
	ReasonOrderNotRefundable = "order_not_refundable"
	ReasonWindowExpired      = "refund_window_expired"
	ReasonPartialRefund      = "partial_refund"
	ReasonUntrustedSeller    = "untrusted_seller"
)

// DefaultRefundWindow is how long after placement an order stays refundable.
const DefaultRefundWindow = 7 * 24 * time.Hour

// PolicyConfig holds the tunables of the policy engine.
type PolicyConfig struct {
	RefundWindow time.Duration
}

// PolicyInput is everything a decision depends on.
type PolicyInput struct {
	Order         *order.Order
	Item          *order.OrderItem // nil = whole order
	SellerTrusted bool
	Amount        decimal.Decimal
	// InFlightItem sums open refunds on Item; InFlightOrder sums open refunds on the whole order.
	InFlightItem  decimal.Decimal
	InFlightOrder decimal.Decimal
	Now           time.Time
}

// Decision is the engine's verdict.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// PolicyEngine decides whether a refund is approved automatically, needs an
// admin, or is refused. It is pure: the same input gives the same decision.
type PolicyEngine struct {
	cfg PolicyConfig
}

func NewPolicyEngine(cfg PolicyConfig) *PolicyEngine {
	if cfg.RefundWindow <= 0 {
		cfg.RefundWindow = DefaultRefundWindow
	}
	return &PolicyEngine{cfg: cfg}
}

// Evaluate applies the rules in order; the first that matches decides.
func (p *PolicyEngine) Evaluate(in PolicyInput) Decision {
	if !in.Amount.IsPositive() {
		return Decision{OutcomeReject, ReasonInvalidAmount}
	}
	remaining := Remaining(in.Order, in.Item, in.InFlightItem, in.InFlightOrder)
	if in.Amount.GreaterThan(remaining) {
		return Decision{OutcomeReject, ReasonOverRefund}
	}
	if in.Order.HasActiveDispute() {
		return Decision{OutcomeReject, ReasonOrderDisputed}
	}
	if in.Order.Status == order.StatusPending || in.Order.Status == order.StatusCancelled {
		return Decision{OutcomeReject, ReasonOrderNotRefundable}
	}
	if in.Now.Sub(in.Order.CreatedAt) > p.cfg.RefundWindow {
		return Decision{OutcomeReject, ReasonWindowExpired}
	}
	if in.Amount.LessThan(remaining) {
		return Decision{OutcomeRequiresReview, ReasonPartialRefund}
	}
	if !in.SellerTrusted {
		return Decision{OutcomeRequiresReview, ReasonUntrustedSeller}
	}
	return Decision{Outcome: OutcomeAutoApprove}
}

// Remaining is what can still be refunded on the scope after already refunded
// and in-flight amounts. An item is also capped by what is left on its order.
func Remaining(o *order.Order, item *order.OrderItem, inFlightItem, inFlightOrder decimal.Decimal) decimal.Decimal {
	orderLeft := o.OriginalAmount().Sub(o.RefundedAmount()).Sub(inFlightOrder)
	if item == nil {
		return decimal.Max(orderLeft, decimal.Zero)
	}
	itemLeft := item.RemainingAmount().Sub(inFlightItem)
	return decimal.Max(decimal.Min(itemLeft, orderLeft), decimal.Zero)
}
