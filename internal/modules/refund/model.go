package refund

import (
	"time"

	"github.com/georgemunganga/refund-ledger/internal/modules/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a refund.
type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// validTransitions is the refund state machine. Terminal statuses have no exits;
// a FAILED refund is retried as a new refund. APPROVED → REJECTED happens only when
// the claim finds the order's capacity already taken.
var validTransitions = map[Status][]Status{
	StatusRequested:  {StatusApproved, StatusRejected},
	StatusApproved:   {StatusProcessing, StatusRejected},
	StatusProcessing: {StatusSucceeded, StatusFailed},
	StatusRejected:   {},
	StatusSucceeded:  {},
	StatusFailed:     {},
}

// CanTransition reports whether a refund may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusSucceeded || s == StatusFailed
}

// Refund is a request to return money for an order or one of its items.
// Its ID doubles as the gateway idempotency key.
type Refund struct {
	ID               uuid.UUID        `json:"id"`
	OrderID          uuid.UUID        `json:"order_id"`
	OrderItemID      *uuid.UUID       `json:"order_item_id,omitempty"`
	SellerID         uuid.UUID        `json:"seller_id"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	RequestedBy      uuid.UUID        `json:"requested_by"`
	Reason           string           `json:"reason,omitempty"`
	Status           Status           `json:"status"`
	DecisionReason   string           `json:"decision_reason,omitempty"`
	DecidedBy        *uuid.UUID       `json:"decided_by,omitempty"`
	GatewayProvider  payment.Provider `json:"gateway_provider"`
	PaymentReference string           `json:"-"`
	GatewayRef       string           `json:"gateway_ref,omitempty"`
	RetryOf          *uuid.UUID       `json:"retry_of,omitempty"`
	Attempts         int              `json:"attempts"`
	LastError        string           `json:"last_error,omitempty"`
	QueuedAt         *time.Time       `json:"queued_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	OrderSyncedAt    *time.Time       `json:"order_synced_at,omitempty"`
	Version          int64            `json:"version"`
}

// WholeOrder reports whether the refund targets the whole order rather than one item.
func (r *Refund) WholeOrder() bool { return r.OrderItemID == nil }

// Clone returns a copy that shares no pointers with r.
func (r *Refund) Clone() *Refund {
	c := *r
	c.OrderItemID = cloneID(r.OrderItemID)
	c.DecidedBy = cloneID(r.DecidedBy)
	c.RetryOf = cloneID(r.RetryOf)
	c.QueuedAt = cloneTime(r.QueuedAt)
	c.ResolvedAt = cloneTime(r.ResolvedAt)
	c.OrderSyncedAt = cloneTime(r.OrderSyncedAt)
	return &c
}

func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ── Request/Response DTOs ─────────────────────────────────────────────────────

// CreateRefundRequest asks for a refund of a whole order or a single item.
type CreateRefundRequest struct {
	OrderID     uuid.UUID       `json:"order_id"`
	OrderItemID *uuid.UUID      `json:"order_item_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
	RequestedBy uuid.UUID       `json:"requested_by"`

	retryOf *uuid.UUID
}

// Decision values accepted from admins.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// DecisionRequest is an admin decision on a queued refund.
type DecisionRequest struct {
	Decision        string `json:"decision"` // approve | reject
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason,omitempty"`
}

// BulkDecisionItem is one entry of a bulk decision.
type BulkDecisionItem struct {
	RefundID uuid.UUID `json:"refund_id"`
	DecisionRequest
}

// DecisionResult reports the outcome of one bulk decision item.
type DecisionResult struct {
	RefundID uuid.UUID `json:"refund_id"`
	Refund   *Refund   `json:"refund,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Polled       int `json:"polled"`
	Redispatched int `json:"redispatched"`
	Resubmitted  int `json:"resubmitted"`
	Resolved     int `json:"resolved"`
	Resynced     int `json:"resynced"`
	Errors       int `json:"errors"`
}
