package seller

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the onboarding state of a seller account.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// DefaultCommissionRate is the platform fee applied when a seller has no negotiated rate.
var DefaultCommissionRate = decimal.RequireFromString("0.10")

// Seller owns orders and exactly one running balance in the earnings ledger.
type Seller struct {
	ID                uuid.UUID       `json:"id"`
	DisplayName       string          `json:"display_name"`
	Status            Status          `json:"status"`
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	PayoutHoldDays    int             `json:"payout_hold_days"`
	IsTrusted         bool            `json:"is_trusted"`
	GatewayAccountRef string          `json:"gateway_account_ref,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
