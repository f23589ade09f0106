package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// Category tells what produced an entry.
type Category string

const (
	CategorySale               Category = "SALE"
	CategoryCommission         Category = "COMMISSION"
	CategoryRefund             Category = "REFUND"
	CategoryCommissionReversal Category = "COMMISSION_REVERSAL"
	CategoryAdjustment         Category = "ADJUSTMENT"
)

// Entry is an immutable line of a seller's earnings ledger.
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	SellerID     uuid.UUID       `json:"seller_id"`
	OrderID      uuid.UUID       `json:"order_id"`
	RefundID     *uuid.UUID      `json:"refund_id,omitempty"`
	Sequence     int64           `json:"sequence"`
	Type         EntryType       `json:"type"`
	Category     Category        `json:"category"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Signed returns the amount with the sign applied to the balance.
func (e *Entry) Signed() decimal.Decimal {
	if e.Type == EntryDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Head is the seller's current position: the balance after the last entry.
type Head struct {
	SellerID    uuid.UUID
	Balance     decimal.Decimal
	Version     int64
	Sequence    int64
	LastEntryAt time.Time
}

// DateRange is a half-open [From, To) window. Zero values are unbounded.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Statement is a seller's ledger for a date range with running totals.
type Statement struct {
	SellerID        uuid.UUID       `json:"seller_id"`
	From            *time.Time      `json:"from,omitempty"`
	To              *time.Time      `json:"to,omitempty"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
	ClosingBalance  decimal.Decimal `json:"closing_balance"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	TotalRefunds    decimal.Decimal `json:"total_refunds"`
	NetChange       decimal.Decimal `json:"net_change"`
	Rows            []StatementRow  `json:"rows"`
}

// StatementRow is one exported ledger line.
type StatementRow struct {
	Date           time.Time       `json:"date"`
	Type           EntryType       `json:"type"`
	Category       Category        `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	RelatedOrderID uuid.UUID       `json:"related_order_id"`
	RefundID       *uuid.UUID      `json:"refund_id,omitempty"`
	Description    string          `json:"description,omitempty"`
}

// ── Request DTOs ──────────────────────────────────────────────────────────────

// AppendRequest describes a single entry to append.
type AppendRequest struct {
	SellerID    uuid.UUID
	Type        EntryType
	Category    Category
	Amount      decimal.Decimal
	OrderID     uuid.UUID
	RefundID    *uuid.UUID
	Description string
}

// RefundPosting is the ledger side of a succeeded refund.
type RefundPosting struct {
	SellerID uuid.UUID
	OrderID  uuid.UUID
	RefundID uuid.UUID
	Amount   decimal.Decimal
}
