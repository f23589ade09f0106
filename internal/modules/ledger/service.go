package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service is the seller earnings ledger. Appends for one seller are serialized;
// different sellers proceed independently.
type Service interface {
	// Append writes one entry at the end of the seller's ledger.
	Append(ctx context.Context, req AppendRequest) (*Entry, error)

	// RecordSale credits gross sale earnings and debits the platform commission. Idempotent per order.
	RecordSale(ctx context.Context, sellerID, orderID uuid.UUID, gross decimal.Decimal) ([]*Entry, error)

	// RecordRefund debits a succeeded refund and credits back its share of commission. Idempotent per refund.
	RecordRefund(ctx context.Context, p RefundPosting) ([]*Entry, error)

	// Balance returns the seller's current running balance.
	Balance(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error)

	// Statement returns the seller's entries in the range with opening balance and totals.
	Statement(ctx context.Context, sellerID uuid.UUID, rng DateRange) (*Statement, error)

	// Verify replays the seller's ledger and checks every running-balance step.
	Verify(ctx context.Context, sellerID uuid.UUID) error
}

// CommissionSource resolves a seller's platform commission rate.
type CommissionSource interface {
	CommissionRate(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error)
}

const maxAppendAttempts = 5

type service struct {
	repo  Repository
	rates CommissionSource
	tx    database.Transactor
	log   *zap.Logger
	now   func() time.Time
	locks keyedMutex
}

// NewService creates a new ledger service.
func NewService(repo Repository, rates CommissionSource, tx database.Transactor, log *zap.Logger) Service {
	return &service{
		repo:  repo,
		rates: rates,
		tx:    tx,
		log:   log,
		now:   time.Now,
		locks: keyedMutex{m: make(map[uuid.UUID]*sync.Mutex)},
	}
}

func (s *service) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	var out *Entry
	err := s.withSeller(ctx, req.SellerID, func(ctx context.Context) error {
		e, err := s.appendLocked(ctx, req)
		out = e
		return err
	})
	return out, err
}

func (s *service) RecordSale(ctx context.Context, sellerID, orderID uuid.UUID, gross decimal.Decimal) ([]*Entry, error) {
	if !gross.IsPositive() {
		return nil, apperror.Invalid("sale amount must be positive")
	}
	var out []*Entry
	err := s.withSeller(ctx, sellerID, func(ctx context.Context) error {
		existing, err := s.repo.ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Category == CategorySale {
				out = existing
				return nil
			}
		}

		rate, err := s.rates.CommissionRate(ctx, sellerID)
		if err != nil {
			return fmt.Errorf("commission rate: %w", err)
		}
		sale, err := s.appendLocked(ctx, AppendRequest{
			SellerID: sellerID, Type: EntryCredit, Category: CategorySale,
			Amount: gross.Round(2), OrderID: orderID, Description: "order sale",
		})
		if err != nil {
			return err
		}
		out = append(out, sale)

		commission := gross.Mul(rate).Round(2)
		if commission.IsPositive() {
			fee, err := s.appendLocked(ctx, AppendRequest{
				SellerID: sellerID, Type: EntryDebit, Category: CategoryCommission,
				Amount: commission, OrderID: orderID,
				Description: "platform commission at " + rate.String(),
			})
			if err != nil {
				return err
			}
			out = append(out, fee)
		}
		return nil
	})
	return out, err
}

func (s *service) RecordRefund(ctx context.Context, p RefundPosting) ([]*Entry, error) {
	if !p.Amount.IsPositive() {
		return nil, apperror.Invalid("refund amount must be positive")
	}
	var out []*Entry
	err := s.withSeller(ctx, p.SellerID, func(ctx context.Context) error {
		debit, err := s.repo.FindByRefund(ctx, p.RefundID, CategoryRefund)
		if err == nil {
			out = append(out, debit)
			if reversal, err := s.repo.FindByRefund(ctx, p.RefundID, CategoryCommissionReversal); err == nil {
				out = append(out, reversal)
			}
			return nil
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return err
		}

		rate, err := s.rates.CommissionRate(ctx, p.SellerID)
		if err != nil {
			return fmt.Errorf("commission rate: %w", err)
		}
		refundID := p.RefundID
		debit, err = s.appendLocked(ctx, AppendRequest{
			SellerID: p.SellerID, Type: EntryDebit, Category: CategoryRefund,
			Amount: p.Amount.Round(2), OrderID: p.OrderID, RefundID: &refundID,
			Description: "refund " + refundID.String(),
		})
		if err != nil {
			return err
		}
		out = append(out, debit)

		reversal := p.Amount.Mul(rate).Round(2)
		if reversal.IsPositive() {
			credit, err := s.appendLocked(ctx, AppendRequest{
				SellerID: p.SellerID, Type: EntryCredit, Category: CategoryCommissionReversal,
				Amount: reversal, OrderID: p.OrderID, RefundID: &refundID,
				Description: "commission returned for refund " + refundID.String(),
			})
			if err != nil {
				return err
			}
			out = append(out, credit)
		}
		return nil
	})
	return out, err
}

func (s *service) Balance(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error) {
	h, err := s.repo.Head(ctx, sellerID)
	if err != nil {
		return decimal.Zero, err
	}
	return h.Balance, nil
}

func (s *service) Statement(ctx context.Context, sellerID uuid.UUID, rng DateRange) (*Statement, error) {
	if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
		return nil, apperror.Invalid("statement range start must be before its end")
	}
	entries, err := s.repo.ListBySeller(ctx, sellerID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}

	st := &Statement{SellerID: sellerID, Rows: make([]StatementRow, 0, len(entries))}
	if !rng.From.IsZero() {
		from := rng.From
		st.From = &from
		opening, err := s.repo.BalanceBefore(ctx, sellerID, rng.From)
		if err != nil {
			return nil, err
		}
		st.OpeningBalance = opening.Balance
	}
	if !rng.To.IsZero() {
		to := rng.To
		st.To = &to
	}

	for _, e := range entries {
		switch e.Category {
		case CategorySale:
			st.TotalRevenue = st.TotalRevenue.Add(e.Amount)
		case CategoryCommission:
			st.TotalCommission = st.TotalCommission.Add(e.Amount)
		case CategoryCommissionReversal:
			st.TotalCommission = st.TotalCommission.Sub(e.Amount)
		case CategoryRefund:
			st.TotalRefunds = st.TotalRefunds.Add(e.Amount)
		}
		st.NetChange = st.NetChange.Add(e.Signed())
		st.Rows = append(st.Rows, StatementRow{
			Date:           e.CreatedAt,
			Type:           e.Type,
			Category:       e.Category,
			Amount:         e.Amount,
			BalanceAfter:   e.BalanceAfter,
			RelatedOrderID: e.OrderID,
			RefundID:       e.RefundID,
			Description:    e.Description,
		})
	}
	st.ClosingBalance = st.OpeningBalance.Add(st.NetChange)
	return st, nil
}

func (s *service) Verify(ctx context.Context, sellerID uuid.UUID) error {
	entries, err := s.repo.ListBySeller(ctx, sellerID, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	balance := decimal.Zero
	var seq int64
	for _, e := range entries {
		if e.Sequence != seq+1 {
			return apperror.Integrity("seller %s: entry %s has sequence %d, expected %d", sellerID, e.ID, e.Sequence, seq+1)
		}
		balance = balance.Add(e.Signed())
		if !e.BalanceAfter.Equal(balance) {
			return apperror.Integrity("seller %s: entry %d balance_after %s, expected %s", sellerID, e.Sequence, e.BalanceAfter, balance)
		}
		seq = e.Sequence
	}
	head, err := s.repo.Head(ctx, sellerID)
	if err != nil {
		return err
	}
	if head.Sequence != seq || !head.Balance.Equal(balance) {
		return apperror.Integrity("seller %s: head %s@%d does not match ledger %s@%d", sellerID, head.Balance, head.Sequence, balance, seq)
	}
	return nil
}

// ── internals ─────────────────────────────────────────────────────────────────

// withSeller runs fn in a transaction while holding the seller's append lock.
// The transaction is always entered first so every path takes locks in the same order.
func (s *service) withSeller(ctx context.Context, sellerID uuid.UUID, fn func(ctx context.Context) error) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		unlock := s.locks.lock(sellerID)
		defer unlock()
		return fn(ctx)
	})
}

func (s *service) appendLocked(ctx context.Context, req AppendRequest) (*Entry, error) {
	for attempt := 1; ; attempt++ {
		head, err := s.repo.Head(ctx, req.SellerID)
		if err != nil {
			return nil, err
		}
		e := &Entry{
			ID:          uuid.New(),
			SellerID:    req.SellerID,
			OrderID:     req.OrderID,
			RefundID:    req.RefundID,
			Sequence:    head.Sequence + 1,
			Type:        req.Type,
			Category:    req.Category,
			Amount:      req.Amount,
			Description: req.Description,
			CreatedAt:   s.entryTime(head),
		}
		e.BalanceAfter = head.Balance.Add(e.Signed())

		err = s.repo.Append(ctx, e, head.Version)
		if err == nil {
			s.log.Info("ledger entry appended",
				zap.String("seller_id", e.SellerID.String()),
				zap.String("category", string(e.Category)),
				zap.String("amount", e.Signed().StringFixed(2)),
				zap.String("balance_after", e.BalanceAfter.StringFixed(2)),
				zap.Int64("sequence", e.Sequence))
			return e, nil
		}
		if !errors.Is(err, apperror.ErrConcurrencyConflict) || attempt >= maxAppendAttempts {
			return nil, err
		}
		s.log.Warn("ledger append conflict, retrying",
			zap.String("seller_id", req.SellerID.String()), zap.Int("attempt", attempt))
	}
}

// entryTime keeps created_at strictly increasing per seller at microsecond precision.
func (s *service) entryTime(head Head) time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !head.LastEntryAt.IsZero() && !t.After(head.LastEntryAt) {
		t = head.LastEntryAt.UTC().Add(time.Microsecond)
	}
	return t
}

func validate(req AppendRequest) error {
	if req.SellerID == uuid.Nil || req.OrderID == uuid.Nil {
		return apperror.Invalid("seller_id and order_id are required")
	}
	if req.Type != EntryCredit && req.Type != EntryDebit {
		return apperror.Invalid("unknown entry type %q", req.Type)
	}
	if !req.Amount.IsPositive() {
		return apperror.Invalid("ledger amount must be positive")
	}
	return nil
}

type keyedMutex struct {
	mu sync.Mutex
	m  map[uuid.UUID]*sync.Mutex
}

func (k *keyedMutex) lock(id uuid.UUID) func() {
	k.mu.Lock()
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
