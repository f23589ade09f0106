package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/google/uuid"
)

type postgresRepo struct {
	db *sql.DB
	tx database.Transactor
}

func NewPostgresRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db, tx: database.NewTransactor(db)}
}

func (r *postgresRepo) Head(ctx context.Context, sellerID uuid.UUID) (Head, error) {
	h := Head{SellerID: sellerID}
	var lastAt sql.NullTime
	err := database.Conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT balance, version, last_sequence, last_entry_at
		FROM seller_balances WHERE seller_id=$1`, sellerID).
		Scan(&h.Balance, &h.Version, &h.Sequence, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	if lastAt.Valid {
		h.LastEntryAt = lastAt.Time
	}
	return h, nil
}

// Append advances the seller head with a version check and inserts the entry.
// Both statements run in one transaction.
func (r *postgresRepo) Append(ctx context.Context, e *Entry, expectedVersion int64) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := database.Conn(ctx, r.db)
		if _, err := q.ExecContext(ctx,
			`INSERT INTO seller_balances (seller_id) VALUES ($1) ON CONFLICT (seller_id) DO NOTHING`,
			e.SellerID); err != nil {
			return fmt.Errorf("ensure seller balance: %w", err)
		}

		res, err := q.ExecContext(ctx, `
			UPDATE seller_balances
			SET balance=$1, version=version+1, last_sequence=$2, last_entry_at=$3
			WHERE seller_id=$4 AND version=$5`,
			e.BalanceAfter, e.Sequence, e.CreatedAt, e.SellerID, expectedVersion)
		if err != nil {
			return fmt.Errorf("advance seller balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.Conflict("seller %s balance moved past version %d", e.SellerID, expectedVersion)
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO ledger_entries
			  (id, seller_id, order_id, refund_id, sequence, entry_type, category,
			   amount, balance_after, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			e.ID, e.SellerID, e.OrderID, e.RefundID, e.Sequence, e.Type, e.Category,
			e.Amount, e.BalanceAfter, e.Description, e.CreatedAt)
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("ledger entry %s/%s: %w", e.Category, e.OrderID, apperror.ErrDuplicate)
		}
		return err
	})
}

func (r *postgresRepo) FindByRefund(ctx context.Context, refundID uuid.UUID, category Category) (*Entry, error) {
	rows, err := database.Conn(ctx, r.db).QueryContext(ctx,
		selectEntrySQL+` WHERE refund_id=$1 AND category=$2`, refundID, category)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperror.NotFound("ledger entry")
	}
	return entries[0], nil
}

func (r *postgresRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Entry, error) {
	rows, err := database.Conn(ctx, r.db).QueryContext(ctx,
		selectEntrySQL+` WHERE order_id=$1 AND refund_id IS NULL ORDER BY sequence`, orderID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *postgresRepo) ListBySeller(ctx context.Context, sellerID uuid.UUID, from, to time.Time) ([]*Entry, error) {
	query := selectEntrySQL + ` WHERE seller_id=$1`
	args := []interface{}{sellerID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC, sequence ASC`

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *postgresRepo) BalanceBefore(ctx context.Context, sellerID uuid.UUID, t time.Time) (Head, error) {
	h := Head{SellerID: sellerID}
	err := database.Conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT balance_after, sequence, created_at FROM ledger_entries
		WHERE seller_id=$1 AND created_at < $2
		ORDER BY created_at DESC, sequence DESC LIMIT 1`, sellerID, t).
		Scan(&h.Balance, &h.Sequence, &h.LastEntryAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	return h, err
}

// ── Scanner ───────────────────────────────────────────────────────────────────

const selectEntrySQL = `
	SELECT id, seller_id, order_id, refund_id, sequence, entry_type, category,
	       amount, balance_after, description, created_at
	FROM ledger_entries`

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	entries := []*Entry{}
	for rows.Next() {
		e := &Entry{}
		var refundID uuid.NullUUID
		if err := rows.Scan(&e.ID, &e.SellerID, &e.OrderID, &refundID, &e.Sequence,
			&e.Type, &e.Category, &e.Amount, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		if refundID.Valid {
			id := refundID.UUID
			e.RefundID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
