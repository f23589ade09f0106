package order

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

// CreateOrder inserts the order and all its items inside a single transaction.
func (r *postgresRepo) CreateOrder(ctx context.Context, o *Order) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := database.Conn(ctx, r.db)
		_, err := q.ExecContext(ctx, `
			INSERT INTO orders
			  (id, seller_id, buyer_id, order_number, status, total, currency,
			   dispute_active, payment_provider, payment_reference, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			o.ID, o.SellerID, o.BuyerID, o.OrderNumber, o.Status, o.Total, o.Currency,
			o.DisputeActive, o.PaymentProvider, o.PaymentReference, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("order number %s: %w", o.OrderNumber, apperror.ErrDuplicate)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range o.Items {
			_, err = q.ExecContext(ctx, `
				INSERT INTO order_items
				  (id, order_id, product_ref, quantity, unit_price, refunded_amount, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				item.ID, o.ID, item.ProductRef, item.Quantity, item.UnitPrice,
				item.RefundedAmount, item.CreatedAt, item.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert order_item: %w", err)
			}
		}
		return nil
	})
}

func (r *postgresRepo) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getOrder(ctx, id, "")
}

func (r *postgresRepo) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getOrder(ctx, id, database.ForUpdate(ctx))
}

func (r *postgresRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error {
	return r.exec(ctx, `UPDATE orders SET status=$1, updated_at=$2 WHERE id=$3`, status, time.Now().UTC(), id)
}

func (r *postgresRepo) SetDispute(ctx context.Context, id uuid.UUID, active bool) error {
	return r.exec(ctx, `UPDATE orders SET dispute_active=$1, updated_at=$2 WHERE id=$3`, active, time.Now().UTC(), id)
}

// SaveRefundState updates the items and the order status in one transaction.
func (r *postgresRepo) SaveRefundState(ctx context.Context, o *Order) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := database.Conn(ctx, r.db)
		now := time.Now().UTC()
		for _, item := range o.Items {
			if _, err := q.ExecContext(ctx,
				`UPDATE order_items SET refunded_amount=$1, updated_at=$2 WHERE id=$3 AND order_id=$4`,
				item.RefundedAmount, now, item.ID, o.ID); err != nil {
				return fmt.Errorf("update order_item %s: %w", item.ID, err)
			}
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE orders SET status=$1, updated_at=$2 WHERE id=$3`, o.Status, now, o.ID); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		return nil
	})
}

// ── helpers ──────────────────────────────────────────────────────────────────

const selectOrderSQL = `
	SELECT id, seller_id, buyer_id, order_number, status, total, currency,
	       dispute_active, payment_provider, payment_reference, created_at, updated_at
	FROM orders WHERE id=$1`

func (r *postgresRepo) getOrder(ctx context.Context, id uuid.UUID, lock string) (*Order, error) {
	q := database.Conn(ctx, r.db)
	o := &Order{}
	err := q.QueryRowContext(ctx, selectOrderSQL+lock, id).Scan(
		&o.ID, &o.SellerID, &o.BuyerID, &o.OrderNumber, &o.Status, &o.Total, &o.Currency,
		&o.DisputeActive, &o.PaymentProvider, &o.PaymentReference, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("order")
	}
	if err != nil {
		return nil, err
	}
	o.Items, err = r.listItems(ctx, q, o.ID)
	return o, err
}

func (r *postgresRepo) listItems(ctx context.Context, q database.Querier, orderID uuid.UUID) ([]*OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_ref, quantity, unit_price, refunded_amount, created_at, updated_at
		FROM order_items WHERE order_id=$1 ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*OrderItem
	for rows.Next() {
		item := &OrderItem{}
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductRef, &item.Quantity,
			&item.UnitPrice, &item.RefundedAmount, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *postgresRepo) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("order")
	}
	return nil
}
