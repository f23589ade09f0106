package refund

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
}

func NewPostgresRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) Create(ctx context.Context, rf *Refund) error {
	_, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO refunds
		  (id, order_id, order_item_id, seller_id, amount, currency, requested_by, reason,
		   status, decision_reason, decided_by, gateway_provider, payment_reference, gateway_ref,
		   retry_of, attempts, last_error, queued_at, created_at, updated_at, resolved_at,
		   order_synced_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		rf.ID, rf.OrderID, rf.OrderItemID, rf.SellerID, rf.Amount, rf.Currency, rf.RequestedBy, rf.Reason,
		rf.Status, nullString(rf.DecisionReason), rf.DecidedBy, rf.GatewayProvider, rf.PaymentReference,
		nullString(rf.GatewayRef), rf.RetryOf, rf.Attempts, nullString(rf.LastError), rf.QueuedAt,
		rf.CreatedAt, rf.UpdatedAt, rf.ResolvedAt, rf.OrderSyncedAt, rf.Version)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("refund %s: %w", rf.ID, apperror.ErrDuplicate)
	}
	return err
}

func (r *postgresRepo) GetByID(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return r.getOne(ctx, selectRefundSQL+` WHERE id=$1`, id)
}

func (r *postgresRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Refund, error) {
	return r.getOne(ctx, selectRefundSQL+` WHERE id=$1`+database.ForUpdate(ctx), id)
}

func (r *postgresRepo) GetByGatewayRef(ctx context.Context, gatewayRef string) (*Refund, error) {
	return r.getOne(ctx, selectRefundSQL+` WHERE gateway_ref=$1`, gatewayRef)
}

func (r *postgresRepo) Update(ctx context.Context, rf *Refund, expectedVersion int64) error {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		UPDATE refunds SET
		  status=$1, decision_reason=$2, decided_by=$3, gateway_ref=$4, attempts=$5,
		  last_error=$6, queued_at=$7, updated_at=$8, resolved_at=$9, order_synced_at=$10,
		  version=version+1
		WHERE id=$11 AND version=$12`,
		rf.Status, nullString(rf.DecisionReason), rf.DecidedBy, nullString(rf.GatewayRef), rf.Attempts,
		nullString(rf.LastError), rf.QueuedAt, rf.UpdatedAt, rf.ResolvedAt, rf.OrderSyncedAt,
		rf.ID, expectedVersion)
	if database.IsUniqueViolation(err) {
		return apperror.Integrity("gateway ref %s already belongs to another refund", rf.GatewayRef)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.Conflict("refund %s is no longer at version %d", rf.ID, expectedVersion)
	}
	rf.Version = expectedVersion + 1
	return nil
}

func (r *postgresRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Refund, error) {
	return r.list(ctx, selectRefundSQL+` WHERE order_id=$1 ORDER BY created_at, id`, orderID)
}

func (r *postgresRepo) ListByStatus(ctx context.Context, status Status, sellerID *uuid.UUID) ([]*Refund, error) {
	if sellerID != nil {
		return r.list(ctx, selectRefundSQL+` WHERE status=$1 AND seller_id=$2
			ORDER BY COALESCE(queued_at, created_at), id`, status, *sellerID)
	}
	return r.list(ctx, selectRefundSQL+` WHERE status=$1 ORDER BY COALESCE(queued_at, created_at), id`, status)
}

func (r *postgresRepo) ListUnsynced(ctx context.Context) ([]*Refund, error) {
	return r.list(ctx, selectRefundSQL+` WHERE status=$1 AND order_synced_at IS NULL ORDER BY resolved_at, id`,
		StatusSucceeded)
}

// ── Scanner ───────────────────────────────────────────────────────────────────

const selectRefundSQL = `
	SELECT id, order_id, order_item_id, seller_id, amount, currency, requested_by, reason,
	       status, decision_reason, decided_by, gateway_provider, payment_reference, gateway_ref,
	       retry_of, attempts, last_error, queued_at, created_at, updated_at, resolved_at,
	       order_synced_at, version
	FROM refunds`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRefund(s rowScanner) (*Refund, error) {
	rf := &Refund{}
	var (
		itemID, decidedBy, retryOf            uuid.NullUUID
		decisionReason, gatewayRef, lastError sql.NullString
		queuedAt, resolvedAt, orderSyncedAt   sql.NullTime
	)
	err := s.Scan(&rf.ID, &rf.OrderID, &itemID, &rf.SellerID, &rf.Amount, &rf.Currency, &rf.RequestedBy,
		&rf.Reason, &rf.Status, &decisionReason, &decidedBy, &rf.GatewayProvider, &rf.PaymentReference,
		&gatewayRef, &retryOf, &rf.Attempts, &lastError, &queuedAt, &rf.CreatedAt, &rf.UpdatedAt,
		&resolvedAt, &orderSyncedAt, &rf.Version)
	if err != nil {
		return nil, err
	}
	rf.OrderItemID = fromNullUUID(itemID)
	rf.DecidedBy = fromNullUUID(decidedBy)
	rf.RetryOf = fromNullUUID(retryOf)
	rf.DecisionReason = decisionReason.String
	rf.GatewayRef = gatewayRef.String
	rf.LastError = lastError.String
	rf.QueuedAt = fromNullTime(queuedAt)
	rf.ResolvedAt = fromNullTime(resolvedAt)
	rf.OrderSyncedAt = fromNullTime(orderSyncedAt)
	return rf, nil
}

func (r *postgresRepo) getOne(ctx context.Context, query string, args ...interface{}) (*Refund, error) {
	rf, err := scanRefund(database.Conn(ctx, r.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("refund")
	}
	return rf, err
}

func (r *postgresRepo) list(ctx context.Context, query string, args ...interface{}) ([]*Refund, error) {
	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Refund{}
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
