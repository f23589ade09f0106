package seller

import (
	"context"
	"database/sql"
	"errors"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type postgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL seller repository.
func NewPostgresRepository(db *sql.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Seller, error) {
	s := &Seller{}
	var accountRef sql.NullString
	query := `
		SELECT id, display_name, status, commission_rate, payout_hold_days,
		       is_trusted, gateway_account_ref, created_at, updated_at
		FROM sellers
		WHERE id = $1
	`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.DisplayName,
		&s.Status,
		&s.CommissionRate,
		&s.PayoutHoldDays,
		&s.IsTrusted,
		&accountRef,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("seller")
	}
	if err != nil {
		return nil, err
	}
	s.GatewayAccountRef = accountRef.String
	return s, nil
}

func (r *postgresRepository) CommissionRate(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.db.QueryRowContext(ctx, `SELECT commission_rate FROM sellers WHERE id = $1`, id).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, apperror.NotFound("seller")
	}
	return rate, err
}
