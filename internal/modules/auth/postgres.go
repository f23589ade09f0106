package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/google/uuid"
)

type postgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL account repository.
func NewPostgresRepository(db *sql.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) CreateAccount(ctx context.Context, a *Account) error {
	query := `
		INSERT INTO accounts (id, email, password_hash, role, seller_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query, a.ID, a.Email, a.PasswordHash, a.Role, a.SellerID).Scan(&a.CreatedAt)
	if database.IsUniqueViolation(err) {
		return apperror.ErrDuplicate
	}
	return err
}

func (r *postgresRepository) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	a := &Account{}
	var sellerID uuid.NullUUID
	query := `
		SELECT id, email, password_hash, role, seller_id, created_at
		FROM accounts
		WHERE email = $1
	`
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.Role,
		&sellerID,
		&a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("account")
	}
	if err != nil {
		return nil, err
	}
	if sellerID.Valid {
		id := sellerID.UUID
		a.SellerID = &id
	}
	return a, nil
}
