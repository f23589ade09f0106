package auth

import "context"

// Repository defines persistence for operator accounts.
type Repository interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
}
