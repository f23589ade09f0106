package auth

import (
	"time"

	"github.com/google/uuid"
)

// Role is an operator's permission level.
type Role string

const (
	RoleSeller Role = "SELLER"
	RoleAdmin  Role = "ADMIN"
)

func (r Role) Valid() bool { return r == RoleSeller || r == RoleAdmin }

// Account is an operator who can sign in to the API.
type Account struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	SellerID     *uuid.UUID `json:"seller_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Subject  string
	Role     Role
	SellerID *uuid.UUID
}

// ── Request DTOs ──────────────────────────────────────────────────────────────

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateAccountRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     Role       `json:"role"`
	SellerID *uuid.UUID `json:"seller_id,omitempty"`
}
