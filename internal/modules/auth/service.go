package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service defines the interface for authentication-related business logic.
type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	Issue(p Principal) (string, error)
	Parse(token string) (Principal, error)
}

type claims struct {
	Role     Role   `json:"role"`
	SellerID string `json:"seller_id,omitempty"`
	jwt.StandardClaims
}

type service struct {
	repo   Repository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a new auth service signing HS256 tokens with secret.
func NewService(repo Repository, secret string, ttl time.Duration) Service {
	return &service{repo: repo, secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return nil, apperror.Invalid("email and password are required")
	}
	if !req.Role.Valid() {
		return nil, apperror.Invalid("unknown role %q", req.Role)
	}
	if req.Role == RoleSeller && req.SellerID == nil {
		return nil, apperror.Invalid("seller accounts need a seller_id")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a := &Account{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hashedPassword),
		Role:         req.Role,
		SellerID:     req.SellerID,
	}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	a, err := s.repo.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, apperror.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.Issue(Principal{Subject: a.ID.String(), Role: a.Role, SellerID: a.SellerID})
}

func (s *service) Issue(p Principal) (string, error) {
	if !p.Role.Valid() {
		return "", apperror.Invalid("unknown role %q", p.Role)
	}
	c := &claims{
		Role: p.Role,
		StandardClaims: jwt.StandardClaims{
			Subject:   p.Subject,
			IssuedAt:  s.now().Unix(),
			ExpiresAt: s.now().Add(s.ttl).Unix(),
		},
	}
	if p.SellerID != nil {
		c.SellerID = p.SellerID.String()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

func (s *service) Parse(tokenString string) (Principal, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidCredentials
	}
	p := Principal{Subject: c.Subject, Role: c.Role}
	if c.SellerID != "" {
		id, err := uuid.Parse(c.SellerID)
		if err != nil {
			return Principal{}, ErrInvalidCredentials
		}
		p.SellerID = &id
	}
	if !p.Role.Valid() || (p.Role == RoleSeller && p.SellerID == nil) {
		return Principal{}, ErrInvalidCredentials
	}
	return p, nil
}
