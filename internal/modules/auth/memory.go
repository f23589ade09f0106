package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
)

type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[string]*Account)}
}

func (r *MemoryRepository) CreateAccount(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(a.Email)
	if _, ok := r.accounts[key]; ok {
		return apperror.ErrDuplicate
	}
	a.CreatedAt = time.Now().UTC()
	c := *a
	r.accounts[key] = &c
	return nil
}

func (r *MemoryRepository) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[strings.ToLower(email)]
	if !ok {
		return nil, apperror.NotFound("account")
	}
	c := *a
	return &c, nil
}
