package seller

import (
	"context"
	"testing"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	id := uuid.New()
	repo.Put(&Seller{ID: id, DisplayName: "Kiln & Co", CommissionRate: DefaultCommissionRate, IsTrusted: true})

	s, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, s.IsTrusted)

	rate, err := repo.CommissionRate(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.1")))

	_, err = repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}
