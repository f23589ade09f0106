package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/shopspring/decimal"
)

// Client is the provider-agnostic interface every refund adapter must implement.
// To add a new provider, implement this interface and register it in the GatewayRegistry.
//
// Errors are *apperror.GatewayError; Permanent ones must not be retried.
type Client interface {
	// CreateRefund asks the provider to refund amount of the original payment.
	// Calls with the same idempotencyKey return the same refund.
	CreateRefund(ctx context.Context, paymentReference string, amount decimal.Decimal, currency, idempotencyKey string) (*RefundResult, error)
	// GetRefundStatus queries the provider for the current state of a refund.
	GetRefundStatus(ctx context.Context, gatewayRefundID string) (*RefundResult, error)
}

// GatewayRegistry maps provider names to their Client implementations.
type GatewayRegistry map[Provider]Client

var errUnsupportedProvider = errors.New("unsupported payment provider")

// Get returns the client for p, or a permanent GatewayError if none is registered.
func (r GatewayRegistry) Get(p Provider) (Client, error) {
	c, ok := r[Provider(strings.ToUpper(string(p)))]
	if !ok {
		return nil, apperror.Permanent(string(p), "lookup", errUnsupportedProvider)
	}
	return c, nil
}

// ── Status Normaliser ─────────────────────────────────────────────────────────
// Maps provider-specific status strings to our internal RefundStatus.

func NormaliseStatus(provider Provider, providerStatus string) RefundStatus {
	s := strings.ToLower(strings.TrimSpace(providerStatus))
	switch provider {
	case ProviderStripe:
		switch s {
		case "succeeded":
			return RefundSucceeded
		case "failed", "canceled":
			return RefundFailed
		default: // pending, requires_action
			return RefundPending
		}
	default:
		switch s {
		case "succeeded", "success", "successful":
			return RefundSucceeded
		case "failed", "failure", "declined":
			return RefundFailed
		default:
			return RefundPending
		}
	}
}
