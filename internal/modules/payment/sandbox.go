package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/shopspring/decimal"
)

// ── Sandbox Adapter ───────────────────────────────────────────────────────────
// In-process gateway for local runs and tests. The payment reference scripts the
// outcome:
//
//	contains "decline" → permanent error, no refund created
//	contains "instant" → refund SUCCEEDED synchronously
//	anything else      → refund PENDING until Settle or a sandbox webhook
//
// Refunds are keyed by idempotency key, so a repeated call returns the same refund.

type SandboxGateway struct {
	mu      sync.Mutex
	byKey   map[string]*RefundResult
	byID    map[string]*RefundResult
	created int
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{byKey: make(map[string]*RefundResult), byID: make(map[string]*RefundResult)}
}

func (g *SandboxGateway) CreateRefund(ctx context.Context, paymentReference string, amount decimal.Decimal, currency, idempotencyKey string) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Transient(string(ProviderSandbox), "create_refund", err)
	}
	if idempotencyKey == "" {
		return nil, apperror.Permanent(string(ProviderSandbox), "create_refund", errors.New("idempotency key is required"))
	}
	if !amount.IsPositive() {
		return nil, apperror.Permanent(string(ProviderSandbox), "create_refund", fmt.Errorf("amount must be greater than 0"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.byKey[idempotencyKey]; ok {
		c := *existing
		return &c, nil
	}
	if strings.Contains(paymentReference, "decline") {
		return nil, apperror.Permanent(string(ProviderSandbox), "create_refund",
			fmt.Errorf("payment %s cannot be refunded", paymentReference))
	}

	res := &RefundResult{GatewayRefundID: "sbx_re_" + idempotencyKey, Status: RefundPending, ProviderStatus: "pending"}
	if strings.Contains(paymentReference, "instant") {
		res.Status, res.ProviderStatus = RefundSucceeded, "succeeded"
	}
	g.byKey[idempotencyKey] = res
	g.byID[res.GatewayRefundID] = res
	g.created++
	c := *res
	return &c, nil
}

func (g *SandboxGateway) GetRefundStatus(ctx context.Context, gatewayRefundID string) (*RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.byID[gatewayRefundID]
	if !ok {
		return nil, apperror.Permanent(string(ProviderSandbox), "get_refund", fmt.Errorf("refund %s not found", gatewayRefundID))
	}
	c := *res
	return &c, nil
}

// Settle moves a sandbox refund to its final status, as the provider would asynchronously.
func (g *SandboxGateway) Settle(gatewayRefundID string, status RefundStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.byID[gatewayRefundID]
	if !ok {
		return apperror.NotFound("sandbox refund")
	}
	res.Status = status
	res.ProviderStatus = strings.ToLower(string(status))
	return nil
}

// Created returns how many distinct refunds the sandbox has accepted.
func (g *SandboxGateway) Created() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}
