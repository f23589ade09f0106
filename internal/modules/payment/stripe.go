package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/shopspring/decimal"
)

// ── Stripe Adapter ────────────────────────────────────────────────────────────
// Stripe Refunds API: https://stripe.com/docs/api/refunds
//
//	POST /v1/refunds          form: payment_intent|charge, amount (minor units)
//	GET  /v1/refunds/{id}
//
// Idempotency-Key makes a repeated create return the original refund.

type stripeGateway struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewStripeGateway(apiKey, baseURL string, client *http.Client) Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &stripeGateway{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type stripeRefund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *stripeGateway) CreateRefund(ctx context.Context, paymentReference string, amount decimal.Decimal, currency, idempotencyKey string) (*RefundResult, error) {
	if paymentReference == "" {
		return nil, apperror.Permanent(string(ProviderStripe), "create_refund", errors.New("payment reference is required"))
	}
	minor, err := MinorUnits(amount, currency)
	if err != nil {
		return nil, apperror.Permanent(string(ProviderStripe), "create_refund", err)
	}

	form := url.Values{}
	if strings.HasPrefix(paymentReference, "ch_") {
		form.Set("charge", paymentReference)
	} else {
		form.Set("payment_intent", paymentReference)
	}
	form.Set("amount", strconv.FormatInt(minor, 10))
	form.Set("metadata[refund_id]", idempotencyKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/refunds", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperror.Permanent(string(ProviderStripe), "create_refund", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	return g.do(req, "create_refund")
}

func (g *stripeGateway) GetRefundStatus(ctx context.Context, gatewayRefundID string) (*RefundResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/refunds/"+url.PathEscape(gatewayRefundID), nil)
	if err != nil {
		return nil, apperror.Permanent(string(ProviderStripe), "get_refund", err)
	}
	return g.do(req, "get_refund")
}

// do sends req and classifies failures: network errors, 409, 429 and 5xx are
// transient, every other 4xx is permanent.
func (g *stripeGateway) do(req *http.Request, op string) (*RefundResult, error) {
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperror.Transient(string(ProviderStripe), op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperror.Transient(string(ProviderStripe), op, err)
	}

	if resp.StatusCode >= 300 {
		var eb stripeErrorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)
		switch {
		case resp.StatusCode == http.StatusConflict,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return nil, apperror.Transient(string(ProviderStripe), op, cause)
		default:
			return nil, apperror.Permanent(string(ProviderStripe), op, cause)
		}
	}

	var r stripeRefund
	if err := json.Unmarshal(body, &r); err != nil || r.ID == "" {
		return nil, apperror.Transient(string(ProviderStripe), op, fmt.Errorf("unreadable refund response: %s", body))
	}
	return &RefundResult{
		GatewayRefundID: r.ID,
		Status:          NormaliseStatus(ProviderStripe, r.Status),
		ProviderStatus:  r.Status,
	}, nil
}

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// MinorUnits converts amount into the currency's smallest unit.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("amount must be greater than 0")
	}
	scaled := amount
	if !zeroDecimalCurrencies[strings.ToUpper(currency)] {
		scaled = amount.Shift(2)
	}
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, strings.ToUpper(currency))
	}
	return scaled.IntPart(), nil
}
