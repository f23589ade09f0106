package payment

import (
	"time"
)

// Provider represents a supported payment gateway.
type Provider string

const (
	ProviderStripe  Provider = "STRIPE"
	ProviderSandbox Provider = "SANDBOX"
)

// RefundStatus is the normalised state of a refund at the gateway.
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

// Terminal reports whether the gateway will not change the status again.
func (s RefundStatus) Terminal() bool {
	return s == RefundSucceeded || s == RefundFailed
}

// RefundResult is what an adapter returns after creating or querying a refund.
type RefundResult struct {
	GatewayRefundID string       `json:"gateway_refund_id"`
	Status          RefundStatus `json:"status"`
	ProviderStatus  string       `json:"provider_status,omitempty"` // raw provider string
}

// Notification is an inbound refund status update from a provider webhook.
type Notification struct {
	Provider        Provider     `json:"provider"`
	GatewayRefundID string       `json:"gateway_refund_id"`
	GatewayEventID  string       `json:"gateway_event_id"`
	Status          RefundStatus `json:"status"`
	ProviderStatus  string       `json:"provider_status,omitempty"`
	ReceivedAt      time.Time    `json:"received_at"`
}

// sandboxWebhook is the body accepted by the sandbox webhook endpoint.
type sandboxWebhook struct {
	GatewayRefundID string `json:"gateway_refund_id"`
	GatewayEventID  string `json:"gateway_event_id"`
	Status          string `json:"status"`
}
