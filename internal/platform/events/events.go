// Package events publishes refund lifecycle events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names a refund lifecycle event.
type Type string

const (
	RefundRequested  Type = "refund.requested"
	RefundApproved   Type = "refund.approved"
	RefundRejected   Type = "refund.rejected"
	RefundProcessing Type = "refund.processing"
	RefundSucceeded  Type = "refund.succeeded"
	RefundFailed     Type = "refund.failed"
)

// Event is the payload written for every refund state change.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       Type            `json:"type"`
	RefundID   uuid.UUID       `json:"refund_id"`
	OrderID    uuid.UUID       `json:"order_id"`
	SellerID   uuid.UUID       `json:"seller_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	GatewayRef string          `json:"gateway_ref,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// MemoryPublisher records events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Types returns the published event types for refundID, in order.
func (p *MemoryPublisher) Types(refundID uuid.UUID) []Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Type
	for _, e := range p.events {
		if e.RefundID == refundID {
			out = append(out, e.Type)
		}
	}
	return out
}
