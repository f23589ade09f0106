package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending           OrderStatus = "PENDING"
	StatusPaid              OrderStatus = "PAID"
	StatusFulfilled         OrderStatus = "FULFILLED"
	StatusPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
	StatusRefunded          OrderStatus = "REFUNDED"
	StatusDisputed          OrderStatus = "DISPUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// Order is a buyer's purchase from a single seller.
type Order struct {
	ID               uuid.UUID       `json:"id"`
	SellerID         uuid.UUID       `json:"seller_id"`
	BuyerID          uuid.UUID       `json:"buyer_id"`
	OrderNumber      string          `json:"order_number"`
	Status           OrderStatus     `json:"status"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	DisputeActive    bool            `json:"dispute_active"`
	PaymentProvider  string          `json:"payment_provider"`
	PaymentReference string          `json:"payment_reference"`
	Items            []*OrderItem    `json:"items,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// OrderItem is a single line item within an order.
type OrderItem struct {
	ID             uuid.UUID       `json:"id"`
	OrderID        uuid.UUID       `json:"order_id"`
	ProductRef     string          `json:"product_ref"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OriginalAmount is unit price × quantity.
func (i *OrderItem) OriginalAmount() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// RemainingAmount is what can still be refunded on the item.
func (i *OrderItem) RemainingAmount() decimal.Decimal {
	return i.OriginalAmount().Sub(i.RefundedAmount)
}

func (i *OrderItem) FullyRefunded() bool {
	return i.RefundedAmount.Equal(i.OriginalAmount())
}

// Item returns the item with the given id, or nil.
func (o *Order) Item(id uuid.UUID) *OrderItem {
	for _, item := range o.Items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// OriginalAmount sums the original amounts of all items.
func (o *Order) OriginalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.OriginalAmount())
	}
	return total
}

// RefundedAmount sums the refunded amounts of all items.
func (o *Order) RefundedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.RefundedAmount)
	}
	return total
}

// HasActiveDispute is true when the dispute flag is raised or the order is in DISPUTED.
func (o *Order) HasActiveDispute() bool {
	return o.DisputeActive || o.Status == StatusDisputed
}

// Clone returns a deep copy of the order and its items.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]*OrderItem, len(o.Items))
	for i, item := range o.Items {
		ic := *item
		c.Items[i] = &ic
	}
	return &c
}

// ── Request DTOs ──────────────────────────────────────────────────────────────

// LineItem describes one item of an order being registered.
type LineItem struct {
	ProductRef string          `json:"product_ref"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// RegisterOrderRequest is sent by checkout when an order is placed.
type RegisterOrderRequest struct {
	SellerID         string     `json:"seller_id"`
	BuyerID          string     `json:"buyer_id"`
	OrderNumber      string     `json:"order_number,omitempty"`
	Status           string     `json:"status,omitempty"` // PENDING | PAID
	Currency         string     `json:"currency,omitempty"`
	PaymentProvider  string     `json:"payment_provider"`
	PaymentReference string     `json:"payment_reference"`
	Items            []LineItem `json:"items"`
	PlacedAt         *time.Time `json:"placed_at,omitempty"`
}

// UpdateStatusRequest is the payload for advancing an order's status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// DisputeRequest raises or clears the dispute flag.
type DisputeRequest struct {
	Active bool `json:"active"`
}
