package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/georgemunganga/refund-ledger/internal/modules/ledger"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service defines order ingestion and the caller-driven part of the order lifecycle.
type Service interface {
	// RegisterOrder records an order placed by checkout. A PAID order posts its sale earnings.
	RegisterOrder(ctx context.Context, req RegisterOrderRequest) (*Order, error)

	// GetOrder retrieves a full order with its items by UUID.
	GetOrder(ctx context.Context, id string) (*Order, error)

	// UpdateStatus advances an order along the caller-driven transitions.
	UpdateStatus(ctx context.Context, id string, req UpdateStatusRequest) (*Order, error)

	// SetDispute raises or clears the dispute flag consulted by the refund policy.
	SetDispute(ctx context.Context, id string, req DisputeRequest) (*Order, error)
}

// EarningsRecorder posts the seller's sale credit for a paid order.
type EarningsRecorder interface {
	RecordSale(ctx context.Context, sellerID, orderID uuid.UUID, gross decimal.Decimal) ([]*ledger.Entry, error)
}

type service struct {
	repo     Repository
	earnings EarningsRecorder
	tx       database.Transactor
	log      *zap.Logger
}

// NewService creates a new order service.
func NewService(repo Repository, earnings EarningsRecorder, tx database.Transactor, log *zap.Logger) Service {
	return &service{repo: repo, earnings: earnings, tx: tx, log: log}
}

// validTransitions lists the statuses callers may set. REFUNDED and
// PARTIALLY_REFUNDED are derived by the Synchronizer and never appear as targets.
var validTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:           {StatusPaid, StatusCancelled},
	StatusPaid:              {StatusFulfilled, StatusDisputed},
	StatusFulfilled:         {StatusDisputed},
	StatusPartiallyRefunded: {StatusDisputed},
	StatusRefunded:          {},
	StatusDisputed:          {},
	StatusCancelled:         {},
}

// CanTransition reports whether a caller may move an order from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *service) RegisterOrder(ctx context.Context, req RegisterOrderRequest) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, apperror.Invalid("order must contain at least one item")
	}
	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		return nil, apperror.Invalid("invalid seller_id")
	}
	buyerID, err := uuid.Parse(req.BuyerID)
	if err != nil {
		return nil, apperror.Invalid("invalid buyer_id")
	}
	if req.PaymentProvider == "" || req.PaymentReference == "" {
		return nil, apperror.Invalid("payment_provider and payment_reference are required")
	}

	status := OrderStatus(strings.ToUpper(req.Status))
	if status == "" {
		status = StatusPending
	}
	if status != StatusPending && status != StatusPaid {
		return nil, apperror.Invalid("orders can only be registered as PENDING or PAID")
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	placedAt := now
	if req.PlacedAt != nil {
		placedAt = req.PlacedAt.UTC()
	}

	// ── Build order items ─────────────────────────────────────────────────────
	var items []*OrderItem
	total := decimal.Zero
	for i, li := range req.Items {
		if li.Quantity <= 0 {
			return nil, apperror.Invalid("quantity must be > 0 for item %d", i)
		}
		if !li.UnitPrice.IsPositive() {
			return nil, apperror.Invalid("unit_price must be > 0 for item %d", i)
		}
		item := &OrderItem{
			ID:         uuid.New(),
			ProductRef: li.ProductRef,
			Quantity:   li.Quantity,
			UnitPrice:  li.UnitPrice.Round(2),
			// Items keep insertion order through created_at.
			CreatedAt: placedAt.Add(time.Duration(i) * time.Microsecond),
			UpdatedAt: now,
		}
		total = total.Add(item.OriginalAmount())
		items = append(items, item)
	}

	orderNumber := req.OrderNumber
	if orderNumber == "" {
		orderNumber = generateOrderNumber()
	}

	o := &Order{
		ID:               uuid.New(),
		SellerID:         sellerID,
		BuyerID:          buyerID,
		OrderNumber:      orderNumber,
		Status:           status,
		Total:            total,
		Currency:         currency,
		PaymentProvider:  strings.ToUpper(req.PaymentProvider),
		PaymentReference: req.PaymentReference,
		Items:            items,
		CreatedAt:        placedAt,
		UpdatedAt:        now,
	}
	for _, item := range items {
		item.OrderID = o.ID
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to persist order: %w", err)
		}
		if o.Status == StatusPaid {
			return s.recordSale(ctx, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *service) GetOrder(ctx context.Context, id string) (*Order, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, apperror.Invalid("invalid order id")
	}
	return s.repo.GetOrderByID(ctx, uid)
}

func (s *service) UpdateStatus(ctx context.Context, id string, req UpdateStatusRequest) (*Order, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, apperror.Invalid("invalid order id")
	}
	newStatus := OrderStatus(strings.ToUpper(req.Status))

	var out *Order
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetOrderForUpdate(ctx, uid)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, newStatus) {
			return apperror.Invalid("cannot transition order from %s to %s", o.Status, newStatus)
		}
		if err := s.repo.UpdateStatus(ctx, uid, newStatus); err != nil {
			return err
		}
		wasPending := o.Status == StatusPending
		o.Status = newStatus
		if wasPending && newStatus == StatusPaid {
			if err := s.recordSale(ctx, o); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) SetDispute(ctx context.Context, id string, req DisputeRequest) (*Order, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, apperror.Invalid("invalid order id")
	}
	if err := s.repo.SetDispute(ctx, uid, req.Active); err != nil {
		return nil, err
	}
	s.log.Info("order dispute flag changed", zap.String("order_id", id), zap.Bool("active", req.Active))
	return s.repo.GetOrderByID(ctx, uid)
}

func (s *service) recordSale(ctx context.Context, o *Order) error {
	if s.earnings == nil {
		return nil
	}
	if _, err := s.earnings.RecordSale(ctx, o.SellerID, o.ID, o.Total); err != nil {
		return fmt.Errorf("record sale earnings: %w", err)
	}
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// generateOrderNumber creates a human-readable order number: ORD-YYYYMMDD-XXXX
func generateOrderNumber() string {
	date := time.Now().UTC().Format("20060102")
	suffix := strings.ToUpper(uuid.New().String()[:4])
	return fmt.Sprintf("ORD-%s-%s", date, suffix)
}
