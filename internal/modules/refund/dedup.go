package refund

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/modules/payment"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outcomes recorded for processed gateway events.
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
)

// EventStore remembers which gateway events were processed. MarkProcessed runs in
// the same transaction as the state change it records.
type EventStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, n payment.Notification, outcome string) error
}

// ── Postgres ──────────────────────────────────────────────────────────────────

type postgresEventStore struct{ db *sql.DB }

func NewPostgresEventStore(db *sql.DB) EventStore { return &postgresEventStore{db: db} }

func (s *postgresEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := database.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT 1 FROM webhook_events WHERE event_id=$1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *postgresEventStore) MarkProcessed(ctx context.Context, n payment.Notification, outcome string) error {
	_, err := database.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, provider, gateway_refund_id, outcome, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		n.GatewayEventID, n.Provider, n.GatewayRefundID, outcome, n.ReceivedAt)
	return err
}

// ── Memory ────────────────────────────────────────────────────────────────────

type MemoryEventStore struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[string]string)}
}

func (s *MemoryEventStore) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[eventID]
	return ok, nil
}

func (s *MemoryEventStore) MarkProcessed(_ context.Context, n payment.Notification, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[n.GatewayEventID]; !ok {
		s.seen[n.GatewayEventID] = outcome
	}
	return nil
}

// ── Redis read-through cache ──────────────────────────────────────────────────
// Only events the durable store already confirmed are cached, so a rolled-back
// transaction can never leave an event marked as seen.

type cachedEventStore struct {
	next   EventStore
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

func NewCachedEventStore(next EventStore, rdb *redis.Client, ttl time.Duration, log *zap.Logger) EventStore {
	return &cachedEventStore{next: next, rdb: rdb, ttl: ttl, prefix: "refund:webhook:", log: log}
}

func (s *cachedEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	key := s.prefix + eventID
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		s.log.Warn("webhook dedup cache unavailable", zap.Error(err))
	} else if n > 0 {
		return true, nil
	}

	seen, err := s.next.Seen(ctx, eventID)
	if err != nil || !seen {
		return seen, err
	}
	if err := s.rdb.Set(ctx, key, OutcomeApplied, s.ttl).Err(); err != nil {
		s.log.Warn("webhook dedup cache write failed", zap.String("event_id", eventID), zap.Error(err))
	}
	return true, nil
}

func (s *cachedEventStore) MarkProcessed(ctx context.Context, n payment.Notification, outcome string) error {
	return s.next.MarkProcessed(ctx, n, outcome)
}
