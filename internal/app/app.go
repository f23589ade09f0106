// Package app wires repositories, services and HTTP handlers from configuration.
// Both the API server and the operator CLI build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/georgemunganga/refund-ledger/internal/config"
	"github.com/georgemunganga/refund-ledger/internal/modules/auth"
	"github.com/georgemunganga/refund-ledger/internal/modules/ledger"
	"github.com/georgemunganga/refund-ledger/internal/modules/order"
	"github.com/georgemunganga/refund-ledger/internal/modules/payment"
	"github.com/georgemunganga/refund-ledger/internal/modules/refund"
	"github.com/georgemunganga/refund-ledger/internal/modules/seller"
	"github.com/georgemunganga/refund-ledger/internal/platform/cache"
	"github.com/georgemunganga/refund-ledger/internal/platform/database"
	"github.com/georgemunganga/refund-ledger/internal/platform/events"
	"github.com/georgemunganga/refund-ledger/internal/platform/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// App is the fully wired refund ledger.
type App struct {
	Log     *zap.Logger
	DB      *sql.DB
	Auth    auth.Service
	Orders  order.Service
	Ledger  ledger.Service
	Refunds refund.Service
	Worker  *refund.Worker

	webhooks payment.WebhookConfig
	closers  []func() error
}

// New connects to Postgres and the optional Redis and Kafka backends and builds
// every service.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{Log: log, DB: db, webhooks: payment.WebhookConfig{
		StripeSecret: cfg.StripeWebhookSecret,
		Sandbox:      cfg.SandboxGateway,
	}}
	a.closers = append(a.closers, db.Close)

	if cfg.RunMigrations {
		if err := database.Migrate(ctx, db, log); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	tx := database.NewTransactor(db)

	// ── Sellers, orders & ledger ────────────────────────────
	sellerRepo := seller.NewPostgresRepository(db)
	orderRepo := order.NewPostgresRepository(db)
	refundRepo := refund.NewPostgresRepository(db)

	a.Ledger = ledger.NewService(ledger.NewPostgresRepository(db), sellerRepo, tx, log.Named("ledger"))
	a.Orders = order.NewService(orderRepo, a.Ledger, tx, log.Named("order"))
	orderSync := order.NewSynchronizer(orderRepo, refund.NewTotalsSource(refundRepo), tx, log.Named("order"))

	// ── Gateways ────────────────────────────────────────────
	gateways := payment.GatewayRegistry{}
	if cfg.StripeAPIKey != "" {
		gateways[payment.ProviderStripe] = payment.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeBaseURL,
			&http.Client{Timeout: cfg.GatewayTimeout})
	}
	if cfg.SandboxGateway {
		gateways[payment.ProviderSandbox] = payment.NewSandboxGateway()
	}
	if len(gateways) == 0 {
		log.Warn("no refund gateway configured; every refund will fail at submission")
	}

	// ── Webhook dedup & events ──────────────────────────────
	dedup := refund.NewPostgresEventStore(db)
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, webhook dedup uses postgres only", zap.Error(err))
		} else {
			a.closers = append(a.closers, rdb.Close)
			dedup = refund.NewCachedEventStore(dedup, rdb, cfg.WebhookDedupTTL, log.Named("dedup"))
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log.Named("events"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		publisher = kp
		a.closers = append(a.closers, kp.Close)
	}

	// ── Refunds ─────────────────────────────────────────────
	a.Refunds = refund.NewService(refund.Deps{
		Refunds:   refundRepo,
		Orders:    orderRepo,
		Sellers:   sellerRepo,
		Ledger:    a.Ledger,
		Sync:      orderSync,
		Gateways:  gateways,
		Events:    dedup,
		Publisher: publisher,
		Tx:        tx,
		Log:       log.Named("refund"),
	}, refund.NewPolicyEngine(refund.PolicyConfig{RefundWindow: cfg.RefundWindow}), refund.Config{
		MaxAttempts:    cfg.GatewayMaxAttempts,
		Backoff:        cfg.GatewayBackoff,
		GatewayTimeout: cfg.GatewayTimeout,
		StaleAfter:     cfg.StaleProcessingAfter,
	})
	a.Worker = refund.NewWorker(a.Refunds, cfg.ReconcileInterval, log.Named("worker"))

	a.Auth = auth.NewService(auth.NewPostgresRepository(db), cfg.JWTSecret, cfg.TokenTTL)
	return a, nil
}

// Router builds the HTTP routes. Webhooks and login are public; everything else
// needs a bearer token, and order ingestion and the approval queue need ADMIN.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(a.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	authHandler := auth.NewHandler(a.Auth)
	refundHandler := refund.NewHandler(a.Refunds, a.Log.Named("http"))

	authHandler.RegisterRoutes(r)
	payment.NewHandler(a.Refunds, a.webhooks, a.Log.Named("webhook")).RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(auth.Authenticate(a.Auth))
		refundHandler.RegisterRoutes(r)
		ledger.NewHandler(a.Ledger).RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			order.NewHandler(a.Orders).RegisterRoutes(r)
			refundHandler.RegisterAdminRoutes(r)
			authHandler.RegisterAdminRoutes(r)
		})
	})
	return r
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
