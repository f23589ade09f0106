package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppPort       string `envconfig:"APP_PORT" default:"8080"`
	DatabaseURL   string `envconfig:"DATABASE_URL" required:"true"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"true"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"24h"`

	// Refund policy and orchestration
	RefundWindow         time.Duration `envconfig:"REFUND_WINDOW" default:"168h"`
	GatewayTimeout       time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	GatewayMaxAttempts   int           `envconfig:"GATEWAY_MAX_ATTEMPTS" default:"3"`
	GatewayBackoff       time.Duration `envconfig:"GATEWAY_BACKOFF" default:"500ms"`
	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	StaleProcessingAfter time.Duration `envconfig:"STALE_PROCESSING_AFTER" default:"5m"`

	// Events and webhook dedup
	KafkaBrokers    []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string        `envconfig:"KAFKA_TOPIC" default:"refund-events"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	WebhookDedupTTL time.Duration `envconfig:"WEBHOOK_DEDUP_TTL" default:"72h"`

	// Gateways
	StripeAPIKey        string `envconfig:"STRIPE_API_KEY"`
	StripeBaseURL       string `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	SandboxGateway      bool   `envconfig:"SANDBOX_GATEWAY" default:"false"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// Stripe webhooks settle refunds, so they are never accepted unsigned
	if c.StripeAPIKey != "" && c.StripeWebhookSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_API_KEY is set")
	}
	return nil
}
