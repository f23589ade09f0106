package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// NotificationSink consumes normalised refund notifications. handled is false when
// the notification was a duplicate, unknown or stale and changed nothing.
type NotificationSink interface {
	HandleNotification(ctx context.Context, n Notification) (handled bool, err error)
}

// Handler exposes refund webhook endpoints, one per enabled provider.
type Handler struct {
	sink      NotificationSink
	cfg       WebhookConfig
	tolerance time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// WebhookConfig selects the provider webhooks to expose. The Stripe route exists
// only with a signing secret; the sandbox route is unsigned and meant for
// non-production deployments.
type WebhookConfig struct {
	StripeSecret string
	Sandbox      bool
}

func NewHandler(sink NotificationSink, cfg WebhookConfig, log *zap.Logger) *Handler {
	return &Handler{sink: sink, cfg: cfg, tolerance: 5 * time.Minute, now: time.Now, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	if h.cfg.StripeSecret != "" {
		r.Post("/api/v1/webhooks/refunds/stripe", h.webhookStripe)
	}
	if h.cfg.Sandbox {
		r.Post("/api/v1/webhooks/refunds/sandbox", h.webhookSandbox)
	}
}

// ── Webhook Handlers ──────────────────────────────────────────────────────────

func (h *Handler) webhookStripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if err := verifyStripeSignature(body, r.Header.Get("Stripe-Signature"), h.cfg.StripeSecret, h.now(), h.tolerance); err != nil {
		h.log.Warn("stripe webhook signature rejected", zap.Error(err))
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	// Stripe wraps the refund in data.object
	data, _ := raw["data"].(map[string]interface{})
	obj, _ := data["object"].(map[string]interface{})
	if obj == nil || stringFromMap(obj, "object") != "refund" {
		respond(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not a refund event"})
		return
	}

	providerStatus := stringFromMap(obj, "status")
	n := Notification{
		Provider:        ProviderStripe,
		GatewayRefundID: stringFromMap(obj, "id"),
		GatewayEventID:  stringFromMap(raw, "id"),
		Status:          NormaliseStatus(ProviderStripe, providerStatus),
		ProviderStatus:  providerStatus,
		ReceivedAt:      h.now().UTC(),
	}
	h.dispatch(w, r, n)
}

func (h *Handler) webhookSandbox(w http.ResponseWriter, r *http.Request) {
	var req sandboxWebhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	n := Notification{
		Provider:        ProviderSandbox,
		GatewayRefundID: req.GatewayRefundID,
		GatewayEventID:  req.GatewayEventID,
		Status:          NormaliseStatus(ProviderSandbox, req.Status),
		ProviderStatus:  req.Status,
		ReceivedAt:      h.now().UTC(),
	}
	h.dispatch(w, r, n)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, n Notification) {
	if n.GatewayRefundID == "" || n.GatewayEventID == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "gateway_refund_id and gateway_event_id are required"})
		return
	}
	handled, err := h.sink.HandleNotification(r.Context(), n)
	if err != nil {
		// 5xx makes the provider redeliver
		h.log.Error("refund notification failed",
			zap.String("provider", string(n.Provider)),
			zap.String("gateway_event_id", n.GatewayEventID),
			zap.String("gateway_refund_id", n.GatewayRefundID),
			zap.Error(err))
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !handled {
		respond(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "processed", "gateway_refund_id": n.GatewayRefundID})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

var errBadSignature = errors.New("invalid Stripe-Signature")

// verifyStripeSignature checks a "t=<unix>,v1=<hex hmac>" header against
// HMAC-SHA256(secret, "<t>.<body>").
func verifyStripeSignature(body []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return errBadSignature
	}
	if d := now.Sub(time.Unix(unix, 0)); d > tolerance || d < -tolerance {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return errBadSignature
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// stringFromMap tries multiple keys and returns the first non-empty string value.
func stringFromMap(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
