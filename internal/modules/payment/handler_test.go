package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockSink struct{ mock.Mock }

func (m *mockSink) HandleNotification(ctx context.Context, n Notification) (bool, error) {
	args := m.Called(ctx, n)
	return args.Bool(0), args.Error(1)
}

func newWebhookRouter(t *testing.T, sink NotificationSink, cfg WebhookConfig) chi.Router {
	r := chi.NewRouter()
	NewHandler(sink, cfg, zaptest.NewLogger(t)).RegisterRoutes(r)
	return r
}

// signStripePayload produces a Stripe-Signature header value for body.
func signStripePayload(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func post(r http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSandboxWebhook(t *testing.T) {
	sink := &mockSink{}
	sink.On("HandleNotification", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.Provider == ProviderSandbox && n.GatewayRefundID == "sbx_re_1" &&
			n.GatewayEventID == "evt_1" && n.Status == RefundSucceeded
	})).Return(true, nil).Once()
	sink.On("HandleNotification", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.GatewayEventID == "evt_2"
	})).Return(false, nil).Once()
	sink.On("HandleNotification", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.GatewayEventID == "evt_3"
	})).Return(false, errors.New("db down")).Once()

	r := newWebhookRouter(t, sink, WebhookConfig{Sandbox: true})
	const path = "/api/v1/webhooks/refunds/sandbox"

	rec := post(r, path, `{"gateway_refund_id":"sbx_re_1","gateway_event_id":"evt_1","status":"succeeded"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "processed")

	rec = post(r, path, `{"gateway_refund_id":"sbx_re_1","gateway_event_id":"evt_2","status":"succeeded"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")

	rec = post(r, path, `{"gateway_refund_id":"sbx_re_1","gateway_event_id":"evt_3","status":"failed"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = post(r, path, `{"gateway_refund_id":"sbx_re_1","status":"failed"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(r, path, `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	sink.AssertExpectations(t)
}

func TestStripeWebhookSignature(t *testing.T) {
	sink := &mockSink{}
	sink.On("HandleNotification", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.Provider == ProviderStripe && n.GatewayRefundID == "re_1" &&
			n.GatewayEventID == "evt_s1" && n.Status == RefundFailed
	})).Return(true, nil).Once()

	r := newWebhookRouter(t, sink, WebhookConfig{StripeSecret: "whsec_test"})
	const path = "/api/v1/webhooks/refunds/stripe"
	body := `{"id":"evt_s1","type":"refund.failed","data":{"object":{"id":"re_1","object":"refund","status":"failed"}}}`

	rec := post(r, path, body, map[string]string{"Stripe-Signature": signStripePayload([]byte(body), "whsec_test", time.Now())})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "processed")

	rec = post(r, path, body, map[string]string{"Stripe-Signature": signStripePayload([]byte(body), "wrong", time.Now())})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	old := signStripePayload([]byte(body), "whsec_test", time.Now().Add(-time.Hour))
	rec = post(r, path, body, map[string]string{"Stripe-Signature": old})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(r, path, body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	sink.AssertExpectations(t)
}

func TestStripeWebhookIgnoresNonRefundObjects(t *testing.T) {
	sink := &mockSink{}
	r := newWebhookRouter(t, sink, WebhookConfig{StripeSecret: "whsec_test"})
	body := `{"id":"evt_x","type":"charge.succeeded","data":{"object":{"id":"ch_1","object":"charge"}}}`
	rec := post(r, "/api/v1/webhooks/refunds/stripe", body,
		map[string]string{"Stripe-Signature": signStripePayload([]byte(body), "whsec_test", time.Now())})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
	sink.AssertNotCalled(t, "HandleNotification", mock.Anything, mock.Anything)
}

func TestWebhookRoutesFollowEnabledProviders(t *testing.T) {
	sink := &mockSink{}
	sandboxBody := `{"gateway_refund_id":"re_1","gateway_event_id":"evt_1","status":"succeeded"}`
	stripeBody := `{"id":"evt_s1","data":{"object":{"id":"re_1","object":"refund","status":"succeeded"}}}`

	r := newWebhookRouter(t, sink, WebhookConfig{StripeSecret: "whsec_test"})
	rec := post(r, "/api/v1/webhooks/refunds/sandbox", sandboxBody, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	r = newWebhookRouter(t, sink, WebhookConfig{Sandbox: true})
	rec = post(r, "/api/v1/webhooks/refunds/stripe", stripeBody, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sink.AssertNotCalled(t, "HandleNotification", mock.Anything, mock.Anything)
}
