package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/memstore"
	"ChatAssist-bot/internal/payments"
	"ChatAssist-bot/internal/subscription"
	"ChatAssist-bot/internal/tariff"
)

func sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestCheckYooKassaSignature(t *testing.T) {
	secret := "testsecret"
	body := []byte(`{"test":"data"}`)
	calc := sign(secret, body)

	tests := []struct {
		desc        string
		authHeader  string
		yoomoneyHdr string
		want        bool
	}{
		{"valid Authorization", "HMAC " + calc, "", true},
		{"valid Authorization SHA256", "HMAC-SHA256 " + calc, "", true},
		{"valid Yoomoney header", "", calc, true},
		{"wrong signature", "HMAC wrong", "", false},
		{"wrong yoomoney", "", "wrong", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			assert.Equal(t, tt.want, checkYooKassaSignature(secret, body, tt.authHeader, tt.yoomoneyHdr))
		})
	}
}

type listenerMock struct {
	mock.Mock
}

func (m *listenerMock) PaymentApplied(ctx context.Context, res payments.Result) {
	m.Called(ctx, res)
}

type reconcilerMock struct {
	mock.Mock
}

func (m *reconcilerMock) Reconcile(ctx context.Context, id, status string) (payments.Result, error) {
	args := m.Called(ctx, id, status)
	return args.Get(0).(payments.Result), args.Error(1)
}

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

type webhookEnv struct {
	store   *memstore.Store
	subs    *subscription.Machine
	handler *WebhookHandler
	server  *httptest.Server
}

func newWebhookEnv(t *testing.T, secret string, listener PaymentListener) *webhookEnv {
	t.Helper()
	ref := clock.New(clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), time.UTC)
	store := memstore.New()
	subs := subscription.New(store, ref, zap.NewNop())
	rec := payments.NewReconciler(store, subs, ref, zap.NewNop())

	h := NewWebhookHandler(rec, listener, nil, secret, zap.NewNop())
	h.retry = noWait
	srv := httptest.NewServer(NewRouter(h, nil, zap.NewNop()))
	t.Cleanup(srv.Close)
	return &webhookEnv{store: store, subs: subs, handler: h, server: srv}
}

func (e *webhookEnv) pending(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.CreatePayment(context.Background(), &db.Payment{
		UserID: 1, ExternalID: id, AmountMinor: 99000, Currency: "RUB",
		Status: db.PaymentPending, Plan: tariff.Romantic,
	}))
}

func notificationBody(event, id, status string) []byte {
	return []byte(fmt.Sprintf(`{"type":"notification","event":%q,"object":{"id":%q,"status":%q}}`, event, id, status))
}

func (e *webhookEnv) post(t *testing.T, body []byte, headers map[string]string) (*http.Response, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/yookassa/webhook", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestWebhook_AppliesOnceAndNotifies(t *testing.T) {
	listener := new(listenerMock)
	listener.On("PaymentApplied", mock.Anything, mock.MatchedBy(func(r payments.Result) bool {
		return r.Outcome == payments.Applied && r.Subscription != nil
	})).Once()

	e := newWebhookEnv(t, "", listener)
	e.pending(t, "pay_1")
	body := notificationBody("payment.succeeded", "pay_1", "succeeded")

	resp, out := e.post(t, body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", out["outcome"])

	resp, out = e.post(t, body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_applied", out["outcome"])

	listener.AssertExpectations(t)
	ok, err := e.subs.IsValidNow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWebhook_StatusCodes(t *testing.T) {
	e := newWebhookEnv(t, "", nil)
	e.pending(t, "pay_2")

	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"unknown payment", notificationBody("payment.succeeded", "unknown_id", "succeeded"), http.StatusNotFound},
		{"malformed id", notificationBody("payment.succeeded", "pay 2;drop", "succeeded"), http.StatusBadRequest},
		{"invalid json", []byte(`{"type":`), http.StatusBadRequest},
		{"missing object id", []byte(`{"type":"notification","event":"payment.succeeded","object":{"status":"succeeded"}}`), http.StatusBadRequest},
		{"waiting for capture ignored", notificationBody("payment.waiting_for_capture", "pay_2", "waiting_for_capture"), http.StatusOK},
		{"canceled", notificationBody("payment.canceled", "pay_2", "canceled"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := e.post(t, tt.body, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	p, err := e.store.FindPaymentByExternalID(context.Background(), "pay_2")
	require.NoError(t, err)
	assert.Equal(t, db.PaymentCanceled, p.Status, "waiting_for_capture не меняет статус")
}

func TestWebhook_Signature(t *testing.T) {
	e := newWebhookEnv(t, "whsec", nil)
	e.pending(t, "pay_3")
	body := notificationBody("payment.succeeded", "pay_3", "succeeded")

	resp, _ := e.post(t, body, map[string]string{"Authorization": "HMAC deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.post(t, body, map[string]string{"Content-Yoomoney-Signature": sign("whsec", body)})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhook_RetriesTransientThen500(t *testing.T) {
	rec := new(reconcilerMock)
	rec.On("Reconcile", mock.Anything, "pay_4", "succeeded").
		Return(payments.Result{}, fmt.Errorf("tx: %w", db.ErrTransient)).Times(3)

	h := NewWebhookHandler(rec, nil, nil, "", zap.NewNop())
	h.retry = noWait

	req := httptest.NewRequest(http.MethodPost, "/yookassa/webhook",
		strings.NewReader(string(notificationBody("payment.succeeded", "pay_4", "succeeded"))))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	rec.AssertNumberOfCalls(t, "Reconcile", 3)
}

func TestWebhook_TransientRecovers(t *testing.T) {
	rec := new(reconcilerMock)
	rec.On("Reconcile", mock.Anything, "pay_5", "succeeded").
		Return(payments.Result{}, db.ErrTransient).Once()
	rec.On("Reconcile", mock.Anything, "pay_5", "succeeded").
		Return(payments.Result{Outcome: payments.AlreadyApplied}, nil).Once()

	h := NewWebhookHandler(rec, nil, nil, "", zap.NewNop())
	h.retry = noWait

	req := httptest.NewRequest(http.MethodPost, "/yookassa/webhook",
		strings.NewReader(string(notificationBody("payment.succeeded", "pay_5", "succeeded"))))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	rec.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return fmt.Errorf("connection refused") }

	tests := []struct {
		name   string
		checks map[string]HealthCheck
		want   int
	}{
		{"all ok", map[string]HealthCheck{"db": ok}, http.StatusOK},
		{"redis down", map[string]HealthCheck{"db": ok, "redis": down}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(NewRouter(http.NotFoundHandler(), tt.checks, nil))
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewRouter(http.NotFoundHandler(), nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
