package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/logger"
	"ChatAssist-bot/internal/payments"
)

const (
	maxWebhookBody = 1 << 20

	eventWaitingForCapture = "payment.waiting_for_capture"
)

// Проверка HMAC подписи webhook YooKassa (Authorization или Content-Yoomoney-Signature)
func checkYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 {
				signatures = append(signatures, parts[1])
			}
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(calc)) {
			return true
		}
	}
	return false
}

// Notification уведомление YooKassa.
type Notification struct {
	Type   string `json:"type" validate:"required"`
	Event  string `json:"event" validate:"required"`
	Object struct {
		ID       string            `json:"id" validate:"required"`
		Status   string            `json:"status" validate:"required"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// Reconciler применяет уведомление о платеже.
type Reconciler interface {
	Reconcile(ctx context.Context, externalID, reportedStatus string) (payments.Result, error)
}

// PaymentListener получает применённые платежи (сообщение пользователю).
type PaymentListener interface {
	PaymentApplied(ctx context.Context, res payments.Result)
}

type webhookResponse struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WebhookHandler обрабатывает уведомления от YooKassa
type WebhookHandler struct {
	reconciler Reconciler
	listener   PaymentListener
	notifier   *logger.Notifier
	secret     string
	validate   *validator.Validate
	retry      func() backoff.BackOff
	log        *zap.Logger
}

func NewWebhookHandler(rec Reconciler, listener PaymentListener, notifier *logger.Notifier, secret string, log *zap.Logger) *WebhookHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookHandler{
		reconciler: rec,
		listener:   listener,
		notifier:   notifier,
		secret:     secret,
		validate:   validator.New(),
		retry:      defaultRetry,
		log:        log,
	}
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer h.notifier.NotifyOnPanic("WebhookHandler")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.log.Warn("failed to read webhook body", zap.Error(err))
		h.respond(w, r, http.StatusBadRequest, webhookResponse{Status: "error", Error: "unreadable body"})
		return
	}

	if h.secret != "" {
		authHeader := r.Header.Get("Authorization")
		yoomoneyHeader := r.Header.Get("Content-Yoomoney-Signature")
		if !checkYooKassaSignature(h.secret, body, authHeader, yoomoneyHeader) {
			h.log.Warn("invalid webhook signature", zap.String("remote", r.RemoteAddr))
			h.notifier.NotifyAdmin("Недействительная подпись webhook")
			h.respond(w, r, http.StatusUnauthorized, webhookResponse{Status: "error", Error: "invalid signature"})
			return
		}
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.log.Warn("failed to parse webhook", zap.Error(err))
		h.respond(w, r, http.StatusBadRequest, webhookResponse{Status: "error", Error: "invalid json"})
		return
	}
	if err := h.validate.Struct(n); err != nil {
		h.log.Warn("invalid webhook payload", zap.Error(err))
		h.respond(w, r, http.StatusBadRequest, webhookResponse{Status: "error", Error: "invalid payload"})
		return
	}

	log := h.log.With(zap.String("event", n.Event), zap.String("payment_id", n.Object.ID))

	// деньги ещё не списаны, итоговое уведомление придёт отдельно
	if strings.EqualFold(n.Event, eventWaitingForCapture) {
		log.Info("payment waiting for capture, skipped")
		h.respond(w, r, http.StatusOK, webhookResponse{Status: "ok", Outcome: "ignored"})
		return
	}

	res, err := h.reconcile(r.Context(), n.Object.ID, n.Object.Status)
	switch {
	case errors.Is(err, payments.ErrInvalidPaymentID):
		log.Warn("invalid payment id in webhook")
		h.respond(w, r, http.StatusBadRequest, webhookResponse{Status: "error", Error: "invalid payment id"})
		return
	case err != nil:
		h.notifier.ReportError("webhook reconcile", err)
		h.respond(w, r, http.StatusInternalServerError, webhookResponse{Status: "error", Error: "temporary failure"})
		return
	}

	switch res.Outcome {
	case payments.NotFound:
		// платёж мог ещё не сохраниться локально, шлюз повторит уведомление
		h.respond(w, r, http.StatusNotFound, webhookResponse{Status: "error", Outcome: res.Outcome.String()})
		return
	case payments.Applied:
		if h.listener != nil {
			h.listener.PaymentApplied(r.Context(), res)
		}
	}
	h.respond(w, r, http.StatusOK, webhookResponse{Status: "ok", Outcome: res.Outcome.String()})
}

// reconcile повторяет сверку с backoff, пока хранилище отвечает временной ошибкой.
func (h *WebhookHandler) reconcile(ctx context.Context, id, status string) (payments.Result, error) {
	var res payments.Result
	op := func() error {
		var err error
		res, err = h.reconciler.Reconcile(ctx, id, status)
		if err != nil && !db.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		h.log.Warn("reconcile failed, retrying", zap.String("payment_id", id), zap.Duration("in", next), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(h.retry(), ctx), notify)
	return res, err
}

func (h *WebhookHandler) respond(w http.ResponseWriter, r *http.Request, code int, body webhookResponse) {
	render.Status(r, code)
	render.JSON(w, r, body)
}
