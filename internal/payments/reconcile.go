// Package payments сверка уведомлений платёжного шлюза с локальными платежами и создание платежей.
package payments

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/metrics"
	"ChatAssist-bot/internal/subscription"
	"ChatAssist-bot/internal/tariff"
)

// ErrInvalidPaymentID пустой или некорректный идентификатор платежа. Повторять бессмысленно.
var ErrInvalidPaymentID = errors.New("invalid payment id")

var paymentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Outcome результат сверки.
type Outcome int

const (
	Applied Outcome = iota + 1
	AlreadyApplied
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// outcomeError метка метрики для сверки, которая не зафиксировалась и будет повторена.
const outcomeError = "error"

// Result итог сверки. Subscription заполнена только при применённом успешном платеже.
type Result struct {
	Outcome      Outcome
	Payment      *db.Payment
	Subscription *db.Subscription
}

// MapStatus переводит статус шлюза в статус платежа: succeeded, canceled, остальное считается неудачей.
func MapStatus(reported string) db.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(reported)) {
	case "succeeded":
		return db.PaymentSucceeded
	case "canceled":
		return db.PaymentCanceled
	default:
		return db.PaymentFailed
	}
}

// ValidPaymentID проверяет формат идентификатора шлюза.
func ValidPaymentID(id string) bool {
	return paymentIDPattern.MatchString(id)
}

type Reconciler struct {
	repo  db.Repository
	subs  *subscription.Machine
	clock *clock.Reference
	log   *zap.Logger
}

func NewReconciler(repo db.Repository, subs *subscription.Machine, clk *clock.Reference, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{repo: repo, subs: subs, clock: clk, log: log}
}

// Reconcile применяет уведомление о статусе платежа ровно один раз.
//
// Поиск платежа, смена статуса Pending -> итоговый и активация подписки идут в одной
// транзакции. При ошибке ничего не фиксируется и уведомление можно повторить; после
// успешной фиксации повтор вернёт AlreadyApplied.
func (r *Reconciler) Reconcile(ctx context.Context, externalID, reportedStatus string) (Result, error) {
	const op = "payments.Reconcile"
	if !ValidPaymentID(externalID) {
		return Result{}, fmt.Errorf("%s: %q: %w", op, externalID, ErrInvalidPaymentID)
	}
	target := MapStatus(reportedStatus)

	var res Result
	err := r.repo.Transaction(ctx, func(tx db.Repository) error {
		res = Result{}
		p, err := tx.FindPaymentByExternalID(ctx, externalID)
		if errors.Is(err, db.ErrNotFound) {
			res.Outcome = NotFound
			return nil
		}
		if err != nil {
			return err
		}
		res.Payment = p

		if p.Status != db.PaymentPending {
			if p.Status != target {
				r.log.Warn("payment notification conflicts with recorded status",
					zap.String("payment_id", externalID),
					zap.String("recorded", string(p.Status)),
					zap.String("reported", string(target)),
				)
			}
			res.Outcome = AlreadyApplied
			return nil
		}

		now := r.clock.Now()
		swapped, err := tx.TransitionPayment(ctx, externalID, db.PaymentPending, target, now)
		if err != nil {
			return err
		}
		if !swapped {
			res.Outcome = AlreadyApplied
			return nil
		}
		p.Status = target
		p.UpdatedAt = now

		if target == db.PaymentSucceeded {
			plan, err := tariff.Lookup(string(p.Plan))
			if err != nil {
				return fmt.Errorf("payment %s plan %q: %w: %w", externalID, p.Plan, db.ErrInvariantViolation, err)
			}
			sub, err := r.subs.WithStore(tx).Activate(ctx, p.UserID, plan)
			if err != nil {
				return err
			}
			res.Subscription = sub
		}
		res.Outcome = Applied
		return nil
	})
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues(outcomeError).Inc()
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	metrics.ReconcileOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	switch res.Outcome {
	case Applied:
		r.log.Info("payment reconciled",
			zap.String("payment_id", externalID),
			zap.String("status", string(target)),
			zap.Uint("user_id", res.Payment.UserID),
		)
	case AlreadyApplied:
		r.log.Debug("duplicate payment notification", zap.String("payment_id", externalID))
	case NotFound:
		r.log.Info("payment not found yet", zap.String("payment_id", externalID))
	}
	return res, nil
}
