// Package metering решает, можно ли пользователю отправить запрос, и ведёт журнал запросов.
//
// Authorize и Record по отдельности не защищены от гонки: два одновременных запроса
// у границы лимита могут оба пройти проверку, и пользователь получит limit+1 запрос.
// Admit закрывает эту гонку: либо мьютекс на пользователя внутри процесса, либо,
// если подключён Redis, атомарный счётчик, общий для всех реплик.
package metering

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/metrics"
	"ChatAssist-bot/internal/quota"
	"ChatAssist-bot/internal/subscription"
	"ChatAssist-bot/internal/tariff"
)

// Reason причина отказа.
type Reason int

const (
	ReasonNone Reason = iota
	NoActiveSubscription
	QuotaExceeded
)

func (r Reason) String() string {
	switch r {
	case NoActiveSubscription:
		return "no_active_subscription"
	case QuotaExceeded:
		return "quota_exceeded"
	default:
		return "allowed"
	}
}

// Decision результат проверки. Отказ это значение, а не ошибка.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Subscription подписка на момент проверки, nil если её нет.
	Subscription *db.Subscription
	Usage        quota.Usage
}

func allow(sub *db.Subscription, usage quota.Usage) Decision {
	return Decision{Allowed: true, Subscription: sub, Usage: usage}
}

func deny(reason Reason, sub *db.Subscription, usage quota.Usage) Decision {
	return Decision{Reason: reason, Subscription: sub, Usage: usage}
}

var ErrAlreadyCompleted = errors.New("request already completed")

type Facade struct {
	repo    db.Repository
	subs    *subscription.Machine
	ledger  *quota.Ledger
	counter *quota.Counter
	clock   *clock.Reference
	log     *zap.Logger
	locks   *userLocks
}

type Option func(*Facade)

// WithCounter включает атомарный счётчик Redis в Admit.
func WithCounter(c *quota.Counter) Option {
	return func(f *Facade) { f.counter = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(f *Facade) { f.log = log }
}

func New(repo db.Repository, subs *subscription.Machine, ledger *quota.Ledger, clk *clock.Reference, opts ...Option) *Facade {
	f := &Facade{
		repo:   repo,
		subs:   subs,
		ledger: ledger,
		clock:  clk,
		log:    zap.NewNop(),
		locks:  newUserLocks(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Authorize сначала проверяет подписку (одна строка), потом расход за сутки.
func (f *Facade) Authorize(ctx context.Context, userID uint) (Decision, error) {
	const op = "metering.Authorize"
	d, err := f.authorize(ctx, userID, f.clock.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("%s: %w", op, err)
	}
	f.observe(userID, d)
	return d, nil
}

func (f *Facade) authorize(ctx context.Context, userID uint, now time.Time) (Decision, error) {
	sub, ok, err := f.activeSubscription(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return deny(NoActiveSubscription, sub, quota.Usage{}), nil
	}
	used, err := f.ledger.CountConsumedToday(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}
	usage := quota.Compute(sub.DailyLimit, used)
	if !tariff.AllowsLimit(sub.DailyLimit, used) {
		return deny(QuotaExceeded, sub, usage), nil
	}
	return allow(sub, usage), nil
}

func (f *Facade) activeSubscription(ctx context.Context, userID uint, now time.Time) (*db.Subscription, bool, error) {
	sub, err := f.repo.GetSubscription(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sub, sub.ValidAt(now), nil
}

// Record добавляет запись PROCESSING в журнал. Она учитывается в лимите сразу,
// даже если Complete так и не будет вызван.
func (f *Facade) Record(ctx context.Context, userID uint, text string) (*Handle, error) {
	const op = "metering.Record"
	now := f.clock.Now()
	entry := &db.RequestLog{
		UserID:      userID,
		RequestTime: now,
		RequestText: text,
		Status:      db.RequestProcessing,
	}
	if err := f.repo.AppendRequest(ctx, entry); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Handle{ID: entry.ID, UserID: userID, started: now, f: f}, nil
}

// Admit проверяет лимит и сразу записывает запрос, без гонки между проверкой и записью.
// Handle равен nil, если запрос отклонён.
func (f *Facade) Admit(ctx context.Context, userID uint, text string) (Decision, *Handle, error) {
	const op = "metering.Admit"
	var (
		d   Decision
		h   *Handle
		err error
	)
	if f.counter != nil {
		d, h, err = f.admitWithCounter(ctx, userID, text)
		if err != nil && !errors.Is(err, errCounterUnavailable) {
			return Decision{}, nil, fmt.Errorf("%s: %w", op, err)
		}
		if err != nil {
			f.log.Warn("quota counter unavailable, falling back to local lock",
				zap.Uint("user_id", userID), zap.Error(err))
		}
	}
	if f.counter == nil || err != nil {
		d, h, err = f.admitLocked(ctx, userID, text)
		if err != nil {
			return Decision{}, nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	f.observe(userID, d)
	return d, h, nil
}

func (f *Facade) admitLocked(ctx context.Context, userID uint, text string) (Decision, *Handle, error) {
	unlock := f.locks.lock(userID)
	defer unlock()

	d, err := f.authorize(ctx, userID, f.clock.Now())
	if err != nil || !d.Allowed {
		return d, nil, err
	}
	h, err := f.Record(ctx, userID, text)
	if err != nil {
		return Decision{}, nil, err
	}
	d.Usage = quota.Compute(d.Subscription.DailyLimit, d.Usage.Used+1)
	return d, h, nil
}

var errCounterUnavailable = errors.New("quota counter unavailable")

func (f *Facade) admitWithCounter(ctx context.Context, userID uint, text string) (Decision, *Handle, error) {
	now := f.clock.Now()
	sub, ok, err := f.activeSubscription(ctx, userID, now)
	if err != nil {
		return Decision{}, nil, err
	}
	if !ok {
		return deny(NoActiveSubscription, sub, quota.Usage{}), nil, nil
	}

	// Журнал остаётся источником истины: счётчик поднимается до него, если отстал,
	// например после запросов, пропущенных через локальную блокировку при сбое Redis.
	var logged int64
	if sub.DailyLimit != tariff.Unlimited {
		logged, err = f.ledger.CountConsumedToday(ctx, userID, now)
		if err != nil {
			return Decision{}, nil, err
		}
	}
	w := f.ledger.Window(now)
	reserved, err := f.counter.Reserve(ctx, userID, w, now, sub.DailyLimit, logged)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("%w: %w", errCounterUnavailable, err)
	}
	if !reserved {
		return deny(QuotaExceeded, sub, quota.Compute(sub.DailyLimit, int64(sub.DailyLimit))), nil, nil
	}

	h, err := f.Record(ctx, userID, text)
	if err != nil {
		if rerr := f.counter.Release(ctx, userID, w); rerr != nil {
			f.log.Warn("failed to release quota slot", zap.Uint("user_id", userID), zap.Error(rerr))
		}
		return Decision{}, nil, err
	}
	usage := quota.Usage{Limit: sub.DailyLimit, Unbounded: sub.DailyLimit == tariff.Unlimited}
	if used, found, uerr := f.counter.Used(ctx, userID, w); uerr == nil && found {
		usage = quota.Compute(sub.DailyLimit, used)
	}
	return allow(sub, usage), h, nil
}

func (f *Facade) observe(userID uint, d Decision) {
	metrics.MeteringDecisions.WithLabelValues(d.Reason.String()).Inc()
	if !d.Allowed {
		f.log.Info("request denied", zap.Uint("user_id", userID), zap.Stringer("reason", d.Reason))
	}
}

// Remaining остаток запросов на сегодня по текущей подписке.
func (f *Facade) Remaining(ctx context.Context, userID uint) (quota.Usage, error) {
	const op = "metering.Remaining"
	now := f.clock.Now()
	sub, ok, err := f.activeSubscription(ctx, userID, now)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return quota.Usage{}, nil
	}
	u, err := f.ledger.Remaining(ctx, userID, sub.DailyLimit, now)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// Handle незавершённая запись журнала.
type Handle struct {
	ID      uint
	UserID  uint
	started time.Time
	f       *Facade
	done    atomic.Bool
}

// Complete фиксирует итог запроса и время обработки. Повторный вызов возвращает ErrAlreadyCompleted.
func (h *Handle) Complete(ctx context.Context, status db.RequestStatus, response string) error {
	const op = "metering.Handle.Complete"
	if status != db.RequestSuccess && status != db.RequestError {
		return fmt.Errorf("%s: unexpected status %q", op, status)
	}
	if !h.done.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", op, ErrAlreadyCompleted)
	}
	elapsed := h.f.clock.Since(h.started)
	if err := h.f.repo.CompleteRequest(ctx, h.ID, status, response, elapsed); err != nil {
		h.done.Store(false)
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.RequestOutcomes.WithLabelValues(string(status)).Inc()
	return nil
}

// Elapsed время с момента записи.
func (h *Handle) Elapsed() time.Duration {
	return h.f.clock.Since(h.started)
}
