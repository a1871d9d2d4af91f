// Package subscription управляет жизненным циклом подписки пользователя.
//
// У пользователя не больше одной подписки. Состояние "истекла" не хранится:
// подписка действует, пока EndTime строго позже текущего момента.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/tariff"
)

var (
	ErrNoSubscription = errors.New("no subscription")
	ErrInvalidMonths  = errors.New("months must be positive")
)

// State наблюдаемое состояние подписки.
type State int

const (
	NoSubscription State = iota
	Active
	Expired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return "none"
	}
}

// View снимок подписки на момент запроса.
type View struct {
	State        State
	Subscription *db.Subscription
}

type Machine struct {
	repo  db.Repository
	clock *clock.Reference
	log   *zap.Logger
}

func New(repo db.Repository, clk *clock.Reference, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{repo: repo, clock: clk, log: log}
}

// WithStore возвращает машину поверх другого хранилища, обычно открытой транзакции.
func (m *Machine) WithStore(repo db.Repository) *Machine {
	return &Machine{repo: repo, clock: m.clock, log: m.log}
}

// Activate продлевает подписку на один месяц по плану plan.
func (m *Machine) Activate(ctx context.Context, userID uint, plan tariff.Plan) (*db.Subscription, error) {
	return m.Grant(ctx, userID, plan, 1)
}

// Grant продлевает подписку на months календарных месяцев:
//   - подписки нет: начало сейчас, конец через months;
//   - подписка действует: конец сдвигается на months, начало не меняется;
//   - подписка истекла: начинается заново с текущего момента.
//
// План и дневной лимит всегда перезаписываются последним оплаченным планом.
func (m *Machine) Grant(ctx context.Context, userID uint, plan tariff.Plan, months int) (*db.Subscription, error) {
	const op = "subscription.Grant"
	if months < 1 {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidMonths)
	}

	sub, err := m.grant(ctx, userID, plan, months)
	if errors.Is(err, db.ErrDuplicate) {
		// параллельно создали первую подписку, вторая попытка увидит её строку
		m.log.Debug("subscription create raced, retrying", zap.Uint("user_id", userID))
		sub, err = m.grant(ctx, userID, plan, months)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m.log.Info("subscription extended",
		zap.Uint("user_id", userID),
		zap.String("plan", string(plan.Key)),
		zap.Int("months", months),
		zap.Time("end_time", sub.EndTime),
	)
	return sub, nil
}

func (m *Machine) grant(ctx context.Context, userID uint, plan tariff.Plan, months int) (*db.Subscription, error) {
	var out *db.Subscription
	err := m.repo.Transaction(ctx, func(tx db.Repository) error {
		now := m.clock.Now()
		current, err := tx.GetSubscription(ctx, userID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		next := extend(current, userID, plan, months, now)
		if err := tx.SaveSubscription(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func extend(current *db.Subscription, userID uint, plan tariff.Plan, months int, now time.Time) *db.Subscription {
	next := &db.Subscription{UserID: userID}
	switch {
	case current == nil:
		next.StartTime = now
		next.EndTime = clock.AddMonths(now, months)
	case current.ValidAt(now):
		*next = *current
		next.EndTime = clock.AddMonths(current.EndTime, months)
	default:
		*next = *current
		next.StartTime = now
		next.EndTime = clock.AddMonths(now, months)
	}
	next.Plan = plan.Key
	next.DailyLimit = plan.DailyLimit
	next.UpdatedAt = now
	return next
}

// Current возвращает подписку пользователя или ErrNoSubscription.
func (m *Machine) Current(ctx context.Context, userID uint) (*db.Subscription, error) {
	const op = "subscription.Current"
	sub, err := m.repo.GetSubscription(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, ErrNoSubscription)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// IsValidNow true, если подписка есть и её EndTime позже текущего момента.
func (m *Machine) IsValidNow(ctx context.Context, userID uint) (bool, error) {
	v, err := m.State(ctx, userID)
	if err != nil {
		return false, err
	}
	return v.State == Active, nil
}

// State возвращает подписку вместе с её состоянием на текущий момент.
func (m *Machine) State(ctx context.Context, userID uint) (View, error) {
	sub, err := m.Current(ctx, userID)
	if errors.Is(err, ErrNoSubscription) {
		return View{State: NoSubscription}, nil
	}
	if err != nil {
		return View{}, err
	}
	if sub.ValidAt(m.clock.Now()) {
		return View{State: Active, Subscription: sub}, nil
	}
	return View{State: Expired, Subscription: sub}, nil
}

// Deactivate досрочно завершает подписку (EndTime = сейчас - 1с).
// Для уже истёкшей подписки ничего не делает и возвращает false.
func (m *Machine) Deactivate(ctx context.Context, userID uint) (bool, error) {
	const op = "subscription.Deactivate"
	changed := false
	err := m.repo.Transaction(ctx, func(tx db.Repository) error {
		now := m.clock.Now()
		sub, err := tx.GetSubscription(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			return ErrNoSubscription
		}
		if err != nil {
			return err
		}
		if !sub.ValidAt(now) {
			return nil
		}
		sub.EndTime = now.Add(-time.Second)
		if !sub.EndTime.After(sub.StartTime) {
			sub.StartTime = sub.EndTime.Add(-time.Second)
		}
		sub.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if changed {
		m.log.Info("subscription deactivated", zap.Uint("user_id", userID))
	}
	return changed, nil
}
