// Package quota считает суточный расход запросов по журналу.
package quota

import (
	"context"
	"fmt"
	"time"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/tariff"
)

// UsageStore часть хранилища, нужная для подсчёта расхода.
type UsageStore interface {
	CountRequests(ctx context.Context, userID uint, from, to time.Time) (int64, error)
}

// Ledger считает записи журнала за текущие сутки опорного пояса.
// Результат не кэшируется: каждый вызов читает хранилище заново.
type Ledger struct {
	store UsageStore
	loc   *time.Location
}

func NewLedger(store UsageStore, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{store: store, loc: loc}
}

// Window сутки, в которые попадает now.
func (l *Ledger) Window(now time.Time) clock.Window {
	return clock.DayWindow(now, l.loc)
}

// CountConsumedToday число попыток пользователя за сутки, включая незавершённые (PROCESSING).
func (l *Ledger) CountConsumedToday(ctx context.Context, userID uint, now time.Time) (int64, error) {
	const op = "quota.CountConsumedToday"
	w := l.Window(now)
	n, err := l.store.CountRequests(ctx, userID, w.Start, w.End)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// Usage остаток на сегодня.
type Usage struct {
	Used      int64
	Limit     int
	Remaining int64
	Unbounded bool
}

// Remaining считает остаток для лимита limit (снимок из подписки).
func (l *Ledger) Remaining(ctx context.Context, userID uint, limit int, now time.Time) (Usage, error) {
	used, err := l.CountConsumedToday(ctx, userID, now)
	if err != nil {
		return Usage{}, err
	}
	return Compute(limit, used), nil
}

// Compute max(0, limit-used); для безлимита Unbounded=true.
func Compute(limit int, used int64) Usage {
	u := Usage{Used: used, Limit: limit}
	if limit == tariff.Unlimited {
		u.Unbounded = true
		return u
	}
	if rest := int64(limit) - used; rest > 0 {
		u.Remaining = rest
	}
	return u
}
