package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/tariff"
)

const reserveDenied = -1

// KEYS[1] счётчик, ARGV[1] расход по журналу, ARGV[2] лимит, ARGV[3] ttl в мс.
// Счётчик не бывает меньше журнала: записи, сделанные мимо Redis, догоняются здесь.
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local logged = tonumber(ARGV[1])
if cur < logged then
  redis.call('SET', KEYS[1], logged, 'PX', ARGV[3])
  cur = logged
end
if cur >= tonumber(ARGV[2]) then
  return -1
end
return redis.call('INCR', KEYS[1])
`)

var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// Counter атомарный суточный счётчик в Redis (increment-and-compare в одном скрипте).
// Общий для всех реплик, поэтому проверка и резервирование не разъезжаются.
type Counter struct {
	rdb redis.UniversalClient
}

func NewCounter(rdb redis.UniversalClient) *Counter {
	return &Counter{rdb: rdb}
}

// Key ключ счётчика: quota:{user}:{yyyy-mm-dd}.
func Key(userID uint, w clock.Window) string {
	return fmt.Sprintf("quota:%d:%s", userID, w.Start.Format("2006-01-02"))
}

// Reserve занимает слот, если после этого расход не превысит limit.
// logged расход по журналу: если счётчик отстал (нет ключа или запросы прошли,
// пока Redis был недоступен), он поднимается до logged перед сравнением.
func (c *Counter) Reserve(ctx context.Context, userID uint, w clock.Window, now time.Time, limit int, logged int64) (bool, error) {
	const op = "quota.Reserve"
	if limit == tariff.Unlimited {
		return true, nil
	}
	ttl := w.End.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	res, err := reserveScript.Run(ctx, c.rdb, []string{Key(userID, w)}, logged, limit, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return res != reserveDenied, nil
}

// Release возвращает слот, если запись в журнал не удалась.
func (c *Counter) Release(ctx context.Context, userID uint, w clock.Window) error {
	const op = "quota.Release"
	err := releaseScript.Run(ctx, c.rdb, []string{Key(userID, w)}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Used текущее значение счётчика; false, если его нет.
func (c *Counter) Used(ctx context.Context, userID uint, w clock.Window) (int64, bool, error) {
	const op = "quota.Used"
	n, err := c.rdb.Get(ctx, Key(userID, w)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return n, true, nil
}
