package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/memstore"
	"ChatAssist-bot/internal/tariff"
)

var moscow = time.FixedZone("MSK", 3*60*60)

func TestCountConsumedToday_WindowBoundaries(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, moscow)
	dayStart := time.Date(2024, 3, 10, 0, 0, 0, 0, moscow)

	times := []time.Time{
		dayStart.Add(-time.Nanosecond),  // вчера
		dayStart,                        // полночь входит в окно
		now,
		dayStart.AddDate(0, 0, 1),       // завтрашняя полночь уже нет
		now.In(time.UTC).Add(time.Hour), // тот же день, другой пояс записи
	}
	for _, ts := range times {
		require.NoError(t, store.AppendRequest(ctx, &db.RequestLog{UserID: 1, RequestTime: ts, Status: db.RequestProcessing}))
	}

	l := NewLedger(store, moscow)
	n, err := l.CountConsumedToday(ctx, 1, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	other, err := l.CountConsumedToday(ctx, 2, now)
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestCountConsumedToday_ReadYourWrites(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewLedger(store, time.UTC)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AppendRequest(ctx, &db.RequestLog{UserID: 1, RequestTime: now, Status: db.RequestProcessing}))
		n, err := l.CountConsumedToday(ctx, 1, now)
		require.NoError(t, err)
		assert.EqualValues(t, i, n)
	}
}

type failingStore struct{}

func (failingStore) CountRequests(context.Context, uint, time.Time, time.Time) (int64, error) {
	return 0, db.ErrTransient
}

func TestCountConsumedToday_StoreError(t *testing.T) {
	l := NewLedger(failingStore{}, nil)
	_, err := l.CountConsumedToday(context.Background(), 1, time.Now())
	assert.ErrorIs(t, err, db.ErrTransient)
}

func TestCompute(t *testing.T) {
	assert.Equal(t, Usage{Used: 10, Limit: 50, Remaining: 40}, Compute(50, 10))
	assert.Equal(t, Usage{Used: 60, Limit: 50}, Compute(50, 60))
	u := Compute(tariff.Unlimited, 1000)
	assert.True(t, u.Unbounded)
	assert.Zero(t, u.Remaining)
}

func setupCounter(t *testing.T) (*Counter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCounter(rdb), mr
}

func TestCounter_SeedsFromLedger(t *testing.T) {
	c, mr := setupCounter(t)
	ctx := context.Background()
	l := NewLedger(nil, time.UTC)
	now := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)
	w := l.Window(now)

	ok, err := c.Reserve(ctx, 7, w, now, 50, 48)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Reserve(ctx, 7, w, now, 50, 49)
	require.NoError(t, err)
	assert.True(t, ok, "50-й запрос ещё разрешён")

	ok, err = c.Reserve(ctx, 7, w, now, 50, 50)
	require.NoError(t, err)
	assert.False(t, ok, "51-й запрос отклонён")

	val, err := mr.Get(Key(7, w))
	require.NoError(t, err)
	assert.Equal(t, "50", val)
	assert.Equal(t, 6*time.Hour, mr.TTL(Key(7, w)))
}

func TestCounter_CatchesUpWithLedger(t *testing.T) {
	c, mr := setupCounter(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)
	w := NewLedger(nil, time.UTC).Window(now)

	ok, err := c.Reserve(ctx, 1, w, now, 50, 10)
	require.NoError(t, err)
	require.True(t, ok)

	// 30 запросов записаны в журнал мимо счётчика
	ok, err = c.Reserve(ctx, 1, w, now, 50, 41)
	require.NoError(t, err)
	require.True(t, ok)
	used, found, err := c.Used(ctx, 1, w)
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 42, used)

	// устаревший расход по журналу счётчик не уменьшает
	ok, err = c.Reserve(ctx, 1, w, now, 50, 0)
	require.NoError(t, err)
	require.True(t, ok)
	val, err := mr.Get(Key(1, w))
	require.NoError(t, err)
	assert.Equal(t, "43", val)

	ok, err = c.Reserve(ctx, 1, w, now, 50, 50)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCounter_ConcurrentReserveNeverExceedsLimit(t *testing.T) {
	c, _ := setupCounter(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)
	w := NewLedger(nil, time.UTC).Window(now)

	var (
		wg      sync.WaitGroup
		allowed int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Reserve(ctx, 1, w, now, 5, 0)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 5, allowed)
}

func TestCounter_Release(t *testing.T) {
	c, _ := setupCounter(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)
	w := NewLedger(nil, time.UTC).Window(now)

	ok, err := c.Reserve(ctx, 1, w, now, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx, 1, w))
	used, found, err := c.Used(ctx, 1, w)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, used)

	// счётчик не уходит в минус
	require.NoError(t, c.Release(ctx, 1, w))
	used, _, err = c.Used(ctx, 1, w)
	require.NoError(t, err)
	assert.Zero(t, used)

	ok, err = c.Reserve(ctx, 1, w, now, 1, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCounter_UnlimitedSkipsRedis(t *testing.T) {
	c, mr := setupCounter(t)
	now := time.Now()
	w := NewLedger(nil, time.UTC).Window(now)
	ok, err := c.Reserve(context.Background(), 1, w, now, tariff.Unlimited, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists(Key(1, w)))
}

func TestCounter_RedisError(t *testing.T) {
	c, mr := setupCounter(t)
	now := time.Now()
	w := NewLedger(nil, time.UTC).Window(now)
	mr.SetError("ERR server unavailable")
	_, err := c.Reserve(context.Background(), 1, w, now, 5, 0)
	assert.Error(t, err)
}
