//go:build integration

package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("chatassist"),
		postgres.WithUsername("bot"),
		postgres.WithPassword("bot"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	gdb, err := Open(dsn, zap.NewNop())
	require.NoError(t, err)
	return NewStore(gdb)
}

func TestIntegration_SubscriptionUniquePerUser(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	uid, err := store.EnsureUser(ctx, Profile{TelegramID: 42, Username: "alice", SeenAt: now})
	require.NoError(t, err)

	again, err := store.EnsureUser(ctx, Profile{TelegramID: 42, SeenAt: now})
	require.NoError(t, err)
	assert.Equal(t, uid, again)

	first := &Subscription{UserID: uid, Plan: "ALPHA", DailyLimit: 150, StartTime: now, EndTime: now.AddDate(0, 1, 0), UpdatedAt: now}
	require.NoError(t, store.SaveSubscription(ctx, first))

	second := &Subscription{UserID: uid, Plan: "ROMANTIC", DailyLimit: 50, StartTime: now, EndTime: now.AddDate(0, 1, 0), UpdatedAt: now}
	err = store.SaveSubscription(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestIntegration_TransitionPaymentOnce(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	uid, err := store.EnsureUser(ctx, Profile{TelegramID: 7, SeenAt: now})
	require.NoError(t, err)
	require.NoError(t, store.CreatePayment(ctx, &Payment{
		UserID: uid, ExternalID: "pay_1", AmountMinor: 99000, Currency: "RUB",
		Status: PaymentPending, Plan: "ROMANTIC", CreatedAt: now, UpdatedAt: now,
	}))

	err = store.CreatePayment(ctx, &Payment{
		UserID: uid, ExternalID: "pay_1", AmountMinor: 1, Currency: "RUB",
		Status: PaymentPending, Plan: "ROMANTIC", CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		swapped int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TransitionPayment(ctx, "pay_1", PaymentPending, PaymentSucceeded, now)
			if err == nil && ok {
				mu.Lock()
				swapped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, swapped)

	p, err := store.FindPaymentByExternalID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, PaymentSucceeded, p.Status)
}

func TestIntegration_TransactionRollback(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	uid, err := store.EnsureUser(ctx, Profile{TelegramID: 9, SeenAt: now})
	require.NoError(t, err)
	require.NoError(t, store.CreatePayment(ctx, &Payment{
		UserID: uid, ExternalID: "pay_rb", AmountMinor: 100, Currency: "RUB",
		Status: PaymentPending, Plan: "ALPHA", CreatedAt: now, UpdatedAt: now,
	}))

	boom := errors.New("activation failed")
	err = store.Transaction(ctx, func(tx Repository) error {
		ok, err := tx.TransitionPayment(ctx, "pay_rb", PaymentPending, PaymentSucceeded, now)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := store.FindPaymentByExternalID(ctx, "pay_rb")
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status, "откат должен вернуть Pending")
}

func TestIntegration_CountRequestsWindow(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	uid, err := store.EnsureUser(ctx, Profile{TelegramID: 11, SeenAt: day})
	require.NoError(t, err)

	for _, ts := range []time.Time{day.Add(-time.Second), day, day.Add(12 * time.Hour), day.AddDate(0, 0, 1)} {
		require.NoError(t, store.AppendRequest(ctx, &RequestLog{
			UserID: uid, RequestTime: ts, RequestText: "q", Status: RequestProcessing,
		}))
	}

	n, err := store.CountRequests(ctx, uid, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
