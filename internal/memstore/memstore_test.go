package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChatAssist-bot/internal/db"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestEnsureUserIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.EnsureUser(ctx, db.Profile{TelegramID: 42, Username: "alice", SeenAt: t0})
	require.NoError(t, err)
	id2, err := s.EnsureUser(ctx, db.Profile{TelegramID: 42, Username: "renamed", SeenAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	u, err := s.GetUser(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.RegisteredAt.Equal(t0))
}

func TestSubscriptionUniquePerUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetSubscription(ctx, 1)
	assert.ErrorIs(t, err, db.ErrNotFound)

	sub := &db.Subscription{UserID: 1, Plan: "ALPHA", EndTime: t0}
	require.NoError(t, s.SaveSubscription(ctx, sub))
	assert.NotZero(t, sub.ID)

	err = s.SaveSubscription(ctx, &db.Subscription{UserID: 1, Plan: "ROMANTIC"})
	assert.ErrorIs(t, err, db.ErrDuplicate)

	sub.Plan = "LOVELACE"
	require.NoError(t, s.SaveSubscription(ctx, sub))
	got, err := s.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, "LOVELACE", got.Plan)
}

func TestTransitionPaymentCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreatePayment(ctx, &db.Payment{ExternalID: "pay_1", Status: db.PaymentPending, CreatedAt: t0}))
	assert.ErrorIs(t, s.CreatePayment(ctx, &db.Payment{ExternalID: "pay_1"}), db.ErrDuplicate)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		swapped int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionPayment(ctx, "pay_1", db.PaymentPending, db.PaymentSucceeded, t0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				swapped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, swapped)

	ok, err := s.TransitionPayment(ctx, "missing", db.PaymentPending, db.PaymentSucceeded, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactionRollback(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreatePayment(ctx, &db.Payment{ExternalID: "pay_1", Status: db.PaymentPending}))

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx db.Repository) error {
		ok, err := tx.TransitionPayment(ctx, "pay_1", db.PaymentPending, db.PaymentSucceeded, t0)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.SaveSubscription(ctx, &db.Subscription{UserID: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := s.FindPaymentByExternalID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, db.PaymentPending, p.Status)
	_, err = s.GetSubscription(ctx, 1)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestNestedTransactionRollsBackOnlyItself(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreatePayment(ctx, &db.Payment{ExternalID: "pay_1", Status: db.PaymentPending}))

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx db.Repository) error {
		ok, err := tx.TransitionPayment(ctx, "pay_1", db.PaymentPending, db.PaymentSucceeded, t0)
		require.NoError(t, err)
		require.True(t, ok)

		inner := tx.Transaction(ctx, func(inner db.Repository) error {
			require.NoError(t, inner.SaveSubscription(ctx, &db.Subscription{UserID: 1}))
			return boom
		})
		assert.ErrorIs(t, inner, boom)
		return nil
	})
	require.NoError(t, err)

	p, err := s.FindPaymentByExternalID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, db.PaymentSucceeded, p.Status)
	_, err = s.GetSubscription(ctx, 1)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRollbackKeepsWritesOutsideTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx db.Repository) error {
		require.NoError(t, tx.SaveSubscription(ctx, &db.Subscription{UserID: 1}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendRequest(ctx, &db.RequestLog{UserID: 2, RequestTime: t0, Status: db.RequestProcessing}))
		}()
		return boom
	})
	assert.ErrorIs(t, err, boom)
	wg.Wait()

	n, err := s.CountRequests(ctx, 2, t0, t0.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "запись журнала не должна пропасть при откате")
	_, err = s.GetSubscription(ctx, 1)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRequestLedger(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, ts := range []time.Time{t0.Add(-11 * time.Hour), t0, t0.Add(13 * time.Hour)} {
		require.NoError(t, s.AppendRequest(ctx, &db.RequestLog{UserID: 1, RequestTime: ts, Status: db.RequestProcessing}))
	}
	require.NoError(t, s.AppendRequest(ctx, &db.RequestLog{UserID: 2, RequestTime: t0, Status: db.RequestProcessing}))

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	n, err := s.CountRequests(ctx, 1, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.CompleteRequest(ctx, 2, db.RequestError, "timeout", 1500*time.Millisecond))
	assert.ErrorIs(t, s.CompleteRequest(ctx, 2, db.RequestSuccess, "", 0), db.ErrNotFound)
	assert.ErrorIs(t, s.CompleteRequest(ctx, 99, db.RequestSuccess, "", 0), db.ErrNotFound)

	r, ok := s.Request(2)
	require.True(t, ok)
	assert.Equal(t, db.RequestError, r.Status)
	require.NotNil(t, r.ProcessTimeMs)
	assert.EqualValues(t, 1500, *r.ProcessTimeMs)

	errs, err := s.CountErrorsSince(ctx, day)
	require.NoError(t, err)
	assert.EqualValues(t, 1, errs)
}

func TestExpiringSubscriptions(t *testing.T) {
	s := New()
	ctx := context.Background()

	soon := &db.Subscription{UserID: 1, EndTime: t0.Add(48 * time.Hour)}
	later := &db.Subscription{UserID: 2, EndTime: t0.Add(10 * 24 * time.Hour)}
	expired := &db.Subscription{UserID: 3, EndTime: t0.Add(-time.Hour)}
	for _, sub := range []*db.Subscription{soon, later, expired} {
		require.NoError(t, s.SaveSubscription(ctx, sub))
	}

	list, err := s.ListExpiringSubscriptions(ctx, t0, t0.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint(1), list[0].UserID)

	require.NoError(t, s.MarkExpiryNotified(ctx, soon.ID, soon.EndTime))
	list, err = s.ListExpiringSubscriptions(ctx, t0, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, list)

	active, err := s.CountActiveSubscriptions(ctx, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, active)
}
