package clock

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayWindow(t *testing.T) {
	msk, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	// 22:30 UTC = 01:30 следующего дня по Москве
	now := time.Date(2024, 3, 10, 22, 30, 0, 0, time.UTC)
	w := DayWindow(now, msk)

	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, msk), w.Start)
	assert.Equal(t, time.Date(2024, 3, 12, 0, 0, 0, 0, msk), w.End)
	assert.True(t, w.Contains(now))
	assert.True(t, w.Contains(w.Start))
	assert.False(t, w.Contains(w.End))

	utc := DayWindow(now, nil)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), utc.Start)
}

func TestDayWindowDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	w := DayWindow(time.Date(2024, 3, 10, 12, 0, 0, 0, ny), ny)
	assert.Equal(t, 23*time.Hour, w.End.Sub(w.Start))
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 1, time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC), 1, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)},
		{time.Date(2023, 1, 31, 10, 0, 0, 0, time.UTC), 1, time.Date(2023, 2, 28, 10, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), 1, time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)},
		{time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), 3, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), 12, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AddMonths(tt.in, tt.n), "AddMonths(%s, %d)", tt.in, tt.n)
	}
}

func TestReferenceUsesLocation(t *testing.T) {
	msk, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	fake := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 21, 30, 0, 0, time.UTC))
	ref := New(fake, msk)

	assert.Equal(t, msk, ref.Now().Location())
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, msk), ref.Today().Start)

	fake.Advance(90 * time.Minute)
	assert.Equal(t, 90*time.Minute, ref.Since(time.Date(2024, 6, 1, 21, 30, 0, 0, time.UTC)))
}
