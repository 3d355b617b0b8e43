package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

type memStore struct {
	ints  map[string]int
	bools map[string]bool
}

func newMemStore() *memStore {
	return &memStore{ints: map[string]int{}, bools: map[string]bool{}}
}

func (m *memStore) GetInt(_ context.Context, key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}
func (m *memStore) SetInt(_ context.Context, key string, value int) error {
	m.ints[key] = value
	return nil
}
func (m *memStore) GetBool(_ context.Context, key string) (bool, bool, error) {
	v, ok := m.bools[key]
	return v, ok, nil
}
func (m *memStore) SetBool(_ context.Context, key string, value bool) error {
	m.bools[key] = value
	return nil
}

func TestGuard_ZeroQuotaAlwaysRefuses(t *testing.T) {
	g := NewGuard(Config{MonthlyQuota: 0}, nil)
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, g.TryAcquire("software engineer"), domain.ErrQuotaExhausted)
	}
	assert.Equal(t, 0, g.Remaining())
}

func TestGuard_HighValueOnlyGating(t *testing.T) {
	g := NewGuard(Config{MonthlyQuota: 5, FreeTierMode: true, HighValueOnly: true}, nil)

	for i := 0; i < 10; i++ {
		err := g.TryAcquire("random word")
		assert.ErrorIs(t, err, domain.ErrQuotaExhausted)
	}
	// Low-value refusals never debit the budget.
	assert.Equal(t, 5, g.Remaining())

	require.NoError(t, g.TryAcquire("site:linkedin.com golang"))
	assert.Equal(t, 4, g.Remaining())
}

func TestGuard_MonthlyRollover(t *testing.T) {
	wall := time.Date(2025, 9, 1, 0, 0, 1, 0, time.UTC)
	g := NewGuard(Config{MonthlyQuota: 250}, nil)
	g.setClock(func() time.Time { return wall })
	g.restore(Ledger{
		MonthlyQuota:        250,
		UsedThisMonth:       250,
		Remaining:           0,
		LastMonthResetMonth: 8,
		LastMonthResetYear:  2025,
		LastDailyResetDate:  "2025-08-31",
		LastHourlyResetHour: 23,
		DailyLimit:          1,
		HourlyLimit:         1,
	})

	require.NoError(t, g.TryAcquire("software engineer"))

	l := g.Snapshot()
	assert.Equal(t, 1, l.UsedThisMonth)
	assert.Equal(t, 249, l.Remaining)
	assert.Equal(t, 9, l.LastMonthResetMonth)
	assert.Equal(t, 2025, l.LastMonthResetYear)
	// floor((249/30)*0.9) = 7
	assert.Equal(t, 7, l.DailyLimit)
	// max(1, 7/24) = 1
	assert.Equal(t, 1, l.HourlyLimit)
}

func TestGuard_RolloverIdempotent(t *testing.T) {
	wall := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	g := NewGuard(Config{MonthlyQuota: 100}, nil)
	g.setClock(func() time.Time { return wall })
	g.restore(Ledger{
		MonthlyQuota:        100,
		UsedThisMonth:       100,
		Remaining:           0,
		LastMonthResetMonth: 8,
		LastMonthResetYear:  2025,
		LastDailyResetDate:  "2025-08-31",
	})

	g.mu.Lock()
	g.rolloverLocked(wall)
	g.rolloverLocked(wall)
	g.rolloverLocked(wall)
	l := g.ledger
	g.mu.Unlock()

	assert.Equal(t, 0, l.UsedThisMonth)
	assert.Equal(t, 100, l.Remaining)
}

func TestGuard_HourlyAndDailyLimits(t *testing.T) {
	wall := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	g := NewGuard(Config{MonthlyQuota: 3000}, nil)
	g.setClock(func() time.Time { return wall })

	// remaining=3000, 30 days => daily = floor(100*0.9)=90, hourly = 3.
	l := g.Snapshot()
	require.Equal(t, 90, l.DailyLimit)
	require.Equal(t, 3, l.HourlyLimit)

	require.NoError(t, g.TryAcquire("x"))
	require.NoError(t, g.TryAcquire("x"))
	require.NoError(t, g.TryAcquire("x"))
	assert.ErrorIs(t, g.TryAcquire("x"), domain.ErrQuotaExhausted)

	// Next hour clears the hourly counter.
	wall = wall.Add(time.Hour)
	require.NoError(t, g.TryAcquire("x"))

	// Crossing midnight clears the daily counter.
	g.mu.Lock()
	g.ledger.CallsToday = g.ledger.DailyLimit
	g.mu.Unlock()
	assert.ErrorIs(t, g.TryAcquire("x"), domain.ErrQuotaExhausted)
	wall = time.Date(2025, 6, 2, 0, 0, 1, 0, time.UTC)
	require.NoError(t, g.TryAcquire("x"))
}

func TestGuard_InvariantHoldsThroughAcquires(t *testing.T) {
	g := NewGuard(Config{MonthlyQuota: 50}, nil)
	for i := 0; i < 200; i++ {
		_ = g.TryAcquire("software engineer")
		l := g.Snapshot()
		require.Equal(t, l.MonthlyQuota, l.UsedThisMonth+l.Remaining)
		require.GreaterOrEqual(t, l.Remaining, 0)
	}
}

func TestGuard_LoadAndSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	g := NewGuard(Config{MonthlyQuota: 250, FreeTierMode: true, HighValueOnly: false}, store)
	require.NoError(t, g.TryAcquire("software engineer"))
	require.NoError(t, g.Sync(ctx))

	assert.Equal(t, 1, store.ints[domain.KeyMeteredUsedQuota])
	assert.Equal(t, 249, store.ints[domain.KeyMeteredRemainingQuota])

	// A fresh guard hydrates from the store.
	g2 := NewGuard(Config{MonthlyQuota: 250}, store)
	require.NoError(t, g2.Load(ctx))
	assert.Equal(t, 249, g2.Remaining())
	assert.True(t, g2.Snapshot().FreeTierMode)
}

func TestGuard_LoadReconcilesDriftedLedger(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.ints[domain.KeyMeteredMonthlyQuota] = 100
	store.ints[domain.KeyMeteredUsedQuota] = 30
	// remaining drifted; derived value wins.
	store.ints[domain.KeyMeteredRemainingQuota] = 90
	now := time.Now()
	store.ints[domain.KeyMeteredLastResetMonth] = int(now.Month())
	store.ints[domain.KeyMeteredLastResetYear] = now.Year()

	g := NewGuard(Config{MonthlyQuota: 100}, store)
	require.NoError(t, g.Load(ctx))
	assert.Equal(t, 70, g.Remaining())
}

func TestHighValueMatcher(t *testing.T) {
	m := NewHighValueMatcher()
	cases := []struct {
		query string
		want  bool
	}{
		{"site:linkedin.com backend developer", true},
		{"jobs posted today in berlin", true},
		{"chief technology officer fintech", true},
		{"google software roles", true},
		{"machine learning remote", true},
		{"random word", false},
		{"", false},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, m.IsHighValue(tt.query), "query %q", tt.query)
	}
}
