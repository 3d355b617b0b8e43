// Package quota implements the metered search-API budget enforcer.
// Three nested budgets (monthly, daily, hourly) gate every call to the
// paid backend; the monthly quota is the dominant cost driver and is
// the only core state persisted across restarts.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// Config holds the start-time quota settings.
type Config struct {
	MonthlyQuota  int
	FreeTierMode  bool
	HighValueOnly bool
}

// Ledger is the budget bookkeeping for the metered API. The invariant
// used+remaining == monthlyQuota holds at all times; all updates flow
// through the guard's single mutex.
type Ledger struct {
	MonthlyQuota       int
	UsedThisMonth      int
	Remaining          int
	DailyLimit         int
	CallsToday         int
	HourlyLimit        int
	CallsThisHour      int
	LastHourlyResetHour int
	LastDailyResetDate  string // YYYY-MM-DD
	LastMonthResetMonth int
	LastMonthResetYear  int
	FreeTierMode        bool
	HighValueOnly       bool
}

// Guard serializes admission decisions for the metered API. Single
// writer discipline: admission check and counter debit happen under one
// mutex, in one step, before any network call.
type Guard struct {
	mu     sync.Mutex
	ledger Ledger
	store  domain.SettingsStore
	hv     *HighValueMatcher
	now    func() time.Time
}

// NewGuard constructs a guard with an empty ledger; call Load to
// hydrate it from the settings store.
func NewGuard(cfg Config, store domain.SettingsStore) *Guard {
	g := &Guard{
		ledger: Ledger{
			MonthlyQuota:  cfg.MonthlyQuota,
			Remaining:     cfg.MonthlyQuota,
			FreeTierMode:  cfg.FreeTierMode,
			HighValueOnly: cfg.HighValueOnly,
		},
		store: store,
		hv:    NewHighValueMatcher(),
		now:   time.Now,
	}
	now := g.now()
	g.ledger.LastMonthResetMonth = int(now.Month())
	g.ledger.LastMonthResetYear = now.Year()
	g.ledger.LastDailyResetDate = now.Format("2006-01-02")
	g.ledger.LastHourlyResetHour = now.Hour()
	g.recomputeLimitsLocked(now)
	return g
}

// Load hydrates the ledger from the settings store (read-through at
// startup). Missing keys keep their configured defaults.
func (g *Guard) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if v, ok, err := g.store.GetInt(ctx, domain.KeyMeteredMonthlyQuota); err != nil {
		return fmt.Errorf("op=quota.Load: %w", err)
	} else if ok {
		g.ledger.MonthlyQuota = v
	}
	if v, ok, err := g.store.GetInt(ctx, domain.KeyMeteredUsedQuota); err != nil {
		return fmt.Errorf("op=quota.Load: %w", err)
	} else if ok {
		g.ledger.UsedThisMonth = v
	}
	if v, ok, err := g.store.GetInt(ctx, domain.KeyMeteredRemainingQuota); err != nil {
		return fmt.Errorf("op=quota.Load: %w", err)
	} else if ok {
		g.ledger.Remaining = v
	}
	if v, ok, err := g.store.GetInt(ctx, domain.KeyMeteredLastResetMonth); err != nil {
		return fmt.Errorf("op=quota.Load: %w", err)
	} else if ok {
		g.ledger.LastMonthResetMonth = v
	}
	if v, ok, err := g.store.GetInt(ctx, domain.KeyMeteredLastResetYear); err != nil {
		return fmt.Errorf("op=quota.Load: %w", err)
	} else if ok {
		g.ledger.LastMonthResetYear = v
	}
	if v, ok, err := g.store.GetBool(ctx, domain.KeyMeteredFreeTierMode); err != nil {
		return fmt.Errorf("op=quota.Load: %w", err)
	} else if ok {
		g.ledger.FreeTierMode = v
	}
	if v, ok, err := g.store.GetBool(ctx, domain.KeyMeteredHighValueOnly); err != nil {
		return fmt.Errorf("op=quota.Load: %w", err)
	} else if ok {
		g.ledger.HighValueOnly = v
	}

	// Reconcile: remaining is derived, never trusted blindly.
	if g.ledger.UsedThisMonth+g.ledger.Remaining != g.ledger.MonthlyQuota {
		g.ledger.Remaining = g.ledger.MonthlyQuota - g.ledger.UsedThisMonth
		if g.ledger.Remaining < 0 {
			g.ledger.Remaining = 0
			g.ledger.UsedThisMonth = g.ledger.MonthlyQuota
		}
	}
	g.recomputeLimitsLocked(g.now())
	slog.Info("quota ledger loaded",
		slog.Int("monthly_quota", g.ledger.MonthlyQuota),
		slog.Int("used", g.ledger.UsedThisMonth),
		slog.Int("remaining", g.ledger.Remaining))
	return nil
}

// Sync writes the ledger back to the settings store (write-through
// after every scrape batch).
func (g *Guard) Sync(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	l := g.ledger
	g.mu.Unlock()

	pairs := []struct {
		key string
		val int
	}{
		{domain.KeyMeteredMonthlyQuota, l.MonthlyQuota},
		{domain.KeyMeteredUsedQuota, l.UsedThisMonth},
		{domain.KeyMeteredRemainingQuota, l.Remaining},
		{domain.KeyMeteredLastResetMonth, l.LastMonthResetMonth},
		{domain.KeyMeteredLastResetYear, l.LastMonthResetYear},
		{domain.KeyMeteredDailyLimit, l.DailyLimit},
	}
	for _, p := range pairs {
		if err := g.store.SetInt(ctx, p.key, p.val); err != nil {
			return fmt.Errorf("op=quota.Sync key=%s: %w", p.key, err)
		}
	}
	if err := g.store.SetBool(ctx, domain.KeyMeteredFreeTierMode, l.FreeTierMode); err != nil {
		return fmt.Errorf("op=quota.Sync: %w", err)
	}
	if err := g.store.SetBool(ctx, domain.KeyMeteredHighValueOnly, l.HighValueOnly); err != nil {
		return fmt.Errorf("op=quota.Sync: %w", err)
	}
	return nil
}

// TryAcquire admits or refuses a single metered call. Admission and
// debit are one atomic step; a refusal happens before any network call
// and never mutates the counters.
func (g *Guard) TryAcquire(query string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rolloverLocked(now)

	if g.ledger.Remaining <= 0 {
		return fmt.Errorf("op=quota.TryAcquire: %w: monthly budget spent", domain.ErrQuotaExhausted)
	}
	if g.ledger.CallsToday >= g.ledger.DailyLimit {
		return fmt.Errorf("op=quota.TryAcquire: %w: daily limit %d reached", domain.ErrQuotaExhausted, g.ledger.DailyLimit)
	}
	if g.ledger.CallsThisHour >= g.ledger.HourlyLimit {
		return fmt.Errorf("op=quota.TryAcquire: %w: hourly limit %d reached", domain.ErrQuotaExhausted, g.ledger.HourlyLimit)
	}
	if g.ledger.FreeTierMode && g.ledger.HighValueOnly && !g.hv.IsHighValue(query) {
		return fmt.Errorf("op=quota.TryAcquire: %w: low-value query refused in free-tier mode", domain.ErrQuotaExhausted)
	}

	g.ledger.UsedThisMonth++
	g.ledger.Remaining--
	g.ledger.CallsToday++
	g.ledger.CallsThisHour++
	g.recomputeLimitsLocked(now)
	return nil
}

// rolloverLocked performs the monthly, daily and hourly transitions.
// The monthly transition is idempotent: repeat invocations within the
// same wall-clock month perform exactly one reset.
func (g *Guard) rolloverLocked(now time.Time) {
	month, year := int(now.Month()), now.Year()
	if month != g.ledger.LastMonthResetMonth || year != g.ledger.LastMonthResetYear {
		g.ledger.UsedThisMonth = 0
		g.ledger.Remaining = g.ledger.MonthlyQuota
		g.ledger.LastMonthResetMonth = month
		g.ledger.LastMonthResetYear = year
		g.ledger.CallsToday = 0
		g.ledger.CallsThisHour = 0
		slog.Info("monthly quota reset",
			slog.Int("month", month),
			slog.Int("year", year),
			slog.Int("monthly_quota", g.ledger.MonthlyQuota))
	}
	if date := now.Format("2006-01-02"); date != g.ledger.LastDailyResetDate {
		g.ledger.CallsToday = 0
		g.ledger.LastDailyResetDate = date
	}
	if hour := now.Hour(); hour != g.ledger.LastHourlyResetHour {
		g.ledger.CallsThisHour = 0
		g.ledger.LastHourlyResetHour = hour
	}
	g.recomputeLimitsLocked(now)
}

// recomputeLimitsLocked derives the daily and hourly limits from the
// remaining budget. The 0.9 safety factor preserves headroom for
// late-month urgent calls.
func (g *Guard) recomputeLimitsLocked(now time.Time) {
	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()
	daysRemaining := daysInMonth - now.Day() + 1
	if daysRemaining < 1 {
		daysRemaining = 1
	}
	daily := int(float64(g.ledger.Remaining) / float64(daysRemaining) * 0.9)
	if daily < 1 {
		daily = 1
	}
	g.ledger.DailyLimit = daily
	hourly := daily / 24
	if hourly < 1 {
		hourly = 1
	}
	g.ledger.HourlyLimit = hourly
}

// Remaining reports the remaining monthly budget.
func (g *Guard) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger.Remaining
}

// Snapshot returns a consistent copy of the ledger.
func (g *Guard) Snapshot() Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger
}

// setClock overrides the time source; tests only.
func (g *Guard) setClock(now func() time.Time) { g.now = now }

// restore replaces the ledger wholesale; tests only.
func (g *Guard) restore(l Ledger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger = l
}
