// Package ratelimit implements the adaptive per-domain rate limiter.
// It produces a pre-request delay per domain that converges toward a
// target success rate, penalizes blocks heavily, and enforces a
// window-based request cap.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// MinDelay and MaxDelay clamp every computed delay.
	MinDelay = 100 * time.Millisecond
	MaxDelay = 60 * time.Second

	initialDelay    = 1000 * time.Millisecond
	sampleCap       = 100
	slowResponseMs  = 2000.0
	blockDecayHalfs = 300.0 // seconds; block penalty decays as exp(-dt/300)
)

// Config holds the limiter knobs shared by all domains.
type Config struct {
	// WindowLimit caps requests per domain inside Window.
	WindowLimit int
	Window      time.Duration
	// TargetSuccessRate drives the adaptive delay; defaults to 0.95.
	TargetSuccessRate float64
	// Adaptive disables the success-rate/response-time/block adaptation
	// when false; window enforcement and clamping still apply.
	Adaptive bool
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		WindowLimit:       30,
		Window:            time.Minute,
		TargetSuccessRate: 0.95,
		Adaptive:          true,
	}
}

// domainStats holds the bounded rolling state for one domain. One mutex
// per entry; never held across a sleep or a network call.
type domainStats struct {
	mu sync.Mutex

	requestTimes  []time.Time
	responseTimes []float64
	successCount  int64
	failureCount  int64
	blockCount    int64
	currentDelay  time.Duration
	lastBlockAt   time.Time
	lastRequestAt time.Time

	// gate serializes Await callers per domain so waits are FIFO.
	gate chan struct{}
}

// Limiter owns the per-domain stats. Entries are created lazily on
// first contact and persist for the limiter's lifetime.
type Limiter struct {
	mu    sync.RWMutex
	stats map[string]*domainStats
	cfg   Config
	now   func() time.Time
}

// NewLimiter constructs a limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.TargetSuccessRate <= 0 || cfg.TargetSuccessRate > 1 {
		cfg.TargetSuccessRate = 0.95
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = 30
	}
	return &Limiter{
		stats: make(map[string]*domainStats),
		cfg:   cfg,
		now:   time.Now,
	}
}

func (l *Limiter) get(domain string) *domainStats {
	l.mu.RLock()
	s, ok := l.stats[domain]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.stats[domain]; ok {
		return s
	}
	s = &domainStats{
		currentDelay: initialDelay,
		gate:         make(chan struct{}, 1),
	}
	l.stats[domain] = s
	return s
}

// Await blocks until the caller may issue a request against the domain.
// Waits are FIFO per domain; ctx cancellation aborts the sleep promptly
// without consuming the slot (no request is recorded).
func (l *Limiter) Await(ctx context.Context, domain string, priority int) error {
	s := l.get(domain)

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	s.mu.Lock()
	wait := l.computeWait(s, priority)
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	now := l.now()
	s.mu.Lock()
	s.lastRequestAt = now
	s.requestTimes = appendBoundedTime(s.requestTimes, now)
	s.mu.Unlock()
	return nil
}

// computeWait applies the delay ladder under s.mu.
func (l *Limiter) computeWait(s *domainStats, priority int) time.Duration {
	now := l.now()
	d := float64(s.currentDelay)

	if l.cfg.Adaptive {
		// Converge toward the target success rate over the last samples.
		total := s.successCount + s.failureCount
		if total > 0 {
			rate := float64(s.successCount) / float64(total)
			if gap := l.cfg.TargetSuccessRate - rate; gap > 0 {
				d *= 1 + gap
			}
		}
		// Slow responses widen the delay proportionally.
		if avg := mean(s.responseTimes); avg > slowResponseMs {
			d *= avg / slowResponseMs
		}
		// Recent blocks add a decaying penalty.
		if !s.lastBlockAt.IsZero() {
			dt := now.Sub(s.lastBlockAt).Seconds()
			if dt < blockDecayHalfs {
				d *= 1 + math.Exp(-dt/blockDecayHalfs)*2
			}
		}
	}

	// Window limit: extend the delay so the oldest request falls out.
	inWindow := 0
	var oldest time.Time
	for _, t := range s.requestTimes {
		if now.Sub(t) < l.cfg.Window {
			if inWindow == 0 || t.Before(oldest) {
				oldest = t
			}
			inWindow++
		}
	}
	if inWindow >= l.cfg.WindowLimit {
		if until := oldest.Add(l.cfg.Window).Sub(now); float64(until) > d {
			d = float64(until)
		}
	}

	// Priority scaling: priority 1 waits a fifth, priority 10 doubles.
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	d *= float64(priority) / 5.0

	d = clamp(d)

	// Sleep only what remains since the previous request.
	if !s.lastRequestAt.IsZero() {
		elapsed := now.Sub(s.lastRequestAt)
		if remaining := time.Duration(d) - elapsed; remaining > 0 {
			return remaining
		}
		return 0
	}
	return time.Duration(d)
}

// RecordSuccess rewards the domain and tracks the response time.
func (l *Limiter) RecordSuccess(domain string, rtt time.Duration) {
	s := l.get(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successCount++
	s.responseTimes = appendBoundedFloat(s.responseTimes, float64(rtt.Milliseconds()))
	s.currentDelay = time.Duration(clamp(float64(s.currentDelay) * 0.9))
}

// RecordFailure penalizes the domain. Blocked failures (403/429/CAPTCHA)
// double the delay and stamp the block clock.
func (l *Limiter) RecordFailure(domain string, blocked bool) {
	s := l.get(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	factor := 1.2
	if blocked {
		factor = 2.0
		s.blockCount++
		s.lastBlockAt = l.now()
		slog.Warn("domain block recorded", slog.String("domain", domain), slog.Int64("block_count", s.blockCount))
	}
	s.currentDelay = time.Duration(clamp(float64(s.currentDelay) * factor))
}

// WidenDelays multiplies every domain's current delay; the anomaly
// monitor invokes this when the global success rate collapses.
func (l *Limiter) WidenDelays(factor float64) {
	if factor <= 1 {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for domain, s := range l.stats {
		s.mu.Lock()
		s.currentDelay = time.Duration(clamp(float64(s.currentDelay) * factor))
		s.mu.Unlock()
		slog.Info("rate limit delay widened", slog.String("domain", domain), slog.Float64("factor", factor))
	}
}

// CurrentDelay reports the domain's current base delay.
func (l *Limiter) CurrentDelay(domain string) time.Duration {
	s := l.get(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDelay
}

// Snapshot reports per-domain limiter stats for the admin channel.
func (l *Limiter) Snapshot() map[string]map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]map[string]any, len(l.stats))
	for domain, s := range l.stats {
		s.mu.Lock()
		out[domain] = map[string]any{
			"current_delay_ms": s.currentDelay.Milliseconds(),
			"success_count":    s.successCount,
			"failure_count":    s.failureCount,
			"block_count":      s.blockCount,
			"avg_response_ms":  mean(s.responseTimes),
			"requests_tracked": len(s.requestTimes),
			"last_block_at":    s.lastBlockAt,
		}
		s.mu.Unlock()
	}
	return out
}

func appendBoundedTime(xs []time.Time, x time.Time) []time.Time {
	xs = append(xs, x)
	if len(xs) > sampleCap {
		xs = xs[len(xs)-sampleCap:]
	}
	return xs
}

func appendBoundedFloat(xs []float64, x float64) []float64 {
	xs = append(xs, x)
	if len(xs) > sampleCap {
		xs = xs[len(xs)-sampleCap:]
	}
	return xs
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(d float64) float64 {
	if d < float64(MinDelay) {
		return float64(MinDelay)
	}
	if d > float64(MaxDelay) {
		return float64(MaxDelay)
	}
	return d
}

// setClock overrides the time source; tests only.
func (l *Limiter) setClock(now func() time.Time) { l.now = now }
