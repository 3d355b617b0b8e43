// Package breaker implements the per-domain circuit breaker registry
// that gates all outbound scrape calls.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// State represents the state of a single circuit.
type State int

const (
	// StateClosed allows all calls.
	StateClosed State = iota
	// StateOpen refuses all calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a single probe call at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds shared by all circuits in a registry.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// ShouldTrip filters which errors count as failures. Nil counts all.
	ShouldTrip func(err error) bool
}

// DefaultConfig returns the thresholds from the deployment defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// circuit is the state machine for one domain. Guarded by its own
// mutex; critical sections are constant work and never span a network
// call.
type circuit struct {
	mu sync.Mutex

	state            State
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	lastTransitionAt time.Time
	probeOutstanding bool

	totalCalls int64
	rejections int64
}

// Registry maintains one circuit per target domain, created lazily on
// first reference. The registry is owned by the orchestrator value, not
// a process global, so independent instances can coexist.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	cfg      Config
	now      func() time.Time
}

// NewRegistry constructs a registry with the given thresholds.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Registry{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		now:      time.Now,
	}
}

func (r *Registry) get(domainName string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[domainName]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[domainName]; ok {
		return c
	}
	c = &circuit{state: StateClosed, lastTransitionAt: r.now()}
	r.circuits[domainName] = c
	return c
}

// BeforeCall admits or refuses an outbound call for the domain. It must
// run before any network activity. Refusals increment a rejection
// counter, never a failure counter, and return domain.ErrCircuitOpen.
func (r *Registry) BeforeCall(domainName string) error {
	c := r.get(domainName)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.totalCalls++
		return nil
	case StateOpen:
		if r.now().Sub(c.lastFailureTime) >= r.cfg.RecoveryTimeout {
			c.state = StateHalfOpen
			c.successCount = 0
			c.probeOutstanding = true
			c.lastTransitionAt = r.now()
			c.totalCalls++
			slog.Info("circuit transitioning to half-open",
				slog.String("domain", domainName),
				slog.Duration("recovery_timeout", r.cfg.RecoveryTimeout))
			return nil
		}
		c.rejections++
		return domain.ErrCircuitOpen
	case StateHalfOpen:
		if c.probeOutstanding {
			c.rejections++
			return domain.ErrCircuitOpen
		}
		c.probeOutstanding = true
		c.totalCalls++
		return nil
	default:
		c.rejections++
		return domain.ErrCircuitOpen
	}
}

// OnSuccess records a successful call for the domain.
func (r *Registry) OnSuccess(domainName string) {
	c := r.get(domainName)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successCount++
	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		c.probeOutstanding = false
		if c.successCount >= r.cfg.SuccessThreshold {
			c.state = StateClosed
			c.failureCount = 0
			c.lastTransitionAt = r.now()
			slog.Info("circuit closed after successful probes",
				slog.String("domain", domainName),
				slog.Int("success_threshold", r.cfg.SuccessThreshold))
		}
	}
}

// OnFailure records a failed call. Only errors matching the configured
// predicate count; the default counts everything.
func (r *Registry) OnFailure(domainName string, err error) {
	if r.cfg.ShouldTrip != nil && !r.cfg.ShouldTrip(err) {
		return
	}
	c := r.get(domainName)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failureCount++
	c.lastFailureTime = r.now()

	switch c.state {
	case StateClosed:
		if c.failureCount >= r.cfg.FailureThreshold {
			c.state = StateOpen
			c.lastTransitionAt = r.now()
			slog.Warn("circuit opened",
				slog.String("domain", domainName),
				slog.Int("failure_count", c.failureCount),
				slog.Int("failure_threshold", r.cfg.FailureThreshold))
		}
	case StateHalfOpen:
		// Single strike reopens, timer reset.
		c.state = StateOpen
		c.probeOutstanding = false
		c.successCount = 0
		c.lastTransitionAt = r.now()
		slog.Warn("circuit reopened on half-open failure", slog.String("domain", domainName))
	}
}

// ReleaseProbe returns an admitted call slot without recording an
// outcome. Callers use it when a call admitted by BeforeCall never
// reaches the backend (quota refusal, pool failure, cancellation), so
// an abandoned half-open probe does not wedge the domain.
func (r *Registry) ReleaseProbe(domainName string) {
	c := r.get(domainName)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHalfOpen && c.probeOutstanding {
		c.probeOutstanding = false
		slog.Debug("half-open probe released without outcome", slog.String("domain", domainName))
	}
}

// Reset forces the domain's circuit to CLOSED. Idempotent; used by
// operators and by the anomaly monitor when a domain is cleared.
func (r *Registry) Reset(domainName string) {
	c := r.get(domainName)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.failureCount = 0
	c.successCount = 0
	c.probeOutstanding = false
	c.lastTransitionAt = r.now()
	slog.Info("circuit reset to closed", slog.String("domain", domainName))
}

// ForceOpen trips the domain's circuit and backdates the failure clock
// so it stays open for the given cooldown. The anomaly monitor uses
// this for preemptive cooldowns on critical error rates.
func (r *Registry) ForceOpen(domainName string, cooldown time.Duration) {
	c := r.get(domainName)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateOpen
	c.probeOutstanding = false
	// Place last failure so recovery begins after cooldown rather than
	// the configured recovery timeout.
	c.lastFailureTime = r.now().Add(cooldown - r.cfg.RecoveryTimeout)
	c.lastTransitionAt = r.now()
	slog.Warn("circuit force-opened", slog.String("domain", domainName), slog.Duration("cooldown", cooldown))
}

// StateOf returns the current state for the domain. A never-seen domain
// reports CLOSED. Stale reads are acceptable outside BeforeCall.
func (r *Registry) StateOf(domainName string) State {
	r.mu.RLock()
	c, ok := r.circuits[domainName]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Domains returns every domain with a circuit entry.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.circuits))
	for d := range r.circuits {
		out = append(out, d)
	}
	return out
}

// Snapshot reports per-domain circuit stats for the admin channel.
func (r *Registry) Snapshot() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.circuits))
	for d, c := range r.circuits {
		c.mu.Lock()
		out[d] = map[string]any{
			"state":              c.state.String(),
			"failure_count":      c.failureCount,
			"success_count":      c.successCount,
			"total_calls":        c.totalCalls,
			"rejections":         c.rejections,
			"last_failure_at":    c.lastFailureTime,
			"last_transition_at": c.lastTransitionAt,
		}
		c.mu.Unlock()
	}
	return out
}

// setClock overrides the time source; tests only.
func (r *Registry) setClock(now func() time.Time) { r.now = now }
