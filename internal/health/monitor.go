// Package health implements the pipeline health and anomaly monitor.
// Four rolling metrics are sampled once per tick; each new sample is
// scored against its own history and statistically unusual moves drive
// corrective actions on the rest of the control plane.
package health

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fairyhunter13/scrapehub/internal/observability"
)

// Severity buckets for an anomaly, by |z|.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFor maps |z| to a severity bucket.
func severityFor(z float64) Severity {
	abs := math.Abs(z)
	switch {
	case abs >= 3.0:
		return SeverityCritical
	case abs >= 2.5:
		return SeverityHigh
	case abs >= 2.0:
		return SeverityMedium
	case abs >= 1.5:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// atLeastHigh reports whether sev is high or critical.
func atLeastHigh(sev Severity) bool {
	return sev == SeverityHigh || sev == SeverityCritical
}

const (
	historyCap = 100
	minSamples = 10

	// circuitCooldown is how long all circuits stay open after a
	// critical error-rate anomaly.
	circuitCooldown = 5 * time.Minute

	// delayWidenFactor applied to all rate-limit delays when the global
	// success rate collapses.
	delayWidenFactor = 1.5

	// workerStaleAfter marks a worker dead when its heartbeat is older
	// than this.
	workerStaleAfter = 2 * time.Minute
)

// series is a bounded sample history for one metric.
type series struct {
	name    string
	samples []float64
}

func (s *series) add(v float64) {
	s.samples = append(s.samples, v)
	if len(s.samples) > historyCap {
		s.samples = s.samples[len(s.samples)-historyCap:]
	}
}

// zscore scores the latest sample against the mean and stdev of the
// samples before it. Returns false with fewer than minSamples of
// history or when the history has no variance.
func (s *series) zscore() (float64, bool) {
	n := len(s.samples)
	if n < minSamples+1 {
		return 0, false
	}
	hist := s.samples[:n-1]
	var sum float64
	for _, v := range hist {
		sum += v
	}
	mean := sum / float64(len(hist))
	var sq float64
	for _, v := range hist {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(hist)))
	if std == 0 {
		return 0, false
	}
	return (s.samples[n-1] - mean) / std, true
}

// Actions are the corrective hooks the monitor drives. Nil hooks are
// skipped, so tests can wire only what they assert on.
type Actions struct {
	// WidenDelays multiplies every domain's adaptive delay.
	WidenDelays func(factor float64)
	// RotateProxies asks the scraper fleet to switch egress identity.
	RotateProxies func()
	// ScaleDown asks the orchestrator to shed workers.
	ScaleDown func()
	// OpenAllCircuits preemptively opens every circuit for the cooldown.
	OpenAllCircuits func(cooldown time.Duration)
	// Anomaly surfaces every detected anomaly for alerting and the
	// event bus. Fired for all severities, before corrective actions.
	Anomaly func(metric string, severity Severity, z, value float64)
}

// Monitor accumulates per-task outcomes and evaluates them on a fixed
// tick. It also tracks worker liveness and per-domain success trends.
type Monitor struct {
	interval time.Duration
	actions  Actions
	now      func() time.Time

	mu sync.Mutex
	// counters accumulated since the last tick
	tasks      int
	successes  int
	failures   int
	records    int
	durationMs float64

	successRate   series
	avgResponseMs series
	jobsPerTask   series
	errorRate     series

	heartbeats   map[int]time.Time
	domainTrends map[string]*series
}

// NewMonitor builds a monitor that evaluates once per interval when Run
// is started.
func NewMonitor(interval time.Duration, actions Actions) *Monitor {
	return &Monitor{
		interval: interval,
		actions:  actions,
		now:      time.Now,
		successRate:   series{name: "success_rate"},
		avgResponseMs: series{name: "avg_response_time_ms"},
		jobsPerTask:   series{name: "jobs_per_task"},
		errorRate:     series{name: "error_rate"},
		heartbeats:    make(map[int]time.Time),
		domainTrends:  make(map[string]*series),
	}
}

// RecordTask feeds one finished task into the current tick window.
func (m *Monitor) RecordTask(domain string, success bool, dur time.Duration, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks++
	if success {
		m.successes++
	} else {
		m.failures++
	}
	m.records += records
	m.durationMs += float64(dur.Milliseconds())

	if domain != "" {
		tr, ok := m.domainTrends[domain]
		if !ok {
			tr = &series{name: domain}
			m.domainTrends[domain] = tr
		}
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		tr.add(outcome)
	}
}

// Heartbeat records liveness for a worker.
func (m *Monitor) Heartbeat(workerID int) {
	m.mu.Lock()
	m.heartbeats[workerID] = m.now()
	m.mu.Unlock()
}

// ForgetWorker drops a worker that exited cleanly.
func (m *Monitor) ForgetWorker(workerID int) {
	m.mu.Lock()
	delete(m.heartbeats, workerID)
	m.mu.Unlock()
}

// DeadWorkers lists workers whose last heartbeat is stale.
func (m *Monitor) DeadWorkers() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-workerStaleAfter)
	var dead []int
	for id, last := range m.heartbeats {
		if last.Before(cutoff) {
			dead = append(dead, id)
		}
	}
	return dead
}

// DomainTrend reports the rolling success fraction for one domain.
func (m *Monitor) DomainTrend(domain string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.domainTrends[domain]
	if !ok || len(tr.samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range tr.samples {
		sum += v
	}
	return sum / float64(len(tr.samples)), true
}

// Run evaluates on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

// Evaluate closes the current tick window: it appends one sample per
// metric and reacts to any that scores as anomalous. A window with no
// finished tasks contributes nothing.
func (m *Monitor) Evaluate() {
	m.mu.Lock()
	if m.tasks == 0 {
		m.mu.Unlock()
		return
	}
	tasks := float64(m.tasks)
	m.successRate.add(float64(m.successes) / tasks)
	m.avgResponseMs.add(m.durationMs / tasks)
	m.jobsPerTask.add(float64(m.records) / tasks)
	m.errorRate.add(float64(m.failures) / tasks)
	m.tasks, m.successes, m.failures, m.records, m.durationMs = 0, 0, 0, 0, 0

	checks := []*series{&m.successRate, &m.avgResponseMs, &m.jobsPerTask, &m.errorRate}
	type finding struct {
		metric string
		sev    Severity
		z      float64
		value  float64
	}
	var findings []finding
	for _, s := range checks {
		z, ok := s.zscore()
		if !ok {
			continue
		}
		sev := severityFor(z)
		if sev == SeverityNone {
			continue
		}
		findings = append(findings, finding{s.name, sev, z, s.samples[len(s.samples)-1]})
	}
	m.mu.Unlock()

	for _, f := range findings {
		observability.AnomaliesTotal.WithLabelValues(f.metric, string(f.sev)).Inc()
		slog.Warn("anomaly detected",
			slog.String("metric", f.metric),
			slog.String("severity", string(f.sev)),
			slog.Float64("zscore", f.z),
			slog.Float64("value", f.value))
		if m.actions.Anomaly != nil {
			m.actions.Anomaly(f.metric, f.sev, f.z, f.value)
		}
		m.react(f.metric, f.sev, f.z)
	}
}

// react applies the corrective action keyed on (metric, direction,
// severity).
func (m *Monitor) react(metric string, sev Severity, z float64) {
	switch metric {
	case "success_rate":
		if z < 0 && atLeastHigh(sev) {
			if m.actions.RotateProxies != nil {
				m.actions.RotateProxies()
			}
			if m.actions.WidenDelays != nil {
				m.actions.WidenDelays(delayWidenFactor)
			}
		}
	case "avg_response_time_ms":
		if z > 0 && atLeastHigh(sev) && m.actions.ScaleDown != nil {
			m.actions.ScaleDown()
		}
	case "jobs_per_task":
		// A collapse here usually means selector or format drift on
		// the target site. Surfaced, never auto-mutated.
	case "error_rate":
		if z > 0 && sev == SeverityCritical && m.actions.OpenAllCircuits != nil {
			m.actions.OpenAllCircuits(circuitCooldown)
		}
	}
}

// setClock overrides the time source; tests only.
func (m *Monitor) setClock(now func() time.Time) { m.now = now }
