// Package pool provides bounded pools of interchangeable scraper
// backend instances, one pool per backend kind. Pools shuttle instances
// only; they never interpret the records a backend produces.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// Pool is a bounded FIFO of backend instances for one kind. Instances
// are created lazily through the factory up to max; beyond that callers
// wait until one is released or the acquire timeout expires.
type Pool struct {
	kind           domain.SourceKind
	factory        domain.ScraperFactory
	idle           chan domain.Scraper
	acquireTimeout time.Duration

	mu      sync.Mutex
	created int
	max     int
	inUse   int
}

// eagerInstances is how many instances a pool creates up front.
const eagerInstances = 2

// New builds a pool for one kind and eagerly creates min(2, max)
// instances so the first tasks never pay creation latency.
func New(kind domain.SourceKind, max int, acquireTimeout time.Duration, factory domain.ScraperFactory) (*Pool, error) {
	if max < 1 {
		return nil, fmt.Errorf("op=pool.New kind=%s: %w: max instances must be positive", kind, domain.ErrInvalidArgument)
	}
	p := &Pool{
		kind:           kind,
		factory:        factory,
		idle:           make(chan domain.Scraper, max),
		acquireTimeout: acquireTimeout,
		max:            max,
	}
	eager := eagerInstances
	if eager > max {
		eager = max
	}
	for i := 0; i < eager; i++ {
		inst, err := factory(kind)
		if err != nil {
			return nil, fmt.Errorf("op=pool.New kind=%s: %w", kind, err)
		}
		p.created++
		p.idle <- inst
	}
	return p, nil
}

// Acquire returns an instance or fails with ErrPoolExhausted after the
// configured timeout. Context cancellation aborts the wait early.
func (p *Pool) Acquire(ctx context.Context) (domain.Scraper, error) {
	// Fast path: an idle instance is already available.
	select {
	case inst := <-p.idle:
		p.markInUse()
		return inst, nil
	default:
	}

	// Grow lazily while under the cap.
	p.mu.Lock()
	if p.created < p.max {
		p.created++
		p.mu.Unlock()
		inst, err := p.factory(p.kind)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, fmt.Errorf("op=pool.Acquire kind=%s: %w", p.kind, err)
		}
		p.markInUse()
		return inst, nil
	}
	p.mu.Unlock()

	// At capacity: wait for a release, bounded.
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case inst := <-p.idle:
		p.markInUse()
		return inst, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("op=pool.Acquire kind=%s: %w", p.kind, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("op=pool.Acquire kind=%s: %w: all %d instances busy after %s",
			p.kind, domain.ErrPoolExhausted, p.max, p.acquireTimeout)
	}
}

// Release runs the optional reset hook and returns the instance to the
// FIFO. Releasing an instance the pool did not hand out is a bug; the
// channel has capacity for every created instance so the send never
// blocks in correct use.
func (p *Pool) Release(inst domain.Scraper) {
	if inst == nil {
		return
	}
	if r, ok := inst.(domain.Resettable); ok {
		r.Reset()
	}
	p.mu.Lock()
	if p.inUse > 0 {
		p.inUse--
	}
	p.mu.Unlock()
	select {
	case p.idle <- inst:
	default:
		slog.Warn("pool release overflow, discarding instance", slog.String("kind", string(p.kind)))
		p.mu.Lock()
		if p.created > 0 {
			p.created--
		}
		p.mu.Unlock()
	}
}

func (p *Pool) markInUse() {
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	Kind    domain.SourceKind `json:"kind"`
	Max     int               `json:"max"`
	Created int               `json:"created"`
	InUse   int               `json:"in_use"`
	Idle    int               `json:"idle"`
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Kind:    p.kind,
		Max:     p.max,
		Created: p.created,
		InUse:   p.inUse,
		Idle:    len(p.idle),
	}
}

// Set holds one pool per backend kind.
type Set struct {
	pools map[domain.SourceKind]*Pool
}

// NewSet builds pools from the per-kind size map. Unknown kinds are
// rejected so a config typo fails at startup, not at acquire time.
func NewSet(sizes map[string]int, acquireTimeout time.Duration, factory domain.ScraperFactory) (*Set, error) {
	s := &Set{pools: make(map[domain.SourceKind]*Pool, len(sizes))}
	for name, max := range sizes {
		kind := domain.SourceKind(name)
		if !domain.IsValidSourceKind(kind) {
			return nil, fmt.Errorf("op=pool.NewSet: %w: unknown backend kind %q", domain.ErrInvalidArgument, name)
		}
		p, err := New(kind, max, acquireTimeout, factory)
		if err != nil {
			return nil, err
		}
		s.pools[kind] = p
	}
	return s, nil
}

// Get returns the pool for a kind.
func (s *Set) Get(kind domain.SourceKind) (*Pool, error) {
	p, ok := s.pools[kind]
	if !ok {
		return nil, fmt.Errorf("op=pool.Get: %w: no pool for kind %q", domain.ErrNotFound, kind)
	}
	return p, nil
}

// Stats reports occupancy across all pools.
func (s *Set) Stats() []Stats {
	out := make([]Stats, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Stats())
	}
	return out
}
