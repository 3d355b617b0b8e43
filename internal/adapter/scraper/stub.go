package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// Stub is an in-memory backend for tests and local development. It
// serves scripted results with an optional artificial latency and
// counts calls and resets.
type Stub struct {
	Kind    domain.SourceKind
	Latency time.Duration
	Result  domain.ScrapeResult
	Err     error

	mu     sync.Mutex
	calls  int
	resets int
}

// Scrape waits out the configured latency (honoring ctx) and returns
// the scripted result.
func (s *Stub) Scrape(ctx context.Context, source domain.SourceKind, _ domain.Filters, _ string) (domain.ScrapeResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.ScrapeResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if s.Err != nil {
		return domain.ScrapeResult{}, s.Err
	}

	out := s.Result
	out.Records = make([]domain.JobRecord, len(s.Result.Records))
	copy(out.Records, s.Result.Records)
	for i := range out.Records {
		if out.Records[i].Source == "" {
			out.Records[i].Source = source
		}
		out.Records[i].EnsureID()
	}
	return out, nil
}

// Reset counts pool-driven resets.
func (s *Stub) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Calls reports how many times Scrape ran.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Resets reports how many times the pool reset this instance.
func (s *Stub) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// NewStubFactory returns a factory producing one fresh Stub per call,
// all sharing the given scripted result.
func NewStubFactory(result domain.ScrapeResult, err error) domain.ScraperFactory {
	return func(kind domain.SourceKind) (domain.Scraper, error) {
		return &Stub{Kind: kind, Result: result, Err: err}, nil
	}
}
