package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

const sampleJSON = `{
  "jobs": [
    {"title": "Backend Engineer", "company": {"name": "Acme"}, "source_url": "https://jobs.acme.example/1", "location": "Berlin"},
    {"title": "Data Engineer", "company": {"name": "Acme"}, "location": "Remote"}
  ],
  "meta": {"page": "1"}
}`

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Acme Jobs</title>
    <item>
      <title>Platform Engineer</title>
      <link>https://jobs.acme.example/2</link>
      <description>Build the platform.</description>
      <pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate>
    </item>
  </channel>
</rss>`

func TestHTTPBackend_JSONScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang berlin", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()

	b := NewHTTPBackend(domain.SourceGovernment, Endpoints{GovernmentBase: srv.URL})
	filters := domain.Filters{Keywords: []string{"golang"}, Location: "berlin"}
	res, err := b.Scrape(context.Background(), domain.SourceGovernment, filters, "")
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "Backend Engineer", res.Records[0].Title)
	assert.Equal(t, domain.SourceGovernment, res.Records[0].Source)
	assert.NotEmpty(t, res.Records[0].ID)
	assert.NotEmpty(t, res.Records[1].ID)
	assert.NotEqual(t, res.Records[0].ID, res.Records[1].ID)
	assert.Equal(t, "1", res.Meta["page"])
}

func TestHTTPBackend_FeedScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	b := NewHTTPBackend(domain.SourceRSS, Endpoints{})
	res, err := b.Scrape(context.Background(), domain.SourceRSS, domain.Filters{}, srv.URL)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "Platform Engineer", rec.Title)
	assert.Equal(t, "https://jobs.acme.example/2", rec.SourceURL)
	assert.Equal(t, 2006, rec.PostedAt.Year())
	assert.NotEmpty(t, rec.ID)
}

func TestHTTPBackend_BlockedStatusesAreNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewHTTPBackend(domain.SourceCompanyPage, Endpoints{})
	_, err := b.Scrape(context.Background(), domain.SourceCompanyPage, domain.Filters{}, srv.URL)
	require.Error(t, err)
	assert.Equal(t, domain.KindBlocked, domain.ClassifyError(err))
	assert.Equal(t, int64(1), hits.Load())
}

func TestHTTPBackend_TransientRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()

	b := NewHTTPBackend(domain.SourceCompanyPage, Endpoints{})
	res, err := b.Scrape(context.Background(), domain.SourceCompanyPage, domain.Filters{}, srv.URL)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, int64(3), hits.Load())
}

func TestHTTPBackend_GarbagePayloadIsFormatDrift(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("<<<definitely not json>>>"))
	}))
	defer srv.Close()

	b := NewHTTPBackend(domain.SourceCompanyPage, Endpoints{})
	_, err := b.Scrape(context.Background(), domain.SourceCompanyPage, domain.Filters{}, srv.URL)
	require.Error(t, err)
	assert.Equal(t, domain.KindFormatDrift, domain.ClassifyError(err))
}

func TestHTTPBackend_CancellationAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	b := NewHTTPBackend(domain.SourceCompanyPage, Endpoints{})
	start := time.Now()
	_, err := b.Scrape(ctx, domain.SourceCompanyPage, domain.Filters{}, srv.URL)
	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.ClassifyError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPBackend_MeteredURLCarriesCredential(t *testing.T) {
	b := NewHTTPBackend(domain.SourceMeteredAPI, Endpoints{
		MeteredBase:   "https://serpapi.example/search",
		MeteredAPIKey: "secret",
	})
	target, err := b.targetURL(domain.SourceMeteredAPI, domain.Filters{Keywords: []string{"sre"}}, "")
	require.NoError(t, err)
	assert.Contains(t, target, "api_key=secret")
	assert.Contains(t, target, "engine=google_jobs")
	assert.Contains(t, target, "q=sre")
}

func TestHTTPBackend_NoEndpointConfigured(t *testing.T) {
	b := NewHTTPBackend(domain.SourceMeteredAPI, Endpoints{})
	_, err := b.Scrape(context.Background(), domain.SourceMeteredAPI, domain.Filters{}, "")
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.ClassifyError(err))
}

func TestStub_ScriptedResultAndCounters(t *testing.T) {
	stub := &Stub{
		Kind: domain.SourceRSS,
		Result: domain.ScrapeResult{Records: []domain.JobRecord{
			{Title: "QA Engineer", Company: domain.Company{Name: "Acme"}},
		}},
	}
	res, err := stub.Scrape(context.Background(), domain.SourceRSS, domain.Filters{}, "")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.NotEmpty(t, res.Records[0].ID)
	assert.Equal(t, 1, stub.Calls())

	stub.Reset()
	assert.Equal(t, 1, stub.Resets())
}

func TestStub_LatencyHonorsContext(t *testing.T) {
	stub := &Stub{Kind: domain.SourceRSS, Latency: 5 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := stub.Scrape(ctx, domain.SourceRSS, domain.Filters{}, "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
