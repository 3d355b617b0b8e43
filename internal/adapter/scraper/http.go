// Package scraper provides the backend implementations handed out by
// the pools. Backends are thin transports: they fetch and decode
// already-structured payloads (JSON APIs, syndication feeds, a render
// service for browser-driven targets) and never interpret site-specific
// markup themselves.
package scraper

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

const (
	// requestTimeout bounds a single outbound HTTP request. The scrape
	// deadline above it bounds the whole call including retries.
	requestTimeout = 30 * time.Second

	// transientRetries is how often a backend retries a transient
	// failure locally before reporting it.
	transientRetries = 3
)

// Endpoints maps backend kinds to their upstream base URLs. The metered
// key carries the API credential as a query parameter template.
type Endpoints struct {
	MeteredBase    string
	MeteredAPIKey  string
	GovernmentBase string
	RenderService  string
}

// HTTPBackend is one pooled scraper instance. Instances share nothing
// but the HTTP client transport; per-call state lives in locals so
// Reset has nothing to clear beyond cookies.
type HTTPBackend struct {
	kind      domain.SourceKind
	client    *http.Client
	endpoints Endpoints
}

// NewHTTPBackend builds a backend for one kind with an OTel-wrapped
// transport.
func NewHTTPBackend(kind domain.SourceKind, endpoints Endpoints) *HTTPBackend {
	return &HTTPBackend{
		kind: kind,
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		endpoints: endpoints,
	}
}

// NewFactory returns the factory the pools grow through.
func NewFactory(endpoints Endpoints) domain.ScraperFactory {
	return func(kind domain.SourceKind) (domain.Scraper, error) {
		if !domain.IsValidSourceKind(kind) {
			return nil, fmt.Errorf("op=scraper.NewFactory: %w: unknown kind %q", domain.ErrInvalidArgument, kind)
		}
		return NewHTTPBackend(kind, endpoints), nil
	}
}

// Scrape fetches one page of results. Transient failures are retried
// locally up to transientRetries times with exponential backoff; all
// other failures report immediately.
func (b *HTTPBackend) Scrape(ctx context.Context, source domain.SourceKind, filters domain.Filters, rawURL string) (domain.ScrapeResult, error) {
	target, err := b.targetURL(source, filters, rawURL)
	if err != nil {
		return domain.ScrapeResult{}, err
	}

	var result domain.ScrapeResult
	operation := func() error {
		var fetchErr error
		result, fetchErr = b.fetch(ctx, source, target)
		if fetchErr == nil {
			return nil
		}
		if domain.ClassifyError(fetchErr) == domain.KindTransient {
			return fetchErr
		}
		return backoff.Permanent(fetchErr)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transientRetries),
		ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return domain.ScrapeResult{}, fmt.Errorf("op=scraper.Scrape kind=%s: %w", b.kind, err)
	}

	for i := range result.Records {
		if result.Records[i].Source == "" {
			result.Records[i].Source = source
		}
		result.Records[i].EnsureID()
	}
	return result, nil
}

// Reset clears per-call transport state.
func (b *HTTPBackend) Reset() {
	b.client.CloseIdleConnections()
	b.client.Jar = nil
}

func (b *HTTPBackend) targetURL(source domain.SourceKind, filters domain.Filters, rawURL string) (string, error) {
	if rawURL != "" {
		return rawURL, nil
	}
	q := url.Values{}
	if query := filters.Query(); query != "" {
		q.Set("q", query)
	}
	if filters.RemoteOnly {
		q.Set("remote", "1")
	}
	if filters.DateWindow != "" {
		q.Set("date_window", filters.DateWindow)
	}
	switch b.kind {
	case domain.SourceMeteredAPI:
		if b.endpoints.MeteredBase == "" {
			return "", fmt.Errorf("op=scraper.targetURL: %w: metered base URL not configured", domain.ErrFatal)
		}
		q.Set("api_key", b.endpoints.MeteredAPIKey)
		q.Set("engine", "google_jobs")
		return b.endpoints.MeteredBase + "?" + q.Encode(), nil
	case domain.SourceGovernment:
		if b.endpoints.GovernmentBase == "" {
			return "", fmt.Errorf("op=scraper.targetURL: %w: government base URL not configured", domain.ErrFatal)
		}
		return b.endpoints.GovernmentBase + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("op=scraper.targetURL kind=%s source=%s: %w: no URL given and no default endpoint", b.kind, source, domain.ErrInvalidArgument)
	}
}

func (b *HTTPBackend) fetch(ctx context.Context, source domain.SourceKind, target string) (domain.ScrapeResult, error) {
	var (
		req *http.Request
		err error
	)
	if b.kind == domain.SourceBrowserDriven {
		// Browser-driven targets go through the render service, which
		// returns the same structured payload as the JSON backends.
		if b.endpoints.RenderService == "" {
			return domain.ScrapeResult{}, fmt.Errorf("op=scraper.fetch: %w: render service not configured", domain.ErrFatal)
		}
		body := strings.NewReader(`{"url":` + jsonString(target) + `}`)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, b.endpoints.RenderService, body)
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	if err != nil {
		return domain.ScrapeResult{}, fmt.Errorf("op=scraper.fetch: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/rss+xml, application/atom+xml")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.ScrapeResult{}, ctx.Err()
		}
		return domain.ScrapeResult{}, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return domain.ScrapeResult{}, fmt.Errorf("%w: status %d from %s", domain.ErrBlocked, resp.StatusCode, req.URL.Host)
	case resp.StatusCode >= 500:
		return domain.ScrapeResult{}, fmt.Errorf("%w: status %d from %s", domain.ErrTransient, resp.StatusCode, req.URL.Host)
	case resp.StatusCode != http.StatusOK:
		return domain.ScrapeResult{}, fmt.Errorf("%w: status %d from %s", domain.ErrFatal, resp.StatusCode, req.URL.Host)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		if ctx.Err() != nil {
			return domain.ScrapeResult{}, ctx.Err()
		}
		return domain.ScrapeResult{}, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}

	if b.kind == domain.SourceRSS || looksLikeXML(resp.Header.Get("Content-Type"), payload) {
		return decodeFeed(source, payload)
	}
	return decodeJSON(source, payload)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func looksLikeXML(contentType string, payload []byte) bool {
	if strings.Contains(contentType, "xml") {
		return true
	}
	trimmed := strings.TrimSpace(string(payload[:min(64, len(payload))]))
	return strings.HasPrefix(trimmed, "<?xml") || strings.HasPrefix(trimmed, "<rss") || strings.HasPrefix(trimmed, "<feed")
}

// jsonEnvelope is the structured payload the JSON backends and the
// render service return.
type jsonEnvelope struct {
	Jobs      []domain.JobRecord `json:"jobs"`
	Companies []domain.Company   `json:"companies"`
	Meta      map[string]string  `json:"meta"`
}

func decodeJSON(source domain.SourceKind, payload []byte) (domain.ScrapeResult, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.ScrapeResult{}, fmt.Errorf("%w: %v", domain.ErrFormatDrift, err)
	}
	return domain.ScrapeResult{Records: env.Jobs, Companies: env.Companies, Meta: env.Meta}, nil
}

// feedDocument covers both RSS 2.0 and Atom shapes; only the fields a
// job posting feed actually carries are mapped.
type feedDocument struct {
	XMLName xml.Name
	Channel struct {
		Title string     `xml:"title"`
		Items []feedItem `xml:"item"`
	} `xml:"channel"`
	Entries []feedEntry `xml:"entry"`
}

type feedItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Creator     string `xml:"creator"`
}

type feedEntry struct {
	Title string `xml:"title"`
	Link  struct {
		Href string `xml:"href,attr"`
	} `xml:"link"`
	Summary string `xml:"summary"`
	Updated string `xml:"updated"`
	Author  struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

func decodeFeed(source domain.SourceKind, payload []byte) (domain.ScrapeResult, error) {
	var doc feedDocument
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return domain.ScrapeResult{}, fmt.Errorf("%w: %v", domain.ErrFormatDrift, err)
	}

	var records []domain.JobRecord
	for _, it := range doc.Channel.Items {
		rec := domain.JobRecord{
			Source:      source,
			SourceURL:   it.Link,
			Title:       strings.TrimSpace(it.Title),
			Description: it.Description,
			Company:     domain.Company{Name: strings.TrimSpace(it.Creator)},
		}
		if ts := parseFeedTime(it.PubDate); !ts.IsZero() {
			rec.PostedAt = ts
		}
		records = append(records, rec)
	}
	for _, en := range doc.Entries {
		rec := domain.JobRecord{
			Source:      source,
			SourceURL:   en.Link.Href,
			Title:       strings.TrimSpace(en.Title),
			Description: en.Summary,
			Company:     domain.Company{Name: strings.TrimSpace(en.Author.Name)},
		}
		if ts := parseFeedTime(en.Updated); !ts.IsZero() {
			rec.PostedAt = ts
		}
		records = append(records, rec)
	}
	return domain.ScrapeResult{Records: records}, nil
}

func parseFeedTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
