package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SourceKind tags the backend family a task is eligible for.
type SourceKind string

const (
	SourceMeteredAPI    SourceKind = "metered_api"
	SourceRSS           SourceKind = "rss"
	SourceGovernment    SourceKind = "government"
	SourceCompanyPage   SourceKind = "company_page"
	SourceBrowserDriven SourceKind = "browser_driven"
)

// KnownSourceKinds is the closed set of recognized backend kinds.
var KnownSourceKinds = []SourceKind{
	SourceMeteredAPI, SourceRSS, SourceGovernment, SourceCompanyPage, SourceBrowserDriven,
}

// IsValidSourceKind reports whether s names a recognized backend kind.
func IsValidSourceKind(s SourceKind) bool {
	for _, k := range KnownSourceKinds {
		if s == k {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskInFlight  TaskStatus = "in_flight"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal one.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Filters enumerates the recognized scrape options. Backend-specific
// knobs live in their own subrecords; unknown fields are rejected at
// command parse time, never silently ignored.
type Filters struct {
	Keywords            []string `json:"keywords,omitempty"`
	Location            string   `json:"location,omitempty"`
	JobLevel            string   `json:"job_level,omitempty"`
	DateWindow          string   `json:"date_window,omitempty"`
	RemoteOnly          bool     `json:"remote_only,omitempty"`
	CompanySize         string   `json:"company_size,omitempty"`
	IncludeHiddenMarket bool     `json:"include_hidden_market,omitempty"`
	MaxPages            int      `json:"max_pages,omitempty" validate:"gte=0,lte=100"`
	UserProfile         string   `json:"user_profile,omitempty"`
}

// Query renders the filters as a flat search query string. The quota
// guard's high-value predicate matches against this form.
func (f Filters) Query() string {
	parts := make([]string, 0, len(f.Keywords)+2)
	parts = append(parts, f.Keywords...)
	if f.Location != "" {
		parts = append(parts, f.Location)
	}
	if f.JobLevel != "" {
		parts = append(parts, f.JobLevel)
	}
	return strings.Join(parts, " ")
}

// Task is a single scrape unit: one source, one filter set, optionally
// one URL. Immutable after creation except for the retry and lifecycle
// fields, which only the owning worker mutates.
type Task struct {
	ID          string     `json:"id"`
	Source      SourceKind `json:"source"`
	URL         string     `json:"url,omitempty"`
	Filters     Filters    `json:"filters"`
	Priority    int        `json:"priority" validate:"gte=1,lte=10"`
	Hybrid      bool       `json:"hybrid,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// Company is the employer reference carried on a record.
type Company struct {
	Name     string `json:"name"`
	Size     string `json:"size,omitempty"`
	Industry string `json:"industry,omitempty"`
	Website  string `json:"website,omitempty"`
}

// JobRecord is the normalized output unit. The orchestrator treats it
// opaquely except for deduplication on ID.
type JobRecord struct {
	ID              string            `json:"id"`
	Source          SourceKind        `json:"source"`
	SourceURL       string            `json:"source_url,omitempty"`
	Title           string            `json:"title"`
	Company         Company           `json:"company"`
	Location        string            `json:"location,omitempty"`
	Description     string            `json:"description,omitempty"`
	SalaryMin       float64           `json:"salary_min,omitempty"`
	SalaryMax       float64           `json:"salary_max,omitempty"`
	JobType         string            `json:"job_type,omitempty"`
	ExperienceLevel string            `json:"experience_level,omitempty"`
	RemoteType      string            `json:"remote_type,omitempty"`
	PostedAt        time.Time         `json:"posted_at,omitempty"`
	Skills          []string          `json:"skills,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// EnsureID assigns a deterministic ID when the backend did not populate
// one: hash of source+url, falling back to source+title+company. Every
// record must carry an ID before it reaches deduplication.
func (r *JobRecord) EnsureID() {
	if r.ID != "" {
		return
	}
	var seed string
	if r.SourceURL != "" {
		seed = string(r.Source) + "|" + r.SourceURL
	} else {
		seed = string(r.Source) + "|" + r.Title + "|" + r.Company.Name
	}
	sum := sha256.Sum256([]byte(seed))
	r.ID = hex.EncodeToString(sum[:16])
}

// ScrapeResult is what a backend returns from a single scrape call.
type ScrapeResult struct {
	Records   []JobRecord       `json:"records"`
	Companies []Company         `json:"companies,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Scraper is the single contract every backend conforms to. Scrape may
// be long-running and must honor ctx cancellation. Implementations must
// not retain cross-call state that affects correctness.
type Scraper interface {
	Scrape(ctx context.Context, source SourceKind, filters Filters, url string) (ScrapeResult, error)
}

// Resettable is the optional per-call cleanup hook a backend may expose
// (cookies, cursors, cache handles). The pool calls it on release.
type Resettable interface {
	Reset()
}

// ScraperFactory creates backend instances for a kind; pools grow
// lazily through it.
type ScraperFactory func(kind SourceKind) (Scraper, error)

// EventPublisher is the port to the external event bus.
type EventPublisher interface {
	PublishJob(ctx context.Context, taskID string, rec JobRecord) error
	PublishLifecycle(ctx context.Context, eventType string, data map[string]any) error
	PublishEnrichment(ctx context.Context, rec JobRecord) error
}

// SettingsStore persists the quota ledger fields. Read-through at
// startup, write-through after every scrape batch. This is the only
// core state that must survive restarts.
type SettingsStore interface {
	GetInt(ctx context.Context, key string) (int, bool, error)
	SetInt(ctx context.Context, key string, value int) error
	GetBool(ctx context.Context, key string) (bool, bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

// Persisted settings keys for the metered-API quota ledger.
const (
	KeyMeteredMonthlyQuota   = "serpapi_monthly_quota"
	KeyMeteredUsedQuota      = "serpapi_used_quota"
	KeyMeteredRemainingQuota = "serpapi_remaining_quota"
	KeyMeteredLastResetMonth = "serpapi_last_reset_month"
	KeyMeteredLastResetYear  = "serpapi_last_reset_year"
	KeyMeteredDailyLimit     = "serpapi_daily_limit"
	KeyMeteredFreeTierMode   = "serpapi_free_tier_mode"
	KeyMeteredHighValueOnly  = "serpapi_high_value_queries_only"
)
