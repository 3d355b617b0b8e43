// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all orchestrator configuration parsed from environment
// variables. All registries are owned by the orchestrator value, so a
// second Config can run a second, fully isolated instance in the same
// process (used heavily in tests).
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Worker set
	MaxConcurrentScrapers int           `env:"MAX_CONCURRENT_SCRAPERS" envDefault:"20" validate:"gte=1,lte=50"`
	MinWorkers            int           `env:"MIN_WORKERS" envDefault:"5" validate:"gte=1"`
	ScaleInterval         time.Duration `env:"SCALE_INTERVAL" envDefault:"60s"`
	ScrapeTimeout         time.Duration `env:"SCRAPE_TIMEOUT" envDefault:"300s"`
	TaskRetention         time.Duration `env:"TASK_RETENTION" envDefault:"1h"`

	// Backend pools: kind:size pairs, e.g. "metered_api:30,company_page:15"
	ScraperPoolSizes map[string]int `env:"SCRAPER_POOL_SIZES" envSeparator:"," envDefault:"metered_api:30,rss:20,government:10,company_page:15,browser_driven:5"`
	PoolAcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"30s"`

	// Circuit breakers
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5" validate:"gte=1"`
	CircuitRecoveryTimeout  time.Duration `env:"CIRCUIT_RECOVERY_TIMEOUT" envDefault:"60s"`
	CircuitSuccessThreshold int           `env:"CIRCUIT_SUCCESS_THRESHOLD" envDefault:"2" validate:"gte=1"`

	// Rate limiting
	RateLimitPerDomain   int           `env:"RATE_LIMIT_PER_DOMAIN" envDefault:"30" validate:"gte=1"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	AdaptiveRateLimiting bool          `env:"ADAPTIVE_RATE_LIMITING" envDefault:"true"`

	// Metered search API quota
	MeteredMonthlyQuota int  `env:"METERED_MONTHLY_QUOTA" envDefault:"250" validate:"gte=0"`
	MeteredFreeTierMode bool `env:"METERED_FREE_TIER_MODE" envDefault:"true"`
	MeteredHighValueOnly bool `env:"METERED_HIGH_VALUE_ONLY" envDefault:"true"`
	UseMeteredFirst     bool `env:"USE_METERED_FIRST" envDefault:"false"`

	// Scraper backend endpoints
	MeteredAPIBase    string `env:"METERED_API_BASE" envDefault:"https://serpapi.com/search"`
	MeteredAPIKey     string `env:"METERED_API_KEY"`
	GovernmentAPIBase string `env:"GOVERNMENT_API_BASE" envDefault:"https://data.usajobs.gov/api/search"`
	RenderServiceURL  string `env:"RENDER_SERVICE_URL"`

	// Event bus
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	CommandTopic  string   `env:"COMMAND_TOPIC" envDefault:"scraping-tasks"`
	JobsTopic     string   `env:"JOBS_TOPIC" envDefault:"jobs"`
	EventsTopic   string   `env:"EVENTS_TOPIC" envDefault:"events"`
	EnrichTopic   string   `env:"ENRICH_TOPIC" envDefault:"enrichment"`
	DLQTopic      string   `env:"DLQ_TOPIC" envDefault:"scraping-dlq"`
	ConsumerGroup string   `env:"CONSUMER_GROUP" envDefault:"scrapehub-orchestrator"`

	// Settings store (quota ledger persistence)
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	SettingsNS    string `env:"SETTINGS_NAMESPACE" envDefault:"scrapehub"`
	// Optional Postgres mirror of the quota ledger (audit trail); empty
	// disables the mirror.
	DBURL string `env:"DB_URL"`

	// Retry / DLQ
	RetryMaxRetries   int           `env:"RETRY_MAX_RETRIES" envDefault:"3" validate:"gte=0"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryJitter       bool          `env:"RETRY_JITTER" envDefault:"true"`

	// Health monitor
	HealthTickInterval time.Duration `env:"HEALTH_TICK_INTERVAL" envDefault:"60s"`

	// Admin control channel
	AdminUsername    string `env:"ADMIN_USERNAME"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`
	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	AdminRatePerMin  int    `env:"ADMIN_RATE_PER_MIN" envDefault:"60"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"scrapehub"`
}

// Load parses environment variables into a Config and validates the
// recognized fields. Out-of-range values are rejected, not clamped.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var cfgValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := cfgValidator.Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w", err)
	}
	if c.MinWorkers > c.MaxConcurrentScrapers {
		return fmt.Errorf("op=config.Validate: MIN_WORKERS (%d) exceeds MAX_CONCURRENT_SCRAPERS (%d)", c.MinWorkers, c.MaxConcurrentScrapers)
	}
	for kind := range c.ScraperPoolSizes {
		switch kind {
		case "metered_api", "rss", "government", "company_page", "browser_driven":
		default:
			return fmt.Errorf("op=config.Validate: unknown backend kind %q in SCRAPER_POOL_SIZES", kind)
		}
	}
	return nil
}

// AdminEnabled returns true if the admin channel should require auth.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPasswordHash != ""
}

// RetryConfigFields exposes the retry knobs as a tuple for the retry manager.
func (c Config) RetryConfigFields() (maxRetries int, initial, max time.Duration, multiplier float64, jitter bool) {
	return c.RetryMaxRetries, c.RetryInitialDelay, c.RetryMaxDelay, c.RetryMultiplier, c.RetryJitter
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
