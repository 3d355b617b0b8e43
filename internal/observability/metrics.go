package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapes_total",
			Help: "Total number of scrape calls by backend kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	ScrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrape_duration_seconds",
			Help:    "Scrape call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)
	RecordsExtractedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_extracted_total",
			Help: "Total normalized job records extracted",
		},
		[]string{"kind"},
	)
	RecordsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "records_deduped_total",
			Help: "Total records dropped as duplicates",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of scrape tasks enqueued",
		},
		[]string{"source"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of scrape tasks completed",
		},
		[]string{"source"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of scrape tasks failed terminally",
		},
		[]string{"source", "error_kind"},
	)
	TaskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_queue_depth",
			Help: "Number of tasks waiting in the priority queue",
		},
	)
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Number of running worker goroutines",
		},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit breaker state per domain (0 closed, 1 half-open, 2 open)",
		},
		[]string{"domain"},
	)
	RateLimitDelayMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_delay_ms",
			Help: "Current adaptive delay per domain in milliseconds",
		},
		[]string{"domain"},
	)
	QuotaRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "metered_quota_remaining",
			Help: "Remaining monthly metered-API budget",
		},
	)
	PoolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraper_pool_in_use",
			Help: "Scraper instances currently checked out per backend kind",
		},
		[]string{"kind"},
	)

	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalies_total",
			Help: "Anomalies detected by metric and severity",
		},
		[]string{"metric", "severity"},
	)
	DLQMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Tasks routed to the dead letter topic",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ScrapesTotal)
	prometheus.MustRegister(ScrapeDuration)
	prometheus.MustRegister(RecordsExtractedTotal)
	prometheus.MustRegister(RecordsDedupedTotal)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TaskQueueDepth)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(RateLimitDelayMs)
	prometheus.MustRegister(QuotaRemaining)
	prometheus.MustRegister(PoolInUse)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(DLQMessagesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveScrape records one scrape call outcome.
func ObserveScrape(kind string, dur time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	ScrapesTotal.WithLabelValues(kind, outcome).Inc()
	ScrapeDuration.WithLabelValues(kind).Observe(dur.Seconds())
}
