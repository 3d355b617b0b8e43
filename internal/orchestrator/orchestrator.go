// Package orchestrator is the control-plane core: it owns the task
// queue, the worker set, and every protection registry, and routes each
// task through circuit breaker, quota guard, rate limiter, and scraper
// pool before the scrape runs. All registries are owned by the
// Orchestrator value; two instances in one process stay fully isolated.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/scrapehub/internal/breaker"
	"github.com/fairyhunter13/scrapehub/internal/config"
	"github.com/fairyhunter13/scrapehub/internal/domain"
	"github.com/fairyhunter13/scrapehub/internal/health"
	"github.com/fairyhunter13/scrapehub/internal/observability"
	"github.com/fairyhunter13/scrapehub/internal/pool"
	"github.com/fairyhunter13/scrapehub/internal/quota"
	"github.com/fairyhunter13/scrapehub/internal/ratelimit"
	"github.com/fairyhunter13/scrapehub/internal/taskqueue"
)

const (
	// popTimeout is how long a worker blocks on the queue before
	// re-checking shutdown.
	popTimeout = time.Second

	// circuitRetryDelay is the extra scheduling delay for a task
	// refused by an open circuit.
	circuitRetryDelay = 30 * time.Second

	// scaleStep is how many workers one scaling decision adds or sheds.
	scaleStep = 5

	// dedupCapacity bounds the process-local duplicate set.
	dedupCapacity = 100_000

	// sweepInterval drives terminal-task cleanup and stuck-task checks.
	sweepInterval = time.Minute

	// defaultPriority for tasks submitted without one.
	defaultPriority = 5

	lowestPriority = 10
)

// Publisher is the bus surface the orchestrator needs: the domain
// publisher plus the dead letter topic.
type Publisher interface {
	domain.EventPublisher
	PublishDLQ(ctx context.Context, dlq domain.DLQTask) error
}

// taskState is the registry entry for one task.
type taskState struct {
	task       domain.Task
	cancel     context.CancelFunc // set while in flight
	finishedAt time.Time
}

type worker struct {
	id   int
	stop chan struct{}
}

// Orchestrator wires the control plane together.
type Orchestrator struct {
	cfg      config.Config
	queue    *taskqueue.Queue
	pools    *pool.Set
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	quota    *quota.Guard
	bus      Publisher
	monitor  *health.Monitor
	retries  *retryManager
	dedup    *Deduper

	mu           sync.Mutex
	tasks        map[string]*taskState
	workers      map[int]*worker
	nextWorkerID int
	draining     bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds an orchestrator around existing protection components.
func New(cfg config.Config, pools *pool.Set, breakers *breaker.Registry, limiter *ratelimit.Limiter, guard *quota.Guard, bus Publisher, monitor *health.Monitor) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		queue:    taskqueue.New(),
		pools:    pools,
		breakers: breakers,
		limiter:  limiter,
		quota:    guard,
		bus:      bus,
		monitor:  monitor,
		retries:  newRetryManager(retryConfigFrom(cfg)),
		dedup:    NewDeduper(dedupCapacity),
		tasks:    make(map[string]*taskState),
		workers:  make(map[int]*worker),
	}
}

// retryConfigFrom keeps the error-substring lists of the default
// policy and overlays the configured knobs.
func retryConfigFrom(cfg config.Config) domain.RetryConfig {
	rc := domain.DefaultRetryConfig()
	rc.MaxRetries, rc.InitialDelay, rc.MaxDelay, rc.Multiplier, rc.Jitter = cfg.RetryConfigFields()
	return rc
}

// Start spawns the worker set and the background loops. Cancelling ctx
// stops everything; Stop waits for in-flight work to settle.
func (o *Orchestrator) Start(ctx context.Context) {
	o.rootCtx, o.rootCancel = context.WithCancel(ctx)

	o.mu.Lock()
	for i := 0; i < o.cfg.MaxConcurrentScrapers; i++ {
		o.spawnWorkerLocked()
	}
	o.mu.Unlock()

	o.wg.Add(3)
	go func() { defer o.wg.Done(); o.scalingLoop() }()
	go func() { defer o.wg.Done(); o.sweepLoop() }()
	go func() { defer o.wg.Done(); o.monitor.Run(o.rootCtx) }()

	slog.Info("orchestrator started",
		slog.Int("workers", o.cfg.MaxConcurrentScrapers),
		slog.Int("min_workers", o.cfg.MinWorkers))
}

// Stop cancels everything and waits for workers to exit.
func (o *Orchestrator) Stop() {
	if o.rootCancel != nil {
		o.rootCancel()
	}
	o.mu.Lock()
	for _, w := range o.workers {
		close(w.stop)
	}
	o.workers = make(map[int]*worker)
	o.mu.Unlock()
	o.wg.Wait()
	slog.Info("orchestrator stopped")
}

// HandleCommand applies one control command. Acknowledgement is
// fire-and-forget; problems are logged and surfaced on the event bus,
// never returned to the command transport.
func (o *Orchestrator) HandleCommand(_ context.Context, cmd domain.Command) {
	switch cmd.Type {
	case domain.CommandStart:
		for _, source := range cmd.Sources {
			task, err := o.Submit(source, cmd.Filters)
			if err != nil {
				slog.Warn("start command refused",
					slog.String("source", string(source)),
					slog.Any("error", err))
				continue
			}
			slog.Info("task created",
				slog.String("task_id", task.ID),
				slog.String("source", string(source)),
				slog.Int("priority", task.Priority))
		}
	case domain.CommandStop:
		o.Cancel(cmd.TaskID)
	case domain.CommandResetCircuit:
		o.breakers.Reset(cmd.Domain)
		slog.Info("circuit reset", slog.String("domain", cmd.Domain))
	case domain.CommandDrain:
		o.Drain()
	default:
		slog.Warn("unrecognized command", slog.String("type", string(cmd.Type)))
	}
}

// Submit creates and enqueues one task.
func (o *Orchestrator) Submit(source domain.SourceKind, filters domain.Filters) (domain.Task, error) {
	return o.SubmitTask(domain.Task{
		Source:  source,
		Filters: filters,
		// Hidden-market searches pair the metered API's breadth with a
		// native crawl of the same target.
		Hybrid: filters.IncludeHiddenMarket && source != domain.SourceMeteredAPI,
	})
}

// SubmitTask enqueues a caller-built task, filling missing identity and
// lifecycle fields. The admin channel uses this for tasks carrying an
// explicit URL, priority or schedule. A draining orchestrator refuses
// new tasks on every entry path.
func (o *Orchestrator) SubmitTask(task domain.Task) (domain.Task, error) {
	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	if task.Priority == 0 {
		task.Priority = defaultPriority
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = o.cfg.RetryMaxRetries
	}
	task.Status = domain.TaskPending

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return domain.Task{}, fmt.Errorf("op=orchestrator.SubmitTask: %w", domain.ErrDraining)
	}
	o.tasks[task.ID] = &taskState{task: task}
	o.mu.Unlock()

	o.queue.Push(task)
	observability.TasksEnqueuedTotal.WithLabelValues(string(task.Source)).Inc()
	observability.TaskQueueDepth.Set(float64(o.queue.Len()))
	return task, nil
}

// Cancel removes a pending task or signals the owning worker. Cancelled
// tasks are terminal and never retried.
func (o *Orchestrator) Cancel(taskID string) {
	if _, ok := o.queue.Remove(taskID); ok {
		o.setStatus(taskID, domain.TaskCancelled, "")
		slog.Info("pending task cancelled", slog.String("task_id", taskID))
		return
	}
	o.mu.Lock()
	st, ok := o.tasks[taskID]
	var cancel context.CancelFunc
	if ok {
		cancel = st.cancel
	}
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		slog.Info("in-flight task cancellation signalled", slog.String("task_id", taskID))
		return
	}
	slog.Warn("cancel for unknown or finished task", slog.String("task_id", taskID))
}

// Drain stops accepting new tasks; in-flight work finishes.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	slog.Info("orchestrator draining")
}

// TaskStatus reports the registry entry for a task.
func (o *Orchestrator) TaskStatus(taskID string) (domain.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.tasks[taskID]
	if !ok {
		return domain.Task{}, false
	}
	return st.task, true
}

// ActiveWorkers reports the current worker count.
func (o *Orchestrator) ActiveWorkers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// QueueDepth reports the number of queued tasks.
func (o *Orchestrator) QueueDepth() int { return o.queue.Len() }

// Stats is the admin-facing snapshot.
func (o *Orchestrator) Stats() map[string]any {
	o.mu.Lock()
	workers := len(o.workers)
	draining := o.draining
	taskCount := len(o.tasks)
	o.mu.Unlock()
	return map[string]any{
		"queue_depth":    o.queue.Len(),
		"active_workers": workers,
		"draining":       draining,
		"tracked_tasks":  taskCount,
		"circuits":       o.breakers.Snapshot(),
		"rate_limits":    o.limiter.Snapshot(),
		"quota":          o.quota.Snapshot(),
		"pools":          o.pools.Stats(),
	}
}

// ResetCircuit forces one domain's circuit closed.
func (o *Orchestrator) ResetCircuit(domainName string) { o.breakers.Reset(domainName) }

// OpenAllCircuits preemptively opens every known circuit. Wired to the
// health monitor's critical error-rate action.
func (o *Orchestrator) OpenAllCircuits(cooldown time.Duration) {
	for _, d := range o.breakers.Domains() {
		o.breakers.ForceOpen(d, cooldown)
	}
	slog.Warn("all circuits preemptively opened", slog.Duration("cooldown", cooldown))
}

// ScaleDown sheds one scaling step of workers, not going below the
// configured minimum.
func (o *Orchestrator) ScaleDown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shedWorkersLocked(scaleStep)
}

func (o *Orchestrator) spawnWorkerLocked() {
	o.nextWorkerID++
	w := &worker{id: o.nextWorkerID, stop: make(chan struct{})}
	o.workers[w.id] = w
	o.wg.Add(1)
	go o.workerLoop(w)
	observability.ActiveWorkers.Set(float64(len(o.workers)))
}

func (o *Orchestrator) shedWorkersLocked(n int) {
	for id, w := range o.workers {
		if n <= 0 || len(o.workers) <= o.cfg.MinWorkers {
			break
		}
		close(w.stop)
		delete(o.workers, id)
		n--
	}
	observability.ActiveWorkers.Set(float64(len(o.workers)))
}

// workerLoop is the worker body: pop, execute, publish, retry
// bookkeeping.
// Stop closes between tasks; in-flight work is never interrupted by
// scaling, only by explicit cancellation or shutdown.
func (o *Orchestrator) workerLoop(w *worker) {
	defer o.wg.Done()
	defer o.monitor.ForgetWorker(w.id)
	slog.Debug("worker started", slog.Int("worker_id", w.id))

	for {
		select {
		case <-w.stop:
			slog.Debug("worker stopped", slog.Int("worker_id", w.id))
			return
		case <-o.rootCtx.Done():
			return
		default:
		}
		o.monitor.Heartbeat(w.id)

		task, ok := o.queue.Pop(o.rootCtx, popTimeout)
		observability.TaskQueueDepth.Set(float64(o.queue.Len()))
		if !ok {
			continue
		}
		o.processTask(w, task)
	}
}

func (o *Orchestrator) processTask(w *worker, task domain.Task) {
	taskCtx, cancel := context.WithCancel(o.rootCtx)
	defer cancel()

	task.Status = domain.TaskInFlight
	task.StartedAt = time.Now()
	o.mu.Lock()
	st, tracked := o.tasks[task.ID]
	if tracked {
		st.task = task
		st.cancel = cancel
	}
	o.mu.Unlock()

	_ = o.bus.PublishLifecycle(taskCtx, "scraping_started", map[string]any{
		"task_id":  task.ID,
		"source":   string(task.Source),
		"priority": task.Priority,
	})

	records, kind, err := o.executeTask(taskCtx, task)
	duration := time.Since(task.StartedAt)

	o.mu.Lock()
	if tracked {
		st.cancel = nil
	}
	o.mu.Unlock()

	switch {
	case err == nil:
		published := o.publishRecords(task, kind, records)
		o.finishTask(task, duration, published)
	case domain.ClassifyError(err) == domain.KindCancelled:
		// No protection metrics and no retry for cancelled tasks.
		o.setStatus(task.ID, domain.TaskCancelled, "")
		slog.Info("task cancelled",
			slog.String("task_id", task.ID),
			slog.Duration("ran_for", duration))
	default:
		o.failTask(task, duration, err)
	}
}

func (o *Orchestrator) finishTask(task domain.Task, duration time.Duration, published int) {
	o.setStatus(task.ID, domain.TaskCompleted, "")
	o.retries.Forget(task.ID)
	o.monitor.RecordTask(o.domainFor(task.Source, task.URL), true, duration, published)
	observability.TasksCompletedTotal.WithLabelValues(string(task.Source)).Inc()

	_ = o.bus.PublishLifecycle(o.rootCtx, "scraping_completed", map[string]any{
		"task_id":     task.ID,
		"source":      string(task.Source),
		"duration_ms": duration.Milliseconds(),
		"records":     published,
		"success":     true,
	})
	slog.Info("task completed",
		slog.String("task_id", task.ID),
		slog.Int("records", published),
		slog.Duration("duration", duration))
}

func (o *Orchestrator) failTask(task domain.Task, duration time.Duration, taskErr error) {
	kind := domain.ClassifyError(taskErr)
	o.monitor.RecordTask(o.domainFor(task.Source, task.URL), false, duration, 0)

	if kind.Retryable() && task.RetryCount < task.MaxRetries {
		if retry, delay := o.retries.RecordFailure(task.ID, taskErr.Error()); retry {
			if kind == domain.KindCircuitOpen {
				delay += circuitRetryDelay
			}
			requeued := task
			requeued.RetryCount++
			if requeued.Priority < lowestPriority {
				requeued.Priority++ // demote
			}
			requeued.Status = domain.TaskPending
			requeued.ScheduledAt = time.Now().Add(delay)
			o.mu.Lock()
			if st, ok := o.tasks[task.ID]; ok {
				st.task = requeued
			}
			o.mu.Unlock()
			o.queue.Push(requeued)
			slog.Warn("task requeued",
				slog.String("task_id", task.ID),
				slog.Int("retry", requeued.RetryCount),
				slog.Int("priority", requeued.Priority),
				slog.Duration("delay", delay),
				slog.String("error_kind", string(kind)))
			return
		}
	}

	o.setStatus(task.ID, domain.TaskFailed, taskErr.Error())
	observability.TasksFailedTotal.WithLabelValues(string(task.Source), string(kind)).Inc()

	dlq := o.retries.ToDLQ(task, taskErr.Error())
	if err := o.bus.PublishDLQ(o.rootCtx, dlq); err != nil {
		slog.Error("dead letter publish failed",
			slog.String("task_id", task.ID),
			slog.Any("error", err))
	} else {
		observability.DLQMessagesTotal.Inc()
	}
	_ = o.bus.PublishLifecycle(o.rootCtx, "scraping_failed", map[string]any{
		"task_id":     task.ID,
		"source":      string(task.Source),
		"duration_ms": duration.Milliseconds(),
		"error":       taskErr.Error(),
		"error_kind":  string(kind),
		"success":     false,
	})
	slog.Error("task failed terminally",
		slog.String("task_id", task.ID),
		slog.String("error_kind", string(kind)),
		slog.Any("error", taskErr))
}

// publishRecords deduplicates and fans records out to the jobs and
// enrichment topics. In-task order is preserved.
func (o *Orchestrator) publishRecords(task domain.Task, kind domain.SourceKind, records []domain.JobRecord) int {
	published := 0
	for _, rec := range records {
		rec.EnsureID()
		if o.dedup.Seen(rec.ID) {
			observability.RecordsDedupedTotal.Inc()
			continue
		}
		if err := o.bus.PublishJob(o.rootCtx, task.ID, rec); err != nil {
			slog.Error("record publish failed",
				slog.String("task_id", task.ID),
				slog.String("record_id", rec.ID),
				slog.Any("error", err))
			continue
		}
		if err := o.bus.PublishEnrichment(o.rootCtx, rec); err != nil {
			slog.Warn("enrichment request failed",
				slog.String("record_id", rec.ID),
				slog.Any("error", err))
		}
		published++
	}
	observability.RecordsExtractedTotal.WithLabelValues(string(kind)).Add(float64(len(records)))
	return published
}

// executeTask runs the protection pipeline: breaker, quota, limiter, pool,
// scrape, feedback.
func (o *Orchestrator) executeTask(ctx context.Context, task domain.Task) ([]domain.JobRecord, domain.SourceKind, error) {
	if task.Hybrid {
		return o.executeHybrid(ctx, task)
	}
	kind := o.selectBackend(task)
	records, err := o.scrapeWith(ctx, kind, task)
	if err != nil && domain.ClassifyError(err) == domain.KindQuotaExhausted {
		// Reroute to a free backend instead of burning a retry.
		if fallback := degradeKind(task.Source); fallback != kind {
			slog.Info("quota exhausted, degrading backend",
				slog.String("task_id", task.ID),
				slog.String("from", string(kind)),
				slog.String("to", string(fallback)))
			records, err = o.scrapeWith(ctx, fallback, task)
			return records, fallback, err
		}
	}
	return records, kind, err
}

// executeHybrid runs the metered API for breadth, then the native
// backend for depth, merging by record id.
func (o *Orchestrator) executeHybrid(ctx context.Context, task domain.Task) ([]domain.JobRecord, domain.SourceKind, error) {
	breadth, breadthErr := o.scrapeWith(ctx, domain.SourceMeteredAPI, task)
	if breadthErr != nil && domain.ClassifyError(breadthErr) == domain.KindCancelled {
		return nil, domain.SourceMeteredAPI, breadthErr
	}
	native := task.Source
	depth, depthErr := o.scrapeWith(ctx, native, task)
	if breadthErr != nil && depthErr != nil {
		return nil, native, depthErr
	}
	return mergeRecords(breadth, depth), native, nil
}

// scrapeWith runs the full protection pipeline against one backend
// kind.
func (o *Orchestrator) scrapeWith(ctx context.Context, kind domain.SourceKind, task domain.Task) ([]domain.JobRecord, error) {
	domainName := o.domainFor(kind, task.URL)

	if err := o.breakers.BeforeCall(domainName); err != nil {
		return nil, err
	}
	// Every exit between admission and the backend call must hand the
	// admitted slot back, or an abandoned half-open probe wedges the
	// domain until an operator resets it.
	if kind == domain.SourceMeteredAPI {
		if err := o.quota.TryAcquire(task.Filters.Query()); err != nil {
			o.breakers.ReleaseProbe(domainName)
			return nil, err
		}
		observability.QuotaRemaining.Set(float64(o.quota.Remaining()))
	}
	if err := o.limiter.Await(ctx, domainName, task.Priority); err != nil {
		o.breakers.ReleaseProbe(domainName)
		return nil, err
	}

	p, err := o.pools.Get(kind)
	if err != nil {
		o.breakers.ReleaseProbe(domainName)
		return nil, err
	}
	inst, err := p.Acquire(ctx)
	if err != nil {
		o.breakers.ReleaseProbe(domainName)
		return nil, err
	}

	scrapeCtx, cancel := context.WithTimeout(ctx, o.cfg.ScrapeTimeout)
	start := time.Now()
	result, err := inst.Scrape(scrapeCtx, kind, task.Filters, task.URL)
	rtt := time.Since(start)
	cancel()
	p.Release(inst)
	observability.ObserveScrape(string(kind), rtt, err)
	observability.PoolInUse.WithLabelValues(string(kind)).Set(float64(p.Stats().InUse))

	if err != nil {
		errKind := domain.ClassifyError(err)
		if errKind == domain.KindCancelled {
			// Cancellation is neither success nor failure; free the
			// admitted slot without an outcome.
			o.breakers.ReleaseProbe(domainName)
			return nil, err
		}
		o.limiter.RecordFailure(domainName, errKind == domain.KindBlocked)
		o.breakers.OnFailure(domainName, err)
		o.exportDomainGauges(domainName)
		return nil, fmt.Errorf("op=orchestrator.scrapeWith kind=%s domain=%s: %w", kind, domainName, err)
	}

	o.limiter.RecordSuccess(domainName, rtt)
	o.breakers.OnSuccess(domainName)
	o.exportDomainGauges(domainName)
	return result.Records, nil
}

func (o *Orchestrator) exportDomainGauges(domainName string) {
	observability.CircuitState.WithLabelValues(domainName).Set(float64(o.breakers.StateOf(domainName)))
	observability.RateLimitDelayMs.WithLabelValues(domainName).Set(float64(o.limiter.CurrentDelay(domainName).Milliseconds()))
}

// selectBackend applies the routing policy for a task.
func (o *Orchestrator) selectBackend(task domain.Task) domain.SourceKind {
	kind := task.Source
	switch {
	case task.Source == domain.SourceMeteredAPI || o.cfg.UseMeteredFirst:
		kind = domain.SourceMeteredAPI
	case o.breakers.StateOf(o.domainFor(task.Source, task.URL)) == breaker.StateOpen:
		kind = domain.SourceMeteredAPI
	}
	if kind == domain.SourceMeteredAPI && o.quota.Remaining() == 0 {
		if fallback := degradeKind(task.Source); fallback != domain.SourceMeteredAPI {
			kind = fallback
		}
	}
	return kind
}

// degradeKind picks the free backend a metered task falls back to.
func degradeKind(source domain.SourceKind) domain.SourceKind {
	switch source {
	case domain.SourceMeteredAPI, domain.SourceRSS:
		return domain.SourceRSS
	case domain.SourceCompanyPage, domain.SourceBrowserDriven:
		return domain.SourceCompanyPage
	default:
		return source
	}
}

// domainFor derives the rate-limit and circuit key for a call: the URL
// host when the task carries one, otherwise a stable per-kind key.
func (o *Orchestrator) domainFor(kind domain.SourceKind, rawURL string) string {
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return "backend." + string(kind)
}

// mergeRecords unions two result sets by id. The first set wins per
// field; list and map fields union-merge.
func mergeRecords(primary, secondary []domain.JobRecord) []domain.JobRecord {
	out := make([]domain.JobRecord, 0, len(primary)+len(secondary))
	index := make(map[string]int, len(primary))
	for _, rec := range primary {
		rec.EnsureID()
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	for _, rec := range secondary {
		rec.EnsureID()
		at, ok := index[rec.ID]
		if !ok {
			index[rec.ID] = len(out)
			out = append(out, rec)
			continue
		}
		out[at] = mergeRecord(out[at], rec)
	}
	return out
}

func mergeRecord(winner, filler domain.JobRecord) domain.JobRecord {
	if winner.SourceURL == "" {
		winner.SourceURL = filler.SourceURL
	}
	if winner.Title == "" {
		winner.Title = filler.Title
	}
	if winner.Company.Name == "" {
		winner.Company = filler.Company
	} else {
		if winner.Company.Size == "" {
			winner.Company.Size = filler.Company.Size
		}
		if winner.Company.Industry == "" {
			winner.Company.Industry = filler.Company.Industry
		}
		if winner.Company.Website == "" {
			winner.Company.Website = filler.Company.Website
		}
	}
	if winner.Location == "" {
		winner.Location = filler.Location
	}
	if winner.Description == "" {
		winner.Description = filler.Description
	}
	if winner.SalaryMin == 0 {
		winner.SalaryMin = filler.SalaryMin
	}
	if winner.SalaryMax == 0 {
		winner.SalaryMax = filler.SalaryMax
	}
	if winner.JobType == "" {
		winner.JobType = filler.JobType
	}
	if winner.ExperienceLevel == "" {
		winner.ExperienceLevel = filler.ExperienceLevel
	}
	if winner.RemoteType == "" {
		winner.RemoteType = filler.RemoteType
	}
	if winner.PostedAt.IsZero() {
		winner.PostedAt = filler.PostedAt
	}
	winner.Skills = unionStrings(winner.Skills, filler.Skills)
	if len(filler.Metadata) > 0 {
		if winner.Metadata == nil {
			winner.Metadata = make(map[string]string, len(filler.Metadata))
		}
		for k, v := range filler.Metadata {
			if _, exists := winner.Metadata[k]; !exists {
				winner.Metadata[k] = v
			}
		}
	}
	return winner
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) setStatus(taskID string, status domain.TaskStatus, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.tasks[taskID]
	if !ok {
		return
	}
	st.task.Status = status
	st.task.Error = errMsg
	if status.Terminal() {
		st.task.CompletedAt = time.Now()
		st.finishedAt = time.Now()
	}
}

// scalingLoop adjusts the worker set to the queue depth.
func (o *Orchestrator) scalingLoop() {
	ticker := time.NewTicker(o.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.rootCtx.Done():
			return
		case <-ticker.C:
			o.rescale()
		}
	}
}

func (o *Orchestrator) rescale() {
	depth := o.queue.Len()
	o.mu.Lock()
	defer o.mu.Unlock()
	active := len(o.workers)
	switch {
	case depth > active*10 && active < o.cfg.MaxConcurrentScrapers:
		add := scaleStep
		if active+add > o.cfg.MaxConcurrentScrapers {
			add = o.cfg.MaxConcurrentScrapers - active
		}
		for i := 0; i < add; i++ {
			o.spawnWorkerLocked()
		}
		slog.Info("scaled up", slog.Int("added", add), slog.Int("workers", len(o.workers)))
	case depth == 0 && active > o.cfg.MinWorkers:
		before := len(o.workers)
		o.shedWorkersLocked(scaleStep)
		if shed := before - len(o.workers); shed > 0 {
			slog.Info("scaled down", slog.Int("shed", shed), slog.Int("workers", len(o.workers)))
		}
	}
}

// sweepLoop evicts terminal tasks past retention and replaces dead
// workers.
func (o *Orchestrator) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.rootCtx.Done():
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	cutoff := time.Now().Add(-o.cfg.TaskRetention)
	o.mu.Lock()
	for id, st := range o.tasks {
		if st.task.Status.Terminal() && !st.finishedAt.IsZero() && st.finishedAt.Before(cutoff) {
			delete(o.tasks, id)
		}
	}
	o.mu.Unlock()

	// Dead workers get replaced within one sweep.
	for _, id := range o.monitor.DeadWorkers() {
		o.mu.Lock()
		if w, ok := o.workers[id]; ok {
			close(w.stop)
			delete(o.workers, id)
			o.spawnWorkerLocked()
			slog.Warn("replaced dead worker", slog.Int("worker_id", id))
		}
		o.mu.Unlock()
		o.monitor.ForgetWorker(id)
	}
}
