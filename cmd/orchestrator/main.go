// Command orchestrator starts the scraping control plane: command
// consumer, worker set, protection registries, and the admin HTTP
// channel.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/scrapehub/internal/adapter/bus/kafka"
	"github.com/fairyhunter13/scrapehub/internal/adapter/httpadmin"
	"github.com/fairyhunter13/scrapehub/internal/adapter/scraper"
	"github.com/fairyhunter13/scrapehub/internal/adapter/settings"
	"github.com/fairyhunter13/scrapehub/internal/breaker"
	"github.com/fairyhunter13/scrapehub/internal/config"
	"github.com/fairyhunter13/scrapehub/internal/health"
	"github.com/fairyhunter13/scrapehub/internal/observability"
	"github.com/fairyhunter13/scrapehub/internal/orchestrator"
	"github.com/fairyhunter13/scrapehub/internal/pool"
	"github.com/fairyhunter13/scrapehub/internal/quota"
	"github.com/fairyhunter13/scrapehub/internal/ratelimit"
)

const quotaSyncInterval = 30 * time.Second

func main() {
	hashPassword := flag.String("hash-password", "", "print the Argon2id hash for an admin password and exit")
	flag.Parse()
	if *hashPassword != "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			panic(err)
		}
		fmt.Println(httpadmin.HashPassword(*hashPassword, salt, httpadmin.Argon2Params{
			Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLen: 16, KeyLen: 32,
		}))
		return
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Settings store: Redis, optionally mirrored to Postgres.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	var pgPool *pgxpool.Pool
	if cfg.DBURL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
		if err != nil {
			slog.Error("postgres config parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
		pgPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("postgres connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pgPool.Close()
	}
	store := settings.NewRedisStore(rdb, pgPool, cfg.SettingsNS)
	if pgPool != nil {
		if err := store.WarmFromPostgres(ctx); err != nil {
			slog.Warn("settings warm from postgres failed", slog.Any("error", err))
		}
	}

	// Protection registries.
	guard := quota.NewGuard(quota.Config{
		MonthlyQuota:  cfg.MeteredMonthlyQuota,
		FreeTierMode:  cfg.MeteredFreeTierMode,
		HighValueOnly: cfg.MeteredHighValueOnly,
	}, store)
	if err := guard.Load(ctx); err != nil {
		slog.Warn("quota ledger load failed, starting from config", slog.Any("error", err))
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		RecoveryTimeout:  cfg.CircuitRecoveryTimeout,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
	})
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		WindowLimit:       cfg.RateLimitPerDomain,
		Window:            cfg.RateLimitWindow,
		TargetSuccessRate: 0.95,
		Adaptive:          cfg.AdaptiveRateLimiting,
	})

	// Scraper pools.
	factory := scraper.NewFactory(scraper.Endpoints{
		MeteredBase:    cfg.MeteredAPIBase,
		MeteredAPIKey:  cfg.MeteredAPIKey,
		GovernmentBase: cfg.GovernmentAPIBase,
		RenderService:  cfg.RenderServiceURL,
	})
	pools, err := pool.NewSet(cfg.ScraperPoolSizes, cfg.PoolAcquireTimeout, factory)
	if err != nil {
		slog.Error("pool setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Event bus.
	bus, err := kafka.NewPublisher(cfg.KafkaBrokers, kafka.Topics{
		Jobs:       cfg.JobsTopic,
		Events:     cfg.EventsTopic,
		Enrichment: cfg.EnrichTopic,
		DLQ:        cfg.DLQTopic,
	}, cfg.OTELServiceName)
	if err != nil {
		slog.Error("kafka publisher connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	// Health monitor actions close over the orchestrator; the monitor
	// only starts ticking inside orch.Start, after orch is assigned.
	var orch *orchestrator.Orchestrator
	monitor := health.NewMonitor(cfg.HealthTickInterval, health.Actions{
		WidenDelays: limiter.WidenDelays,
		RotateProxies: func() {
			_ = bus.PublishLifecycle(ctx, kafka.EventProxyRotation, map[string]any{
				"reason": "success rate anomaly",
			})
		},
		ScaleDown: func() { orch.ScaleDown() },
		OpenAllCircuits: func(cooldown time.Duration) { orch.OpenAllCircuits(cooldown) },
		Anomaly: func(metric string, severity health.Severity, z, value float64) {
			_ = bus.PublishLifecycle(ctx, kafka.EventAnomalyDetected, map[string]any{
				"metric":   metric,
				"severity": string(severity),
				"z_score":  z,
				"value":    value,
			})
		},
	})

	orch = orchestrator.New(cfg, pools, breakers, limiter, guard, bus, monitor)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	orch.Start(runCtx)

	// Command consumer.
	consumer, err := kafka.NewCommandConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, cfg.CommandTopic, orch.HandleCommand)
	if err != nil {
		slog.Error("kafka consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := consumer.Run(runCtx); err != nil {
			slog.Error("command consumer stopped", slog.Any("error", err))
		}
	}()

	// Persist the quota ledger periodically and at shutdown.
	go func() {
		ticker := time.NewTicker(quotaSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := guard.Sync(ctx); err != nil {
					slog.Warn("quota ledger sync failed", slog.Any("error", err))
				}
			}
		}
	}()

	// Admin HTTP channel.
	admin := httpadmin.New(cfg, orch)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           admin.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	consumer.Close()
	orch.Stop()
	if err := guard.Sync(shutdownCtx); err != nil {
		slog.Warn("final quota ledger sync failed", slog.Any("error", err))
	}
}
