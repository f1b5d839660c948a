// Package main is the entrypoint for the SiteScore API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/rankready/sitescore/internal/analyzer"
	"github.com/rankready/sitescore/internal/api"
	"github.com/rankready/sitescore/internal/api/handler"
	mw "github.com/rankready/sitescore/internal/api/middleware"
	"github.com/rankready/sitescore/internal/api/response"
	"github.com/rankready/sitescore/internal/audit"
	"github.com/rankready/sitescore/internal/cache"
	"github.com/rankready/sitescore/internal/config"
	"github.com/rankready/sitescore/internal/crawl"
	"github.com/rankready/sitescore/internal/monitor"
	"github.com/rankready/sitescore/internal/queue"
	"github.com/rankready/sitescore/internal/store"
	"github.com/rankready/sitescore/internal/webhook"
	"github.com/rankready/sitescore/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	ttls := cache.DefaultTTLs()
	if cfg.Cache.ShortTTL > 0 {
		ttls[cache.TierShort] = cfg.Cache.ShortTTL
	}
	if cfg.Cache.MediumTTL > 0 {
		ttls[cache.TierMedium] = cfg.Cache.MediumTTL
	}
	if cfg.Cache.LongTTL > 0 {
		ttls[cache.TierLong] = cfg.Cache.LongTTL
	}

	// 5. Create store
	pgStore := store.NewPostgresStore(pool)

	// 6. Queue manager: one lane per pipeline stage plus periodic cleanup
	queueCfg := func(name string) queue.Config {
		return queue.Config{
			Name:            name,
			Concurrency:     cfg.Queue.ConcurrencyFor(name),
			MaxAttempts:     cfg.Queue.MaxAttempts,
			JobTimeout:      cfg.Queue.JobTimeout,
			StalledInterval: cfg.Queue.StalledInterval,
			Retention:       cfg.Queue.Retention,
		}
	}
	mgr := queue.NewManager([]queue.Config{
		queueCfg(queue.QueueCrawl),
		queueCfg(queue.QueueAnalysis),
		queueCfg(queue.QueueNotification),
		queueCfg(queue.QueueCleanup),
	}, redisCache)

	// 7. WebSocket hub for live audit progress
	hub := ws.NewHub()
	go hub.Run(ctx)

	// 8. Webhook dispatcher
	dispatcher := webhook.NewDispatcher(pgStore,
		webhook.WithMaxAttempts(cfg.Webhook.MaxAttempts),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout}),
	)

	// 9. Audit pipeline
	fetcher := crawl.NewHTTPFetcher(
		crawl.WithTimeout(cfg.Crawl.Timeout),
		crawl.WithUserAgent(cfg.Crawl.UserAgent),
		crawl.WithMaxBodySize(cfg.Crawl.MaxBodySize),
	)
	svc := audit.NewService(pgStore, redisCache, mgr, fetcher, analyzer.DefaultRegistry(),
		audit.WithPublisher(hub),
		audit.WithNotifier(dispatcher),
		audit.WithTTLs(ttls),
	)
	if err := svc.RegisterHandlers(); err != nil {
		return fmt.Errorf("register queue handlers: %w", err)
	}

	// The cleanup lane bounds the HTTP response cache; result and rate-limit
	// keys carry their own TTLs and expire on their own.
	if err := mgr.RegisterHandler(queue.QueueCleanup, func(ctx context.Context, _ *queue.Job) error {
		n, err := redisCache.DeletePattern(ctx, "http:*")
		if err != nil {
			return err
		}
		slog.Info("http cache swept", "deleted", n)
		return nil
	}); err != nil {
		return fmt.Errorf("register cleanup handler: %w", err)
	}
	if _, err := mgr.Schedule("http-cache-sweep", "0 * * * *", queue.QueueCleanup, nil); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start queue manager: %w", err)
	}

	// 10. Monitoring
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mon := monitor.New(pgStore, []monitor.Threshold{
		{
			Name:     "queue backlog",
			Metric:   "queue_depth",
			Warning:  cfg.Monitor.QueueDepthWarning,
			Critical: cfg.Monitor.QueueDepthCritical,
		},
		{
			Name:     "job failure rate",
			Metric:   "failure_rate",
			Warning:  cfg.Monitor.FailureRateWarning,
			Critical: cfg.Monitor.FailureRateCritical,
		},
		{
			Name:         "cache hit rate",
			Metric:       "cache_hit_rate",
			Warning:      cfg.Monitor.CacheHitRateWarning,
			Critical:     cfg.Monitor.CacheHitRateCritical,
			LowerIsWorse: true,
		},
	},
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithNotifier(dispatcher),
		monitor.WithCollectors(monitor.NewCollectors(promReg)),
	)
	mon.AddSource(func(ctx context.Context) map[string]float64 {
		var depth, completed, failed int
		for _, c := range mgr.Counts() {
			depth += c.Waiting + c.Delayed
			completed += c.Completed
			failed += c.Failed
		}
		vals := map[string]float64{"queue_depth": float64(depth)}
		if done := completed + failed; done > 0 {
			vals["failure_rate"] = float64(failed) / float64(done)
		}
		return vals
	})
	mon.AddSource(func(ctx context.Context) map[string]float64 {
		vals := map[string]float64{"ws_clients": float64(hub.ClientCount())}
		stats := redisCache.Stats()
		// No hit rate until the cache has seen traffic
		if stats.Hits+stats.Misses > 0 {
			vals["cache_hit_rate"] = stats.HitRate()
		}
		return vals
	})
	go mon.Run(ctx)

	// 11. Build router with dependencies
	auth := mw.NewAuth(pgStore, redisCache)
	rateLimit := mw.NewRateLimit(redisCache, 60)
	httpCache := cache.NewHTTPCache(redisCache, ttls.TTL(cache.TierShort))

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,
		HTTPCache: httpCache.Wrap,

		HealthHandler: healthHandler(pgStore, redisCache, mgr),
		WSHandler:     hub,
		Metrics:       promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),

		SubmitAuditHandler:  handler.NewSubmitAuditHandler(svc),
		GetAuditHandler:     handler.NewGetAuditHandler(svc),
		LatestResultHandler: handler.NewLatestResultHandler(svc),

		CacheStatsHandler:      handler.NewCacheStatsHandler(redisCache),
		ResetCacheStatsHandler: handler.NewResetCacheStatsHandler(redisCache),
		InvalidateCacheHandler: handler.NewInvalidateCacheHandler(redisCache),
		QueuesHandler:          handler.NewQueuesHandler(mgr),
		AlertsHandler:          handler.NewAlertsHandler(pgStore),
		RecentAuditsHandler:    handler.NewRecentAuditsHandler(pgStore),
		CreateWebhookHandler:   handler.NewCreateWebhookHandler(pgStore),
		ListWebhooksHandler:    handler.NewListWebhooksHandler(pgStore),
		CreateKeyHandler:       handler.NewCreateKeyHandler(pgStore, hashKey),
		ListKeysHandler:        handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:       handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 12. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout: stop accepting requests, drain the
	// queues, then let in-flight webhook deliveries finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("queue shutdown: %w", err)
	}
	dispatcher.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

func hashKey(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// queueInspector is the slice of the queue manager health reporting needs.
type queueInspector interface {
	Counts() map[string]queue.Counts
}

// healthHandler checks database and cache connectivity and reports queue
// counts alongside.
func healthHandler(s store.Store, c cache.Cache, q queueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
			"queues":   q.Counts(),
		})
	}
}
