package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/agent-billing/config"
	"github.com/vnmchuo/agent-billing/internal/agent"
	"github.com/vnmchuo/agent-billing/internal/analytics"
	"github.com/vnmchuo/agent-billing/internal/api"
	"github.com/vnmchuo/agent-billing/internal/auth"
	"github.com/vnmchuo/agent-billing/internal/billing"
	"github.com/vnmchuo/agent-billing/internal/metrics"
	"github.com/vnmchuo/agent-billing/internal/pricing"
	"github.com/vnmchuo/agent-billing/internal/seeder"
	"github.com/vnmchuo/agent-billing/internal/telemetry"
	"github.com/vnmchuo/agent-billing/internal/worker"
	"github.com/vnmchuo/agent-billing/internal/ws"
	"github.com/vnmchuo/agent-billing/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(telemetry.ServiceName, cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(telemetry.ServiceName)

	// 3. Run migrations and connect PostgreSQL
	ctx := context.Background()
	if cfg.RunMigrations {
		if err := billing.RunMigrations(ctx, cfg.PostgresDSN); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Println("Migrations applied")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init stores
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	billingStore, err := billing.NewCachedStore(billing.NewPostgresStore(pool), cfg.AgentCacheMaxCost, cfg.AgentCacheTTL)
	if err != nil {
		log.Fatalf("failed to init agent cache: %v", err)
	}
	defer billingStore.Close()

	// 6. Seed agents, and a test user if RUN_SEED=true
	agents, err := seeder.SeedAgents(ctx, billingStore)
	if err != nil {
		log.Fatalf("failed to seed agents: %v", err)
	}
	if cfg.RunSeed {
		if _, _, err := seeder.SeedTestUser(ctx, billingStore, authStore); err != nil {
			log.Printf("[Seeder] Skipping test user: %v", err)
		}
	}

	// 7. Build pricing catalog from the agent table
	schedules := make([]pricing.Schedule, 0, len(agents))
	for _, a := range agents {
		schedules = append(schedules, a.Schedule())
	}
	catalog := pricing.NewCatalog(schedules...)
	engine := pricing.NewEngine()
	log.Printf("Pricing catalog loaded with %d agents", catalog.Len())

	// 8. Init metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	// 9. Init worker and live updates
	hub := ws.NewHub()
	dispatcher := agent.Default()
	processor := worker.NewProcessor(
		billingStore, dispatcher, catalog, engine, tracer,
		worker.WithMetrics(recorder),
		worker.WithNotifier(hub),
	)

	// 10. Init handler
	limiter := ratelimit.NewLimiter(rdb, cfg.TaskRateLimitPerMinute)
	handler := api.NewHandler(api.Deps{
		Billing:    billingStore,
		Keys:       authStore,
		Submitter:  processor,
		Agents:     dispatcher,
		KeyCache:   rdb,
		Catalog:    catalog,
		Engine:     engine,
		Aggregator: analytics.NewAggregator(engine),
		Limiter:    limiter,
		Metrics:    recorder,
		Hub:        hub,
		Tracer:     tracer,
	})

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go hub.RunUsageUpdates(bgCtx, cfg.UsageBroadcastInterval, handler.UsageUpdate)

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(telemetry.ServiceName))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"agent-billing"}`))
	})
	r.Handle("/metrics", recorder.Handler())
	handler.Mount(r, authMiddleware)

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Agent billing API starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}

	log.Println("Waiting for in-flight tasks...")
	processor.Wait()
	log.Println("Server stopped")
}
