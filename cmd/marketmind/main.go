package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/StrataBot/MarketMind/internal/adapter/analyst"
	mmhttp "github.com/StrataBot/MarketMind/internal/adapter/http"
	mmnats "github.com/StrataBot/MarketMind/internal/adapter/nats"
	mmotel "github.com/StrataBot/MarketMind/internal/adapter/otel"
	"github.com/StrataBot/MarketMind/internal/adapter/postgres"
	"github.com/StrataBot/MarketMind/internal/adapter/ristretto"
	"github.com/StrataBot/MarketMind/internal/adapter/ws"
	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/logger"
	"github.com/StrataBot/MarketMind/internal/middleware"
	"github.com/StrataBot/MarketMind/internal/resilience"
	"github.com/StrataBot/MarketMind/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logClose := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logClose.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_active_tasks", cfg.Scheduler.MaxActiveTasks,
	)

	ctx := context.Background()

	// --- Observability ---
	otelShutdown, err := mmotel.Setup(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := mmotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := mmnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	cache, err := ristretto.New(cfg.Cache.MaxSizeMB<<20, cfg.Cache.SnapshotTTL)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	// --- Agent capabilities ---
	analystClient := analyst.NewClient(cfg.Analyst)
	analystClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	analyst.Register(analystClient)

	// --- Services ---
	store := postgres.NewStore(pool)
	streamer := service.NewStreamer(cfg.Stream)
	streamer.SetMetrics(metrics)
	ledger := service.NewCostLedger(store, cfg.Budget)
	runnerPool := service.NewRunnerPool(cfg.Runner, streamer, ledger)
	runnerPool.SetMetrics(metrics)
	scheduler := service.NewScheduler(runnerPool, streamer, ledger)
	scheduler.SetMetrics(metrics)

	manager, err := service.NewManager(cfg.Scheduler, scheduler, streamer, ledger, store, queue, cache)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	manager.SetMetrics(metrics)

	// --- HTTP ---
	handlers := mmhttp.NewHandlers(manager, ledger)
	wsHandler := ws.NewHandler(streamer, manager, cfg.Stream)

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(mmhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(mmhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mmotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(limiter.Handler)

	r.Get("/health", healthHandler(cfg, manager))
	r.Get("/ws/tasks/{id}", wsHandler.HandleTask)
	mmhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("manager shutdown", "error", err)
	}
	streamer.Close()

	return nil
}

// healthHandler returns an http.HandlerFunc that reports service health and
// the configured connectivity targets.
func healthHandler(cfg *config.Config, manager *service.Manager) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		ActiveTasks int    `json:"active_tasks"`
		Postgres    string `json:"postgres"`
		NATS        string `json:"nats"`
		Analyst     string `json:"analyst"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:      "ok",
			ActiveTasks: manager.ActiveCount(),
			Postgres:    cfg.Postgres.DSN,
			NATS:        cfg.NATS.URL,
			Analyst:     cfg.Analyst.URL,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
