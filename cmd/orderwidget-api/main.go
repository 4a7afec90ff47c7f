// Package main provides the order widget render API entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/internal/api/handlers"
	"github.com/drfirst/go-orderwidget/internal/api/middleware"
	"github.com/drfirst/go-orderwidget/internal/config"
	"github.com/drfirst/go-orderwidget/internal/domain/section"
	"github.com/drfirst/go-orderwidget/internal/infrastructure/postgres"
	"github.com/drfirst/go-orderwidget/internal/observability/metrics"
	"github.com/drfirst/go-orderwidget/internal/observability/tracing"
	"github.com/drfirst/go-orderwidget/internal/render"
	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
)

const serviceName = "orderwidget-api"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSample
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.DBMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	m := metrics.New()

	cbCfg := circuitbreaker.DefaultConfig("order-history")
	cbCfg.OnStateChange = m.BreakerStateChanged
	historyBreaker, err := circuitbreaker.New(cbCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	svc := render.NewService(render.Options{
		Rules:     cfg.Rules,
		Histories: postgres.NewHistoryStore(pool),
		Breaker:   historyBreaker,
		Observer:  m,
		Logger:    logger,
	})
	renderHandler := handlers.NewRenderHandler(svc, logger)
	sectionHandler := handlers.NewSectionHandler(section.NewRepository(pool, logger), svc, m, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, m))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"rules":    svc.Rules().String(),
			"breakers": circuitbreaker.Health(historyBreaker),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/sections", sectionHandler.Routes())
		renderHandler.Register(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting order widget API",
		zap.String("port", cfg.Port),
		zap.String("rules", svc.Rules().String()),
		zap.Bool("auth", len(cfg.APIKeys) > 0))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}
