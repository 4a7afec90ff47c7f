// Package main provides the outbox relay entry point. It moves section
// events committed to the outbox table onto the broker.
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
	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/internal/config"
	"github.com/drfirst/go-orderwidget/internal/infrastructure/postgres"
	"github.com/drfirst/go-orderwidget/internal/infrastructure/redpanda"
	"github.com/drfirst/go-orderwidget/internal/observability/metrics"
	"github.com/drfirst/go-orderwidget/internal/observability/tracing"
)

const serviceName = "outbox-relay"

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
	defer tp.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		logger.Fatal("broker unreachable", zap.Error(err))
	}
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New()

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	outbox.Start(ctx)
	go cleanup(ctx, outbox, cfg.OutboxRetention, logger)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := outbox.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"outbox":   stats,
			"producer": producer.Stats(),
		})
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("outbox relay started",
		zap.Int("batch_size", outboxCfg.BatchSize),
		zap.Duration("poll_interval", outboxCfg.PollInterval))

	<-ctx.Done()
	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// cleanup prunes relayed entries older than retention once an hour
func cleanup(ctx context.Context, outbox *postgres.Outbox, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := outbox.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox entries pruned", zap.Int64("count", n))
			}
		}
	}
}
