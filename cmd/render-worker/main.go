// Package main provides the render worker entry point.
// Consumes render requests and publishes plans, orderable views and action
// lists for widgets that render asynchronously.
package main

import (
	"context"
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
	"github.com/drfirst/go-orderwidget/internal/render"
	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
	"github.com/drfirst/go-orderwidget/pkg/idempotency"
	"github.com/drfirst/go-orderwidget/pkg/workerpool"
)

const serviceName = "render-worker"

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

	if cfg.DBMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	defer admin.Close()

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	cbCfg := circuitbreaker.DefaultConfig("render-plans")
	cbCfg.OnStateChange = m.BreakerStateChanged
	publishBreaker, err := circuitbreaker.New(cbCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxStore := idempotency.NewPGStore(pool)
	inbox := idempotency.NewInbox(inboxStore, inboxCfg, logger)
	go idempotency.RunCleanup(ctx, inboxStore, inboxCfg.CleanupInterval, logger)

	svc := render.NewService(render.Options{
		Rules:     cfg.Rules,
		Histories: postgres.NewHistoryStore(pool),
		Observer:  m,
		Logger:    logger,
	})
	worker := render.NewWorker(svc, producer, inbox, publishBreaker, m, render.WorkerConfig{
		RequestTopic:    redpanda.TopicRenderRequests,
		PlanTopic:       redpanda.TopicRenderPlans,
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.QueueSize = cfg.QueueSize
	poolCfg.Retryable = render.Retryable

	workers, err := workerpool.New(poolCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) (struct{}, error) {
		return struct{}{}, worker.Process(ctx, msg.Key, msg.Value)
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	if cfg.ConsumerGroup != "" {
		consumerCfg.GroupID = cfg.ConsumerGroup
	}
	consumerCfg.OnFailure = func(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) {
		if err := worker.Abandon(ctx, msg.Key, msg.Value, cause); err != nil {
			logger.Error("dead letter failed", zap.String("request_id", msg.RequestID()), zap.Error(err))
		}
	}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		res, err := workers.SubmitWait(ctx, msg.RequestID(), msg)
		if err != nil {
			return err
		}
		return res.Err
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           opsRouter(pool.Ping, workers.IsHealthy, m, publishBreaker),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("render worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", poolCfg.Workers))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := workers.Stop(); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if lag, err := admin.GroupLag(shutdownCtx, consumerCfg.GroupID); err == nil {
		logger.Info("consumer lag at shutdown", zap.Any("lag", lag))
	}
	logger.Info("render worker stopped")
}

func opsRouter(ping func(context.Context) error, healthy func() bool, m *metrics.Metrics, breakers ...*circuitbreaker.CircuitBreaker) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy() {
			http.Error(w, "worker pool saturated", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		for _, h := range circuitbreaker.Health(breakers...) {
			if !h.Healthy {
				http.Error(w, h.Name+" breaker open", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())
	return r
}
