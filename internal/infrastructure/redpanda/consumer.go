package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures a group consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// FromLatest starts a new group at the end of the topics instead of the
	// beginning.
	FromLatest bool

	// OnFailure receives records whose handler returned an error. The record
	// is committed either way; a nil OnFailure only logs it.
	OnFailure FailureHandler
}

// DefaultConsumerConfig returns defaults for the render worker
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "orderwidget-render-worker",
		Topics:            []string{TopicRenderRequests},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     16 << 20,
	}
}

// MessageHandler handles one consumed record
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// FailureHandler is told about a record the MessageHandler gave up on
type FailureHandler func(ctx context.Context, msg *ConsumedMessage, cause error)

// ConsumedMessage is a record as seen by handlers
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// RequestID returns the request id header, falling back to the key
func (m *ConsumedMessage) RequestID() string {
	if id := m.Headers[HeaderRequestID]; id != "" {
		return id
	}
	return string(m.Key)
}

// Consumer polls its topics and hands each record to a MessageHandler in
// partition order. Offsets are marked once a record is handled or passed to
// OnFailure and committed after every poll.
type Consumer struct {
	client    *kgo.Client
	handle    MessageHandler
	onFailure FailureHandler
	logger    *zap.Logger
	tracer    trace.Tracer

	stop context.CancelFunc
	ctx  context.Context
	done chan struct{}

	mu    sync.Mutex
	stats ConsumerStats
}

// ConsumerStats counts handled records
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
}

// NewConsumer creates a consumer; Start begins polling
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.FromLatest {
		reset = kgo.NewOffset().AtEnd()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Consumer{
		client:    client,
		handle:    handler,
		onFailure: cfg.OnFailure,
		logger:    logger.With(zap.String("group", cfg.GroupID)),
		tracer:    otel.Tracer("redpanda-consumer"),
		stop:      stop,
		ctx:       ctx,
		done:      make(chan struct{}),
	}, nil
}

// Start begins polling in the background
func (c *Consumer) Start() {
	go c.run()
}

// Stop waits for the record in flight, commits and closes the client
func (c *Consumer) Stop() error {
	c.stop()
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("final commit: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Consumer) run() {
	defer close(c.done)

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.record(false)
		})
		fetches.EachRecord(c.consume)

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("commit failed", zap.Error(err))
		}
	}
}

func (c *Consumer) consume(rec *kgo.Record) {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, rec), "consume "+rec.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.Int64("messaging.kafka.partition", int64(rec.Partition)),
			attribute.Int64("messaging.kafka.offset", rec.Offset),
		))
	defer span.End()

	msg := toMessage(rec)
	err := c.handle(ctx, msg)
	c.record(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.logger.Error("message handler failed",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.String("request_id", msg.RequestID()),
			zap.Error(err))
		if c.onFailure != nil {
			c.onFailure(ctx, msg, err)
		}
	}
	c.client.MarkCommitRecords(rec)
}

func (c *Consumer) record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.stats.MessagesRead++
	} else {
		c.stats.ErrorCount++
	}
}

func toMessage(rec *kgo.Record) *ConsumedMessage {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &ConsumedMessage{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}
}
