// Package redpanda carries render requests, render plans and section events
// over Redpanda with franz-go.
package redpanda

import (
	"context"
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

// ProducerConfig configures a Producer
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Compression is one of lz4, snappy, zstd or none
	Compression string
	// LeaderAckOnly trades durability for latency; idempotent writes are
	// disabled with it.
	LeaderAckOnly bool
	Retries       int
	RetryBackoff  time.Duration
}

// DefaultProducerConfig returns defaults tuned for small render plans
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Linger:       10 * time.Millisecond,
		Compression:  "lz4",
		Retries:      3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

var codecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"zstd":   kgo.ZstdCompression(),
	"none":   kgo.NoCompression(),
}

// Message is one record to produce
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Producer publishes render plans, dead letters and section events
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	stats ProducerStats
}

// ProducerStats counts produce outcomes
type ProducerStats struct {
	MessagesSent int64
	ErrorCount   int64
}

// NewProducer creates a producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.Retries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	}
	if cfg.LeaderAckOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if cfg.Compression != "" {
		codec, ok := codecs[cfg.Compression]
		if !ok {
			return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
		}
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create producer client: %w", err)
	}
	return &Producer{client: client, logger: logger, tracer: otel.Tracer("redpanda-producer")}, nil
}

// Publish sends one record and waits for the ack
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.Produce(ctx, Message{Topic: topic, Key: key, Value: value})
}

// PublishWithHeaders is Publish with record headers
func (p *Producer) PublishWithHeaders(ctx context.Context, topic, key string, headers map[string]string, value []byte) error {
	return p.Produce(ctx, Message{Topic: topic, Key: key, Value: value, Headers: headers})
}

// Produce sends msg synchronously. The caller's trace context travels in the
// record headers.
func (p *Producer) Produce(ctx context.Context, msg Message) error {
	ctx, span := p.tracer.Start(ctx, "publish "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.kafka.message.key", msg.Key),
			attribute.Int("messaging.message.body.size", len(msg.Value)),
		))
	defer span.End()

	rec := &kgo.Record{Topic: msg.Topic, Key: []byte(msg.Key), Value: msg.Value}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	injectTraceHeaders(ctx, rec)

	err := p.client.ProduceSync(ctx, rec).FirstErr()
	p.record(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		p.logger.Error("produce failed",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes buffered records and closes the client
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters
func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Producer) record(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.stats.MessagesSent++
	} else {
		p.stats.ErrorCount++
	}
}
