// Package postgres holds the PostgreSQL adapters: the order history store and
// the transactional outbox that feeds section events to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID serialises relays across replicas.
const relayLockID int64 = 0x6f7264657277 // "orderw"

// OutboxEntry is one event waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig configures the relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries before an entry is moved to the dead letter topic
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// DeadLetterEvery is how many polls pass between dead letter sweeps
	DeadLetterEvery int
}

// DefaultOutboxConfig returns relay defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		DeadLetterEvery: 50,
	}
}

// Publisher publishes one outbox entry
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// HeaderPublisher is a Publisher that can attach record headers. Entries
// relayed through one carry their event type and aggregate id.
type HeaderPublisher interface {
	PublishWithHeaders(ctx context.Context, topic, key string, headers map[string]string, value []byte) error
}

const (
	headerEventType   = "x-event-type"
	headerAggregateID = "x-aggregate-id"
)

// OutboxMetrics receives relay counters. Nil disables them.
type OutboxMetrics interface {
	OutboxPublished(topic string)
	OutboxFailed(topic string)
	OutboxPending(n int64)
}

// Outbox relays unprocessed entries to the broker
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	metrics   OutboxMetrics
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates an outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, metrics OutboxMetrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts entry using tx, so it commits with the domain change.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start runs the relay loop until Stop or ctx is done
func (o *Outbox) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	go o.run(ctx)
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the in-flight batch to finish
func (o *Outbox) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.relayBatch(ctx)
			polls++
			if o.config.DeadLetterEvery > 0 && polls%o.config.DeadLetterEvery == 0 {
				if n, err := o.MoveToDeadLetter(ctx); err != nil {
					o.logger.Error("dead letter sweep failed", zap.Error(err))
				} else if n > 0 {
					o.logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
				}
			}
		}
	}
}

// relayBatch publishes one batch while holding the relay lock on a single
// connection. Only one replica relays at a time.
func (o *Outbox) relayBatch(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", relayLockID); err != nil {
			o.logger.Warn("failed to release relay lock", zap.Error(err))
		}
	}()

	entries, err := o.fetchPending(ctx, conn)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.relay(ctx, conn, entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}

	if o.metrics != nil {
		var pending int64
		if err := conn.QueryRow(ctx,
			"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1",
			o.config.MaxRetries).Scan(&pending); err == nil {
			o.metrics.OutboxPending(pending)
		}
	}
}

func (o *Outbox) fetchPending(ctx context.Context, conn *pgxpool.Conn) ([]*OutboxEntry, error) {
	rows, err := conn.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2`,
		o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) relay(ctx context.Context, conn *pgxpool.Conn, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publish(ctx, entry); err != nil {
		if o.metrics != nil {
			o.metrics.OutboxFailed(entry.KafkaTopic)
		}
		if _, uerr := conn.Exec(ctx,
			"UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2",
			err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to record relay failure", zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := conn.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	if o.metrics != nil {
		o.metrics.OutboxPublished(entry.KafkaTopic)
	}
	return nil
}

func (o *Outbox) publish(ctx context.Context, entry *OutboxEntry) error {
	if hp, ok := o.publisher.(HeaderPublisher); ok {
		return hp.PublishWithHeaders(ctx, entry.KafkaTopic, entry.KafkaKey, map[string]string{
			headerEventType:   entry.EventType,
			headerAggregateID: entry.AggregateID,
		}, entry.Payload)
	}
	return o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload)
}

// DeadLetter is the envelope published for an entry that exhausted retries
type DeadLetter struct {
	OriginalTopic string          `json:"originalTopic"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retryCount"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewDeadLetter wraps entry for the dead letter topic
func NewDeadLetter(entry *OutboxEntry) DeadLetter {
	return DeadLetter{
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		LastError:     entry.LastError,
		CreatedAt:     entry.CreatedAt,
	}
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and
// marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1`,
		o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan failed: %w", err)
	}

	var moved int64
	for _, entry := range entries {
		payload, err := json.Marshal(NewDeadLetter(entry))
		if err != nil {
			continue
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.KafkaKey, payload); err != nil {
			o.logger.Error("failed to publish dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead letter entry", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// OutboxStats summarises the outbox table
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed24h  int64      `json:"processed24h"`
	Exhausted     int64      `json:"exhausted"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
}

// Stats returns current outbox statistics
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries,
	).Scan(&stats.Pending, &stats.Processed24h, &stats.Exhausted, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

// CleanupProcessed deletes entries processed before olderThan ago
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx,
		"DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1",
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}
