package section

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/internal/infrastructure/postgres"
	"github.com/drfirst/go-orderwidget/internal/infrastructure/redpanda"
)

// Repository provides event sourcing persistence for order sections
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save persists new events for an aggregate together with their outbox
// entries.
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, event := range changes {
		event.Version = agg.Version() - len(changes) + i + 1
		if err := insertEvent(ctx, tx, event); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: section %s v%d", ErrConcurrentModification, agg.ID(), event.Version)
			}
			return fmt.Errorf("insert %s v%d: %w", event.EventType, event.Version, err)
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicSectionEvents,
			KafkaKey:      event.AggregateID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("section events saved",
		zap.String("section_id", agg.ID()),
		zap.Int("events", len(changes)),
		zap.Int("version", agg.Version()))
	agg.ClearChanges()
	return nil
}

// uniqueViolation is the SQLSTATE of a duplicate (aggregate_id, version).
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO order_section_events
		(id, aggregate_id, event_type, event_data, version, timestamp, encounter_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.EncounterID,
		event.CorrelationID,
	)
	return err
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, fmt.Errorf("replay section %s: %w", id, err)
	}
	return agg, nil
}

// GetEvents retrieves all events for an aggregate
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       encounter_id, correlation_id
		FROM order_section_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query section events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.EncounterID, &e.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan section event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
