package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

// HistoryStore reads order history written by the owning order service.
// Records are kept as the widget JSON they are rendered from.
type HistoryStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewHistoryStore creates a history store
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool, tracer: otel.Tracer("history-store")}
}

// History returns the stored history of one orderable for a patient, in
// stored order.
func (s *HistoryStore) History(ctx context.Context, patientID, conceptID string) (order.History, error) {
	ctx, span := s.tracer.Start(ctx, "history_load",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("concept_id", conceptID),
		))
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT record
		FROM order_history
		WHERE patient_id = $1 AND concept_id = $2
		ORDER BY position ASC`,
		patientID, conceptID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query history: %w", err)
	}

	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Record, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return order.Record{}, err
		}
		var rec order.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return order.Record{}, fmt.Errorf("decode record: %w", err)
		}
		return rec, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scan history: %w", err)
	}

	span.SetAttributes(attribute.Int("records", len(history)))
	return order.History(history), nil
}

// Append stores records after the existing history of the orderable. It is
// used by fixtures and the CLI import; the render path never writes.
func (s *HistoryStore) Append(ctx context.Context, patientID, conceptID string, records ...order.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(position), -1) + 1 FROM order_history WHERE patient_id = $1 AND concept_id = $2",
		patientID, conceptID).Scan(&next); err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	batch := &pgx.Batch{}
	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.OrderID, err)
		}
		batch.Queue(`
			INSERT INTO order_history (patient_id, concept_id, position, order_id, record)
			VALUES ($1, $2, $3, $4, $5)`,
			patientID, conceptID, next+i, rec.OrderID, raw)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return tx.Commit(ctx)
}
