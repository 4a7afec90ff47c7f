// Package sqlite is a file-backed order history source for offline
// evaluation with orderctl.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

const schema = `CREATE TABLE IF NOT EXISTS order_history (
	patient_id TEXT NOT NULL,
	concept_id TEXT NOT NULL,
	position   INTEGER NOT NULL,
	order_id   TEXT NOT NULL,
	record     BLOB NOT NULL,
	PRIMARY KEY (patient_id, concept_id, position)
)`

// HistoryStore keeps order records as JSON blobs
type HistoryStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a second connection to ":memory:" would see an empty database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create order_history: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close closes the database
func (s *HistoryStore) Close() error { return s.db.Close() }

// History returns the stored history of one orderable, in stored order
func (s *HistoryStore) History(ctx context.Context, patientID, conceptID string) (order.History, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM order_history WHERE patient_id = ? AND concept_id = ? ORDER BY position`,
		patientID, conceptID)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history order.History
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var rec order.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// Concepts lists the orderables with stored history for a patient
func (s *HistoryStore) Concepts(ctx context.Context, patientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT concept_id FROM order_history WHERE patient_id = ? ORDER BY concept_id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("select concepts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var concepts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

// Append stores records after the existing history of the orderable
func (s *HistoryStore) Append(ctx context.Context, patientID, conceptID string, records ...order.Record) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM order_history WHERE patient_id = ? AND concept_id = ?`,
		patientID, conceptID).Scan(&next); err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO order_history (patient_id, concept_id, position, order_id, record) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.OrderID, err)
		}
		if _, err := stmt.ExecContext(ctx, patientID, conceptID, next+i, rec.OrderID, raw); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.OrderID, err)
		}
	}
	return tx.Commit()
}
