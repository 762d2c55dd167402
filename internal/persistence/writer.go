package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ProcessedEventRow represents a row in ingest.processed_events.
type ProcessedEventRow struct {
	EventType      string
	IdempotencyKey string
	MarketID       string
	SourceSequence int64
	ProcessedAt    time.Time
}

// ProcessedEventWriter records processed idempotency keys using batch
// inserts. Writes are idempotent: a key already present is skipped.
type ProcessedEventWriter struct {
	db *sql.DB
}

func NewProcessedEventWriter(db *sql.DB) *ProcessedEventWriter {
	return &ProcessedEventWriter{db: db}
}

// WriteBatch writes rows with a single multi-row INSERT.
func (w *ProcessedEventWriter) WriteBatch(ctx context.Context, rows []ProcessedEventRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := buildInsert(rows)
	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// Prune deletes keys processed before cutoff and returns how many were removed.
func (w *ProcessedEventWriter) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, `DELETE FROM ingest.processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildInsert(rows []ProcessedEventRow) (string, []interface{}) {
	const cols = 5

	query := `INSERT INTO ingest.processed_events
		(event_type, idempotency_key, market_id, source_sequence, processed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, r := range rows {
		base := i * cols
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, r.EventType, r.IdempotencyKey, r.MarketID, r.SourceSequence, r.ProcessedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_type, idempotency_key) DO NOTHING"
	return query, args
}
