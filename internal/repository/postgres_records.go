package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iago/dataflow-batch/internal/domain"
)

// WriteChunk inserts a chunk in one transaction. Conflicting
// (request id, external id) pairs are ignored, so replays are no-ops.
func (r *PostgresStore) WriteChunk(ctx context.Context, requestID string, records []domain.ValidatedRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classifyWriteError(fmt.Errorf("begin chunk tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, rec := range records {
		var meta []byte
		if len(rec.Meta) > 0 {
			meta, err = json.Marshal(rec.Meta)
			if err != nil {
				return &domain.StructuralWriteError{Err: fmt.Errorf("encode meta for %s: %w", rec.ExternalID, err)}
			}
		}
		batch.Queue(`
			INSERT INTO import_records (id, processing_request_id, external_id, user_email, amount, event_time, meta)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
			ON CONFLICT (processing_request_id, external_id) DO NOTHING
		`, uuid.NewString(), requestID, rec.ExternalID, rec.Contact, rec.Amount.StringFixed(2), rec.EventTime, meta)
	}

	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return classifyWriteError(fmt.Errorf("insert record: %w", err))
		}
	}
	if err := results.Close(); err != nil {
		return classifyWriteError(fmt.Errorf("close chunk batch: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyWriteError(fmt.Errorf("commit chunk: %w", err))
	}
	return nil
}

func (r *PostgresStore) CountRecords(ctx context.Context, requestID string) (int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM import_records WHERE processing_request_id = $1`, requestID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return total, nil
}

func (r *PostgresStore) SaveSkip(ctx context.Context, record domain.SkipRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO import_errors (processing_request_id, row_num, external_id, reason, raw_line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.RequestID, record.Row, record.ExternalID, record.Reason, record.RawLine, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert import error: %w", err)
	}
	return nil
}

func (r *PostgresStore) ListSkips(ctx context.Context, requestID string, limit int) ([]domain.SkipRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, processing_request_id::text, row_num, external_id, reason, raw_line, created_at
		FROM import_errors
		WHERE processing_request_id = $1
		ORDER BY id
		LIMIT $2
	`, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("list import errors: %w", err)
	}
	defer rows.Close()

	items := make([]domain.SkipRecord, 0)
	for rows.Next() {
		var item domain.SkipRecord
		if err := rows.Scan(&item.ID, &item.RequestID, &item.Row, &item.ExternalID, &item.Reason, &item.RawLine, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan import error: %w", err)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate import errors: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresStore) CountSkips(ctx context.Context, requestID string) (int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM import_errors WHERE processing_request_id = $1`, requestID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count import errors: %w", err)
	}
	return total, nil
}
