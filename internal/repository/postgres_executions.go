package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iago/dataflow-batch/internal/domain"
)

func (r *PostgresStore) CreateExecution(ctx context.Context, execution domain.RunAttemptSnapshot) error {
	encoded, err := json.Marshal(execution.Parameters)
	if err != nil {
		return fmt.Errorf("encode execution parameters: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO job_executions (
			id,
			job_name,
			processing_request_id,
			parameters,
			status,
			start_time
		) VALUES ($1,$2,$3,$4,$5,$6)
	`,
		execution.ID,
		execution.Key.JobName,
		execution.Key.RequestID,
		encoded,
		string(domain.ExecutionStatusRunning),
		execution.StartTime,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (r *PostgresStore) FinishExecution(ctx context.Context, execution domain.RunAttemptSnapshot) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = $2,
			end_time = $3,
			read_count = $4,
			write_count = $5,
			skip_count = $6,
			filter_count = $7,
			error_message = $8
		WHERE id = $1
	`,
		execution.ID,
		string(execution.Status),
		execution.EndTime,
		execution.Metrics.Read,
		execution.Metrics.Written,
		execution.Metrics.Skipped,
		execution.Metrics.Filtered,
		execution.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const executionColumns = `id::text, job_name, processing_request_id::text, parameters, status, start_time, end_time,
	read_count, write_count, skip_count, filter_count, error_message`

func scanExecution(row pgx.Row) (domain.RunAttemptSnapshot, error) {
	var (
		execution domain.RunAttemptSnapshot
		encoded   []byte
		status    string
		endTime   *time.Time
	)
	err := row.Scan(
		&execution.ID,
		&execution.Key.JobName,
		&execution.Key.RequestID,
		&encoded,
		&status,
		&execution.StartTime,
		&endTime,
		&execution.Metrics.Read,
		&execution.Metrics.Written,
		&execution.Metrics.Skipped,
		&execution.Metrics.Filtered,
		&execution.ErrorMessage,
	)
	if err != nil {
		return domain.RunAttemptSnapshot{}, err
	}
	execution.Status = domain.ExecutionStatus(status)
	execution.EndTime = endTime
	if len(encoded) > 0 {
		if err := json.Unmarshal(encoded, &execution.Parameters); err != nil {
			return domain.RunAttemptSnapshot{}, fmt.Errorf("decode execution parameters: %w", err)
		}
	}
	return execution, nil
}

func (r *PostgresStore) GetExecution(ctx context.Context, executionID string) (domain.RunAttemptSnapshot, error) {
	execution, err := scanExecution(r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM job_executions WHERE id = $1`, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RunAttemptSnapshot{}, ErrNotFound
		}
		return domain.RunAttemptSnapshot{}, fmt.Errorf("query execution: %w", err)
	}
	return execution, nil
}

func (r *PostgresStore) ListRunning(ctx context.Context, jobName string) ([]domain.RunAttemptSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM job_executions
		WHERE status = 'RUNNING' AND ($1 = '' OR job_name = $1)
		ORDER BY start_time
	`, jobName)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	items := make([]domain.RunAttemptSnapshot, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		items = append(items, execution)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate executions: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresStore) CountRunning(ctx context.Context) (int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_executions WHERE status = 'RUNNING'`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count running executions: %w", err)
	}
	return total, nil
}

func (r *PostgresStore) LastExecution(ctx context.Context, key domain.RunKey) (domain.RunAttemptSnapshot, error) {
	execution, err := scanExecution(r.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM job_executions
		WHERE job_name = $1 AND processing_request_id = $2
		ORDER BY start_time DESC
		LIMIT 1
	`, key.JobName, key.RequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RunAttemptSnapshot{}, ErrNotFound
		}
		return domain.RunAttemptSnapshot{}, fmt.Errorf("query last execution: %w", err)
	}
	return execution, nil
}
