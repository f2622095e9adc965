package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/dataflow-batch/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (r *PostgresStore) Close() {
	r.pool.Close()
}

// EnsureSchema creates the tables and indexes when they do not exist.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, statement := range strings.Split(schemaSQL, ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		if _, err := r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresStore) SaveJobConfig(ctx context.Context, cfg domain.JobConfig) error {
	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_configs (
			id,
			name,
			description,
			chunk_size,
			reader_kind,
			writer_kind,
			allow_restart,
			active,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (name) DO NOTHING
	`,
		cfg.ID,
		cfg.Name,
		cfg.Description,
		cfg.ChunkSize,
		string(cfg.Reader),
		string(cfg.Writer),
		cfg.AllowRestart,
		cfg.Active,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert job config: %w", err)
	}
	return nil
}

const jobConfigColumns = `jc.id::text, jc.name, jc.description, jc.chunk_size, jc.reader_kind, jc.writer_kind, jc.allow_restart, jc.active, jc.created_at`

func scanJobConfig(row pgx.Row, extra ...any) (domain.JobConfig, error) {
	var (
		cfg    domain.JobConfig
		reader string
		writer string
	)
	dest := []any{&cfg.ID, &cfg.Name, &cfg.Description, &cfg.ChunkSize, &reader, &writer, &cfg.AllowRestart, &cfg.Active, &cfg.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.JobConfig{}, err
	}
	cfg.Reader = domain.ReaderKind(reader)
	cfg.Writer = domain.WriterKind(writer)
	return cfg, nil
}

func (r *PostgresStore) GetJobConfig(ctx context.Context, name string) (domain.JobConfig, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobConfigColumns+` FROM job_configs jc WHERE jc.name = $1`, name)
	cfg, err := scanJobConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobConfig{}, ErrNotFound
		}
		return domain.JobConfig{}, fmt.Errorf("query job config: %w", err)
	}
	return cfg, nil
}

func (r *PostgresStore) ListJobConfigs(ctx context.Context) ([]domain.JobConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobConfigColumns+` FROM job_configs jc ORDER BY jc.name`)
	if err != nil {
		return nil, fmt.Errorf("list job configs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.JobConfig, 0)
	for rows.Next() {
		cfg, err := scanJobConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job config: %w", err)
		}
		items = append(items, cfg)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate job configs: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresStore) CreateRequest(ctx context.Context, request *domain.ProcessingRequest) error {
	params := request.Params()
	encoded, err := json.Marshal(params.Parameters)
	if err != nil {
		return fmt.Errorf("encode request parameters: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO processing_requests (
			id,
			title,
			source_file_id,
			storage_path,
			parameters,
			status,
			job_config_id,
			requested_by,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		params.ID,
		params.Title,
		params.Source.ID,
		params.Source.StoragePath,
		encoded,
		string(request.Status()),
		params.JobConfig.ID,
		params.RequestedBy,
		params.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert processing request: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetRequest(ctx context.Context, requestID string) (*domain.ProcessingRequest, error) {
	var (
		params  domain.ProcessingRequestParams
		status  string
		encoded []byte
	)
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobConfigColumns+`,
			pr.id::text, pr.title, pr.source_file_id, pr.storage_path, pr.parameters, pr.status, pr.requested_by, pr.created_at
		FROM processing_requests pr
		JOIN job_configs jc ON jc.id = pr.job_config_id
		WHERE pr.id = $1
	`, requestID)
	cfg, err := scanJobConfig(row,
		&params.ID,
		&params.Title,
		&params.Source.ID,
		&params.Source.StoragePath,
		&encoded,
		&status,
		&params.RequestedBy,
		&params.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query processing request: %w", err)
	}
	params.JobConfig = cfg
	if len(encoded) > 0 {
		if err := json.Unmarshal(encoded, &params.Parameters); err != nil {
			return nil, fmt.Errorf("decode request parameters: %w", err)
		}
	}
	return domain.RestoreProcessingRequest(params, domain.RequestStatus(status))
}

func (r *PostgresStore) UpdateRequestStatus(ctx context.Context, requestID string, from, to domain.RequestStatus) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE processing_requests
		SET status = $3
		WHERE id = $1 AND status = $2
	`, requestID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update processing request status: %w", err)
	}
	if command.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processing_requests WHERE id = $1)`, requestID).Scan(&exists); err != nil {
			return fmt.Errorf("check processing request: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (r *PostgresStore) FindPending(ctx context.Context, limit int) ([]domain.PendingItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT jc.name, pr.id::text
		FROM processing_requests pr
		JOIN job_configs jc ON jc.id = pr.job_config_id
		WHERE pr.status = 'PENDING' AND jc.active
		ORDER BY pr.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending requests: %w", err)
	}
	defer rows.Close()

	items := make([]domain.PendingItem, 0)
	for rows.Next() {
		var item domain.PendingItem
		if err := rows.Scan(&item.JobName, &item.RequestID); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate pending requests: %w", rows.Err())
	}
	return items, nil
}
