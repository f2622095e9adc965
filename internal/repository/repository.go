package repository

import (
	"context"
	"errors"

	"github.com/iago/dataflow-batch/internal/domain"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyRunning = errors.New("run already has a running execution")
	ErrStatusConflict = errors.New("status changed concurrently")
)

// RecordRepository stores validated records keyed by (request id, external id).
type RecordRepository interface {
	WriteChunk(ctx context.Context, requestID string, records []domain.ValidatedRecord) error
	CountRecords(ctx context.Context, requestID string) (int, error)
}

// SkipRepository is the error sink.
type SkipRepository interface {
	SaveSkip(ctx context.Context, record domain.SkipRecord) error
	ListSkips(ctx context.Context, requestID string, limit int) ([]domain.SkipRecord, error)
	CountSkips(ctx context.Context, requestID string) (int, error)
}

// ExecutionRepository persists run attempts. CreateExecution returns
// ErrAlreadyRunning when the key already has an unfinished attempt.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution domain.RunAttemptSnapshot) error
	FinishExecution(ctx context.Context, execution domain.RunAttemptSnapshot) error
	GetExecution(ctx context.Context, executionID string) (domain.RunAttemptSnapshot, error)
	ListRunning(ctx context.Context, jobName string) ([]domain.RunAttemptSnapshot, error)
	CountRunning(ctx context.Context) (int, error)
	LastExecution(ctx context.Context, key domain.RunKey) (domain.RunAttemptSnapshot, error)
}

type ProcessingRepository interface {
	CreateRequest(ctx context.Context, request *domain.ProcessingRequest) error
	GetRequest(ctx context.Context, requestID string) (*domain.ProcessingRequest, error)
	// UpdateRequestStatus moves a request from one status to another and
	// returns ErrStatusConflict when the stored status is not from.
	UpdateRequestStatus(ctx context.Context, requestID string, from, to domain.RequestStatus) error
	FindPending(ctx context.Context, limit int) ([]domain.PendingItem, error)
}

type JobConfigRepository interface {
	SaveJobConfig(ctx context.Context, cfg domain.JobConfig) error
	GetJobConfig(ctx context.Context, name string) (domain.JobConfig, error)
	ListJobConfigs(ctx context.Context) ([]domain.JobConfig, error)
}

// Store bundles every repository behind one backend.
type Store interface {
	RecordRepository
	SkipRepository
	ExecutionRepository
	ProcessingRepository
	JobConfigRepository
	Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
