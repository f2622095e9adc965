// Package service holds the request-facing use cases behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/repository"
)

const (
	MaxTitleLength    = 140
	DefaultErrorLimit = 100
	MaxErrorLimit     = 1000
)

var ErrInvalidInput = errors.New("invalid processing request")

type ProcessingStore interface {
	CreateRequest(ctx context.Context, request *domain.ProcessingRequest) error
	GetRequest(ctx context.Context, requestID string) (*domain.ProcessingRequest, error)
	GetJobConfig(ctx context.Context, name string) (domain.JobConfig, error)
	LastExecution(ctx context.Context, key domain.RunKey) (domain.RunAttemptSnapshot, error)
	ListSkips(ctx context.Context, requestID string, limit int) ([]domain.SkipRecord, error)
	CountSkips(ctx context.Context, requestID string) (int, error)
	CountRecords(ctx context.Context, requestID string) (int, error)
}

type CreateProcessingInput struct {
	Title       string
	StoragePath string
	JobName     string
	RequestedBy string
	Parameters  map[string]string
}

// ProcessingStatus is the read model served for one request. LastExecution
// is nil until the request has been launched.
type ProcessingStatus struct {
	Request        *domain.ProcessingRequest
	LastExecution  *domain.RunAttemptSnapshot
	RecordsWritten int
	ErrorCount     int
}

type ProcessingService struct {
	store          ProcessingStore
	defaultJobName string
	now            func() time.Time
	newID          func() string
}

func NewProcessingService(store ProcessingStore, defaultJobName string) *ProcessingService {
	return &ProcessingService{
		store:          store,
		defaultJobName: defaultJobName,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
}

func (s *ProcessingService) Create(ctx context.Context, in CreateProcessingInput) (*domain.ProcessingRequest, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, fmt.Errorf("%w: title must have between 1 and %d characters", ErrInvalidInput, MaxTitleLength)
	}
	path := strings.TrimSpace(in.StoragePath)
	if path == "" {
		return nil, fmt.Errorf("%w: storage_path is required", ErrInvalidInput)
	}

	jobName := strings.TrimSpace(in.JobName)
	if jobName == "" {
		jobName = s.defaultJobName
	}
	cfg, err := s.store.GetJobConfig(ctx, jobName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJob, jobName)
		}
		return nil, fmt.Errorf("load job config: %w", err)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobInactive, jobName)
	}

	request, err := domain.NewProcessingRequest(domain.ProcessingRequestParams{
		ID:          s.newID(),
		Title:       title,
		Source:      domain.SourceFile{ID: s.newID(), StoragePath: path},
		Parameters:  in.Parameters,
		JobConfig:   cfg,
		CreatedAt:   s.now(),
		RequestedBy: strings.TrimSpace(in.RequestedBy),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.store.CreateRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("create processing request: %w", err)
	}
	return request, nil
}

func (s *ProcessingService) Get(ctx context.Context, requestID string) (*domain.ProcessingRequest, error) {
	return s.store.GetRequest(ctx, requestID)
}

func (s *ProcessingService) Status(ctx context.Context, requestID string) (ProcessingStatus, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return ProcessingStatus{}, err
	}
	status := ProcessingStatus{Request: request}

	last, err := s.store.LastExecution(ctx, domain.RunKey{JobName: request.JobConfig().Name, RequestID: request.ID()})
	switch {
	case err == nil:
		status.LastExecution = &last
	case !errors.Is(err, repository.ErrNotFound):
		return ProcessingStatus{}, fmt.Errorf("load last execution: %w", err)
	}

	if status.RecordsWritten, err = s.store.CountRecords(ctx, requestID); err != nil {
		return ProcessingStatus{}, fmt.Errorf("count records: %w", err)
	}
	if status.ErrorCount, err = s.store.CountSkips(ctx, requestID); err != nil {
		return ProcessingStatus{}, fmt.Errorf("count errors: %w", err)
	}
	return status, nil
}

// Errors lists persisted skip records for an existing request.
func (s *ProcessingService) Errors(ctx context.Context, requestID string, limit int) ([]domain.SkipRecord, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultErrorLimit
	}
	if limit > MaxErrorLimit {
		limit = MaxErrorLimit
	}
	return s.store.ListSkips(ctx, requestID, limit)
}
