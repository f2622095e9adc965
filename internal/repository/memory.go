package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iago/dataflow-batch/internal/domain"
)

type storedRequest struct {
	params domain.ProcessingRequestParams
	status domain.RequestStatus
}

// MemoryStore keeps everything in process memory for local development and
// tests.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]map[string]domain.ValidatedRecord
	skips      map[string][]domain.SkipRecord
	skipSeq    int64
	executions map[string]domain.RunAttemptSnapshot
	requests   map[string]storedRequest
	configs    map[string]domain.JobConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]map[string]domain.ValidatedRecord),
		skips:      make(map[string][]domain.SkipRecord),
		executions: make(map[string]domain.RunAttemptSnapshot),
		requests:   make(map[string]storedRequest),
		configs:    make(map[string]domain.JobConfig),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) WriteChunk(_ context.Context, requestID string, records []domain.ValidatedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.records[requestID]
	if !ok {
		byKey = make(map[string]domain.ValidatedRecord, len(records))
		s.records[requestID] = byKey
	}
	for _, rec := range records {
		if _, exists := byKey[rec.ExternalID]; exists {
			continue
		}
		byKey[rec.ExternalID] = rec
	}
	return nil
}

func (s *MemoryStore) CountRecords(_ context.Context, requestID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[requestID]), nil
}

// Records returns the stored records of a request ordered by source line.
func (s *MemoryStore) Records(requestID string) []domain.ValidatedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ValidatedRecord, 0, len(s.records[requestID]))
	for _, rec := range s.records[requestID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

func (s *MemoryStore) SaveSkip(_ context.Context, record domain.SkipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skipSeq++
	record.ID = s.skipSeq
	s.skips[record.RequestID] = append(s.skips[record.RequestID], record)
	return nil
}

func (s *MemoryStore) ListSkips(_ context.Context, requestID string, limit int) ([]domain.SkipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.skips[requestID]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]domain.SkipRecord(nil), items...), nil
}

func (s *MemoryStore) CountSkips(_ context.Context, requestID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.skips[requestID]), nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, execution domain.RunAttemptSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.executions {
		if existing.Key == execution.Key && existing.Status == domain.ExecutionStatusRunning {
			return ErrAlreadyRunning
		}
	}
	s.executions[execution.ID] = cloneExecution(execution)
	return nil
}

func (s *MemoryStore) FinishExecution(_ context.Context, execution domain.RunAttemptSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[execution.ID]; !ok {
		return ErrNotFound
	}
	s.executions[execution.ID] = cloneExecution(execution)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (domain.RunAttemptSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return domain.RunAttemptSnapshot{}, ErrNotFound
	}
	return cloneExecution(execution), nil
}

func (s *MemoryStore) ListRunning(_ context.Context, jobName string) ([]domain.RunAttemptSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.RunAttemptSnapshot, 0)
	for _, execution := range s.executions {
		if execution.Status != domain.ExecutionStatusRunning {
			continue
		}
		if jobName != "" && execution.Key.JobName != jobName {
			continue
		}
		items = append(items, cloneExecution(execution))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartTime.Before(items[j].StartTime) })
	return items, nil
}

func (s *MemoryStore) CountRunning(ctx context.Context) (int, error) {
	items, err := s.ListRunning(ctx, "")
	return len(items), err
}

func (s *MemoryStore) LastExecution(_ context.Context, key domain.RunKey) (domain.RunAttemptSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		last  domain.RunAttemptSnapshot
		found bool
	)
	for _, execution := range s.executions {
		if execution.Key != key {
			continue
		}
		if !found || execution.StartTime.After(last.StartTime) {
			last = execution
			found = true
		}
	}
	if !found {
		return domain.RunAttemptSnapshot{}, ErrNotFound
	}
	return cloneExecution(last), nil
}

func (s *MemoryStore) CreateRequest(_ context.Context, request *domain.ProcessingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[request.ID()] = storedRequest{params: request.Params(), status: request.Status()}
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, requestID string) (*domain.ProcessingRequest, error) {
	s.mu.RLock()
	stored, ok := s.requests[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return domain.RestoreProcessingRequest(stored.params, stored.status)
}

func (s *MemoryStore) UpdateRequestStatus(_ context.Context, requestID string, from, to domain.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if stored.status != from {
		return ErrStatusConflict
	}
	stored.status = to
	s.requests[requestID] = stored
	return nil
}

func (s *MemoryStore) FindPending(_ context.Context, limit int) ([]domain.PendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]storedRequest, 0)
	for _, stored := range s.requests {
		if stored.status != domain.RequestStatusPending {
			continue
		}
		cfg, ok := s.configs[stored.params.JobConfig.Name]
		if !ok || !cfg.Active {
			continue
		}
		pending = append(pending, stored)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].params.CreatedAt.Before(pending[j].params.CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	items := make([]domain.PendingItem, 0, len(pending))
	for _, stored := range pending {
		items = append(items, domain.PendingItem{JobName: stored.params.JobConfig.Name, RequestID: stored.params.ID})
	}
	return items, nil
}

// SaveJobConfig keeps the first definition stored under a name.
func (s *MemoryStore) SaveJobConfig(_ context.Context, cfg domain.JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.Name]; exists {
		return nil
	}
	s.configs[cfg.Name] = cfg
	return nil
}

func (s *MemoryStore) GetJobConfig(_ context.Context, name string) (domain.JobConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return domain.JobConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *MemoryStore) ListJobConfigs(_ context.Context) ([]domain.JobConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.JobConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		items = append(items, cfg)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func cloneExecution(execution domain.RunAttemptSnapshot) domain.RunAttemptSnapshot {
	clone := execution
	if execution.Parameters != nil {
		clone.Parameters = make(map[string]string, len(execution.Parameters))
		for k, v := range execution.Parameters {
			clone.Parameters[k] = v
		}
	}
	if execution.EndTime != nil {
		end := *execution.EndTime
		clone.EndTime = &end
	}
	return clone
}
