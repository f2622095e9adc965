// Package launcher admits runs: it guarantees at most one running attempt per
// (job name, processing request) and hands admitted attempts to the queue.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/metrics"
	"github.com/iago/dataflow-batch/internal/queue"
	"github.com/iago/dataflow-batch/internal/repository"
)

var (
	ErrRestartNotAllowed = errors.New("job does not allow restart")
	ErrAlreadyCompleted  = errors.New("run already completed")
)

type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution domain.RunAttemptSnapshot) error
	FinishExecution(ctx context.Context, execution domain.RunAttemptSnapshot) error
	ListRunning(ctx context.Context, jobName string) ([]domain.RunAttemptSnapshot, error)
	LastExecution(ctx context.Context, key domain.RunKey) (domain.RunAttemptSnapshot, error)
}

type RequestFinder interface {
	GetRequest(ctx context.Context, requestID string) (*domain.ProcessingRequest, error)
}

type JobConfigFinder interface {
	GetJobConfig(ctx context.Context, name string) (domain.JobConfig, error)
}

type Dependencies struct {
	Executions ExecutionStore
	Requests   RequestFinder
	Configs    JobConfigFinder
	Producer   queue.Producer
	Metrics    *metrics.Collectors
	Logger     *log.Logger
	Now        func() time.Time
	NewID      func() string

	ValidateStoragePath bool
}

// LaunchResult reports what RunIfNotRunning did. Execution is the attempt
// that was started, or the one already running when AlreadyRunning is set.
type LaunchResult struct {
	Execution      domain.RunAttemptSnapshot
	AlreadyRunning bool
}

type Launcher struct {
	deps Dependencies
	mu   sync.Mutex
}

func New(deps Dependencies) *Launcher {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Launcher{deps: deps}
}

// RunIfNotRunning starts a run for (jobName, requestID) unless one is already
// running for the same pair. extra overrides request parameters; the
// request id, job name and storage path always come from the request.
func (l *Launcher) RunIfNotRunning(ctx context.Context, jobName, requestID string, extra map[string]string) (LaunchResult, error) {
	cfg, err := l.deps.Configs.GetJobConfig(ctx, jobName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return LaunchResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownJob, jobName)
		}
		return LaunchResult{}, fmt.Errorf("load job config: %w", err)
	}
	if !cfg.Active {
		return LaunchResult{}, fmt.Errorf("%w: %s", domain.ErrJobInactive, jobName)
	}

	request, err := l.deps.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("load processing request %s: %w", requestID, err)
	}

	params := l.buildParameters(cfg, request, extra)
	if err := ValidateParameters(params, l.deps.ValidateStoragePath); err != nil {
		return LaunchResult{}, err
	}

	key := domain.RunKey{JobName: cfg.Name, RequestID: request.ID()}
	attempt, running, err := l.admit(ctx, cfg, key, params)
	if err != nil {
		return LaunchResult{}, err
	}
	if running != nil {
		l.deps.Metrics.IncJobExecution(metrics.ResultSkippedRunning)
		l.logf("launch skipped run=%s reason=already-running execution_id=%s", key, running.ID)
		return LaunchResult{Execution: *running, AlreadyRunning: true}, nil
	}

	message := domain.RunMessage{
		ExecutionID: attempt.ID(),
		JobName:     key.JobName,
		RequestID:   key.RequestID,
		Parameters:  params,
		RequestedAt: attempt.StartTime(),
	}
	if err := l.deps.Producer.Enqueue(ctx, message); err != nil {
		l.abandon(attempt, err)
		l.deps.Metrics.IncJobExecution(metrics.ResultFailed)
		return LaunchResult{}, fmt.Errorf("enqueue run %s: %w", key, err)
	}

	l.deps.Metrics.IncJobExecution(metrics.ResultLaunched)
	l.logf("run launched run=%s execution_id=%s params=%v", key, attempt.ID(), params)
	return LaunchResult{Execution: attempt.Snapshot()}, nil
}

// admit checks for a running attempt and records a new one under the lock.
// The store enforces the same rule for launchers in other processes.
func (l *Launcher) admit(ctx context.Context, cfg domain.JobConfig, key domain.RunKey, params map[string]string) (*domain.RunAttempt, *domain.RunAttemptSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	running, err := l.deps.Executions.ListRunning(ctx, key.JobName)
	if err != nil {
		return nil, nil, fmt.Errorf("list running executions: %w", err)
	}
	for i := range running {
		if running[i].Key == key {
			return nil, &running[i], nil
		}
	}

	last, err := l.deps.Executions.LastExecution(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, nil, fmt.Errorf("load last execution: %w", err)
	case last.Status == domain.ExecutionStatusSuccess:
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, key)
	case !cfg.AllowRestart:
		return nil, nil, fmt.Errorf("%w: %s last finished %s", ErrRestartNotAllowed, key, last.Status)
	}

	attempt, err := domain.NewRunAttempt(l.deps.NewID(), key, params, l.deps.Now())
	if err != nil {
		return nil, nil, err
	}
	if err := l.deps.Executions.CreateExecution(ctx, attempt.Snapshot()); err != nil {
		if errors.Is(err, repository.ErrAlreadyRunning) {
			snapshot := domain.RunAttemptSnapshot{Key: key, Status: domain.ExecutionStatusRunning}
			return nil, &snapshot, nil
		}
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}
	return attempt, nil, nil
}

// abandon finishes an attempt that never reached a worker so the key is
// free to launch again.
func (l *Launcher) abandon(attempt *domain.RunAttempt, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := attempt.Finish(domain.ExecutionStatusFail, l.deps.Now(), domain.RunMetrics{}, "enqueue failed: "+cause.Error()); err != nil {
		l.logf("abandon execution failed execution_id=%s err=%v", attempt.ID(), err)
		return
	}
	if err := l.deps.Executions.FinishExecution(ctx, attempt.Snapshot()); err != nil {
		l.logf("abandon execution failed execution_id=%s err=%v", attempt.ID(), err)
	}
}

func (l *Launcher) buildParameters(cfg domain.JobConfig, request *domain.ProcessingRequest, extra map[string]string) map[string]string {
	params := request.Parameters()
	for k, v := range extra {
		params[k] = v
	}
	if _, ok := params[domain.ParamDelimiter]; !ok {
		params[domain.ParamDelimiter] = domain.DefaultDelimiter
	}
	if _, ok := params[domain.ParamChunkSize]; !ok {
		params[domain.ParamChunkSize] = strconv.Itoa(cfg.ChunkSize)
	}
	params[domain.ParamRequestID] = request.ID()
	params[domain.ParamJobName] = cfg.Name
	params[domain.ParamStoragePath] = request.Source().StoragePath
	params[domain.ParamRequestedAt] = l.deps.Now().Format(time.RFC3339Nano)
	return params
}

func (l *Launcher) logf(format string, args ...any) {
	if l.deps.Logger != nil {
		l.deps.Logger.Printf(format, args...)
	}
}
