// Package worker consumes launched runs and executes them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/iago/dataflow-batch/internal/batch"
	"github.com/iago/dataflow-batch/internal/codec"
	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/metrics"
	"github.com/iago/dataflow-batch/internal/queue"
	"github.com/iago/dataflow-batch/internal/repository"
	"github.com/iago/dataflow-batch/internal/validation"
)

const stepName = "csvImportStep"

type Store interface {
	GetExecution(ctx context.Context, executionID string) (domain.RunAttemptSnapshot, error)
	FinishExecution(ctx context.Context, execution domain.RunAttemptSnapshot) error
	GetRequest(ctx context.Context, requestID string) (*domain.ProcessingRequest, error)
	UpdateRequestStatus(ctx context.Context, requestID string, from, to domain.RequestStatus) error
}

type Options struct {
	Batch             batch.Options
	Validation        validation.Config
	MaxConcurrentRuns int
}

type Dependencies struct {
	Consumer   queue.Consumer
	Store      Store
	Records    batch.RecordWriter
	Sink       batch.ErrorSink
	Listener   batch.Listener
	Metrics    *metrics.Collectors
	Logger     *log.Logger
	OpenSource func(path string) (io.ReadCloser, error)
	Now        func() time.Time
	Sleep      batch.SleepFunc
}

// Processor consumes run messages and drives each run to a terminal state.
type Processor struct {
	deps Dependencies
	opts Options
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

func NewProcessor(deps Dependencies, opts Options) *Processor {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	if deps.OpenSource == nil {
		deps.OpenSource = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	listeners := batch.Listeners{batch.NewLoggingListener(deps.Logger)}
	if deps.Metrics != nil {
		listeners = append(listeners, deps.Metrics.Listener(stepName))
	}
	if deps.Listener != nil {
		listeners = append(listeners, deps.Listener)
	}
	deps.Listener = listeners
	return &Processor{deps: deps, opts: opts, sem: semaphore.NewWeighted(int64(opts.MaxConcurrentRuns))}
}

// Start consumes until ctx is cancelled and then waits for in-flight runs.
func (p *Processor) Start(ctx context.Context) {
	defer p.wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.deps.Consumer.Consume(ctx, p.dispatch)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logf("worker consume loop error: %v", err)

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dispatch blocks until a run slot is free and executes the run in the
// background.
func (p *Processor) dispatch(ctx context.Context, message domain.RunMessage) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		if err := p.Execute(ctx, message); err != nil {
			p.logf("run failed to start execution_id=%s request_id=%s err=%v", message.ExecutionID, message.RequestID, err)
		}
	}()
	return nil
}

// Execute runs one launched attempt synchronously. Errors are returned only
// when the attempt itself cannot be loaded; run failures are persisted on the
// attempt.
func (p *Processor) Execute(ctx context.Context, message domain.RunMessage) error {
	snapshot, err := p.deps.Store.GetExecution(ctx, message.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", message.ExecutionID, err)
	}
	attempt, err := domain.RestoreRunAttempt(snapshot)
	if err != nil {
		return fmt.Errorf("restore execution %s: %w", message.ExecutionID, err)
	}
	if attempt.Finished() {
		p.logf("duplicate delivery ignored execution_id=%s status=%s", attempt.ID(), snapshot.Status)
		return nil
	}

	request, err := p.deps.Store.GetRequest(ctx, attempt.Key().RequestID)
	if err != nil {
		p.finish(ctx, attempt, nil, batch.Result{Status: domain.ExecutionStatusFail, Err: fmt.Errorf("load processing request: %w", err)})
		return nil
	}

	started, err := p.markInProgress(ctx, request)
	if err != nil {
		p.finish(ctx, attempt, nil, batch.Result{Status: domain.ExecutionStatusFail, Err: err})
		return nil
	}
	var tracked *domain.ProcessingRequest
	if started {
		tracked = request
	}

	result := p.run(ctx, attempt, request.JobConfig())
	p.finish(ctx, attempt, tracked, result)
	return nil
}

// markInProgress moves a PENDING request forward. Requests already past
// PENDING (restarts) keep their status.
func (p *Processor) markInProgress(ctx context.Context, request *domain.ProcessingRequest) (bool, error) {
	if request.Status() != domain.RequestStatusPending {
		return false, nil
	}
	if err := request.MarkInProgress(); err != nil {
		return false, err
	}
	err := p.deps.Store.UpdateRequestStatus(ctx, request.ID(), domain.RequestStatusPending, domain.RequestStatusInProgress)
	if errors.Is(err, repository.ErrStatusConflict) {
		p.logf("request moved concurrently request_id=%s", request.ID())
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark request in progress: %w", err)
	}
	return true, nil
}

func (p *Processor) run(ctx context.Context, attempt *domain.RunAttempt, cfg domain.JobConfig) batch.Result {
	fail := func(err error) batch.Result {
		return batch.Result{Status: domain.ExecutionStatusFail, Err: err}
	}

	if cfg.Reader != domain.ReaderCSV {
		return fail(fmt.Errorf("reader kind %s is not supported", cfg.Reader))
	}
	var writer batch.RecordWriter
	switch cfg.Writer {
	case domain.WriterDatabase:
		writer = p.deps.Records
	case domain.WriterNoOp:
		writer = batch.DiscardWriter{}
	default:
		return fail(fmt.Errorf("writer kind %s is not supported", cfg.Writer))
	}

	delimiter := attempt.Parameter(domain.ParamDelimiter)
	if delimiter == "" {
		delimiter = domain.DefaultDelimiter
	}
	c, err := codec.New(delimiter)
	if err != nil {
		return fail(err)
	}

	source, err := p.deps.OpenSource(attempt.Parameter(domain.ParamStoragePath))
	if err != nil {
		return fail(fmt.Errorf("open source: %w", err))
	}
	defer source.Close()

	opts := p.opts.Batch
	if size, err := strconv.Atoi(attempt.Parameter(domain.ParamChunkSize)); err == nil && size > 0 {
		opts.ChunkSize = size
	}
	validationCfg := p.opts.Validation
	if validationCfg.Now == nil {
		validationCfg.Now = p.deps.Now
	}

	coordinator := batch.NewCoordinator(batch.Dependencies{
		Writer:    writer,
		Sink:      p.deps.Sink,
		Validator: validation.New(validationCfg),
		Listener:  p.deps.Listener,
		Logger:    p.deps.Logger,
		Now:       p.deps.Now,
		Sleep:     p.deps.Sleep,
	}, opts)

	result, err := coordinator.Run(ctx, attempt, codec.NewReader(source, c))
	if err != nil {
		p.logf("finish execution failed execution_id=%s err=%v", attempt.ID(), err)
	}
	return result
}

// finish persists the terminal attempt and settles the request it started.
func (p *Processor) finish(ctx context.Context, attempt *domain.RunAttempt, request *domain.ProcessingRequest, result batch.Result) {
	ctx = context.WithoutCancel(ctx)

	if !attempt.Finished() {
		message := ""
		if result.Err != nil {
			message = result.Err.Error()
		}
		end := p.deps.Now()
		if end.Before(attempt.StartTime()) {
			end = attempt.StartTime()
		}
		if err := attempt.Finish(result.Status, end, result.Metrics, message); err != nil {
			p.logf("finish execution failed execution_id=%s err=%v", attempt.ID(), err)
		}
	}

	snapshot := attempt.Snapshot()
	if err := p.deps.Store.FinishExecution(ctx, snapshot); err != nil {
		p.logf("persist execution failed execution_id=%s err=%v", attempt.ID(), err)
	}
	duration := time.Duration(0)
	if snapshot.EndTime != nil {
		duration = snapshot.EndTime.Sub(snapshot.StartTime)
	}
	p.deps.Metrics.ObserveRun(snapshot.Key.JobName, snapshot.Status, snapshot.Metrics, duration)

	if request != nil {
		p.settleRequest(ctx, request, snapshot.Status)
	}
	p.logf("run finished run=%s execution_id=%s status=%s read=%d written=%d skipped=%d error=%q",
		snapshot.Key, snapshot.ID, snapshot.Status, snapshot.Metrics.Read, snapshot.Metrics.Written, snapshot.Metrics.Skipped, snapshot.ErrorMessage)
}

func (p *Processor) settleRequest(ctx context.Context, request *domain.ProcessingRequest, status domain.ExecutionStatus) {
	var err error
	if status == domain.ExecutionStatusSuccess {
		err = request.MarkCompleted()
	} else {
		err = request.MarkFailed()
	}
	if err != nil {
		p.logf("request transition rejected request_id=%s err=%v", request.ID(), err)
		return
	}
	if err := p.deps.Store.UpdateRequestStatus(ctx, request.ID(), domain.RequestStatusInProgress, request.Status()); err != nil {
		p.logf("persist request status failed request_id=%s status=%s err=%v", request.ID(), request.Status(), err)
	}
}

func (p *Processor) logf(format string, args ...any) {
	if p.deps.Logger != nil {
		p.deps.Logger.Printf(format, args...)
	}
}
