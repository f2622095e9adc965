// Package batch runs the chunked read, validate and write loop for one run
// attempt, applying the skip and retry policies.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/redact"
	"github.com/iago/dataflow-batch/internal/validation"
)

const (
	DefaultChunkSize = 500
	DefaultSkipLimit = 1000

	maxErrorMessage = 2048
)

type RecordReader interface {
	Read() (domain.RawRecord, error)
}

// RecordWriter persists a chunk atomically. Rows already stored for the same
// (request id, external id) pair are ignored.
type RecordWriter interface {
	WriteChunk(ctx context.Context, requestID string, records []domain.ValidatedRecord) error
}

type ErrorSink interface {
	SaveSkip(ctx context.Context, record domain.SkipRecord) error
}

// DiscardWriter accepts every chunk and stores nothing.
type DiscardWriter struct{}

func (DiscardWriter) WriteChunk(context.Context, string, []domain.ValidatedRecord) error {
	return nil
}

type Options struct {
	ChunkSize     int
	SkipLimit     int
	PersistErrors bool
	Retry         RetryPolicy

	// RedactRawLines masks contact data in the raw line kept by the sink.
	RedactRawLines bool
}

type Dependencies struct {
	Writer    RecordWriter
	Sink      ErrorSink
	Validator *validation.Validator
	Listener  Listener
	Logger    *log.Logger
	Now       func() time.Time
	Sleep     SleepFunc
}

type Result struct {
	Status  domain.ExecutionStatus
	Metrics domain.RunMetrics
	Err     error
}

type Coordinator struct {
	deps Dependencies
	opts Options
}

func NewCoordinator(deps Dependencies, opts Options) *Coordinator {
	if deps.Writer == nil {
		deps.Writer = DiscardWriter{}
	}
	if deps.Validator == nil {
		deps.Validator = validation.New(validation.Config{})
	}
	if deps.Listener == nil {
		deps.Listener = Listeners(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.SkipLimit < 0 {
		opts.SkipLimit = DefaultSkipLimit
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Coordinator{deps: deps, opts: opts}
}

// Run drives attempt to completion and finishes it. The returned error is
// only set when the attempt could not be finished; run failures are reported
// through Result.Err.
func (c *Coordinator) Run(ctx context.Context, attempt *domain.RunAttempt, reader RecordReader) (Result, error) {
	if attempt.Finished() {
		return Result{}, fmt.Errorf("run attempt %s: %w", attempt.ID(), domain.ErrAlreadyFinished)
	}

	r := &run{
		c:       c,
		attempt: attempt,
		key:     attempt.Key(),
		scope:   validation.NewChunkScope(),
	}
	c.logf("job start run=%s execution_id=%s chunk_size=%d skip_limit=%d mode=%s",
		r.key, attempt.ID(), c.opts.ChunkSize, c.opts.SkipLimit, c.deps.Validator.Mode())

	runErr := r.execute(ctx, reader)

	status := domain.ExecutionStatusSuccess
	message := ""
	if runErr != nil {
		status = domain.ExecutionStatusFail
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			status = domain.ExecutionStatusStopped
		}
		message = truncate(runErr.Error(), maxErrorMessage)
	}
	end := c.deps.Now()
	if end.Before(attempt.StartTime()) {
		end = attempt.StartTime()
	}
	metrics := r.metrics()
	result := Result{Status: status, Metrics: metrics, Err: runErr}
	if err := attempt.Finish(status, end, metrics, message); err != nil {
		return result, err
	}

	c.logf("job end run=%s execution_id=%s status=%s read=%d written=%d skipped=%d filtered=%d duration=%s",
		r.key, attempt.ID(), status, metrics.Read, metrics.Written, metrics.Skipped, metrics.Filtered, end.Sub(attempt.StartTime()))
	return result, nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.deps.Logger != nil {
		c.deps.Logger.Printf(format, args...)
	}
}

// run holds the counters of a single attempt.
type run struct {
	c       *Coordinator
	attempt *domain.RunAttempt
	key     domain.RunKey
	scope   *validation.ChunkScope

	read       int64
	written    int64
	skipped    int64
	filtered   int64
	chunkIndex int
}

func (r *run) metrics() domain.RunMetrics {
	return domain.RunMetrics{Read: r.read, Written: r.written, Skipped: r.skipped, Filtered: r.filtered}
}

func (r *run) execute(ctx context.Context, reader RecordReader) error {
	chunkSize := r.c.opts.ChunkSize
	chunk := make([]domain.ValidatedRecord, 0, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *domain.ParseError
			switch {
			case errors.Is(err, domain.ErrHeaderMismatch):
				r.sinkHeaderFailure(ctx, err)
				return fmt.Errorf("read: %w", err)
			case errors.As(err, &perr):
				if err := r.skip(ctx, PhaseParse, perr.Line, "", perr.Raw, err); err != nil {
					return err
				}
				continue
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		r.read++

		rec, ok, err := r.c.deps.Validator.Process(raw, r.scope)
		if err != nil {
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				return fmt.Errorf("validate line %d: %w", raw.Line, err)
			}
			if err := r.skip(ctx, PhaseValidation, raw.Line, raw.ExternalID, "", err); err != nil {
				return err
			}
			continue
		}
		if !ok {
			r.filtered++
			continue
		}

		chunk = append(chunk, rec)
		if len(chunk) >= chunkSize {
			if err := r.commit(ctx, chunk); err != nil {
				return err
			}
			chunk = make([]domain.ValidatedRecord, 0, chunkSize)
			r.scope.Reset()
		}
	}

	if len(chunk) > 0 {
		return r.commit(ctx, chunk)
	}
	return nil
}

// skip counts one bad item against the shared budget and records it. The
// item that would exceed the budget is not recorded.
func (r *run) skip(ctx context.Context, phase SkipPhase, line int, externalID, rawLine string, cause error) error {
	if r.skipped >= int64(r.c.opts.SkipLimit) {
		return &SkipLimitExceededError{Limit: r.c.opts.SkipLimit, Cause: cause}
	}
	r.skipped++

	event := SkipEvent{
		Key:         r.key,
		ExecutionID: r.attempt.ID(),
		Phase:       phase,
		Row:         int64Ptr(int64(line)),
		ExternalID:  stringPtr(externalID),
		Reason:      string(phase) + ": " + cause.Error(),
		Err:         cause,
	}
	r.persistSkip(ctx, event.Row, event.ExternalID, event.Reason, stringPtr(rawLine))
	r.c.deps.Listener.OnRowSkipped(ctx, event)
	return nil
}

func (r *run) sinkHeaderFailure(ctx context.Context, err error) {
	var perr *domain.ParseError
	raw := ""
	if errors.As(err, &perr) {
		raw = perr.Raw
	}
	r.persistSkip(ctx, int64Ptr(1), nil, string(PhaseParse)+": "+err.Error(), stringPtr(raw))
}

// persistSkip writes to the error sink on a best-effort basis.
func (r *run) persistSkip(ctx context.Context, row *int64, externalID *string, reason string, rawLine *string) {
	if !r.c.opts.PersistErrors || r.c.deps.Sink == nil {
		return
	}
	if rawLine != nil && r.c.opts.RedactRawLines {
		masked := redact.String(*rawLine)
		rawLine = &masked
	}
	record := domain.SkipRecord{
		RequestID:  r.key.RequestID,
		Row:        row,
		ExternalID: externalID,
		Reason:     reason,
		RawLine:    rawLine,
		CreatedAt:  r.c.deps.Now(),
	}
	if err := r.c.deps.Sink.SaveSkip(ctx, record); err != nil {
		r.c.logf("error sink write failed run=%s execution_id=%s err=%v", r.key, r.attempt.ID(), err)
	}
}

func (r *run) commit(ctx context.Context, chunk []domain.ValidatedRecord) error {
	r.chunkIndex++
	policy := r.c.opts.Retry

	for attempt := 1; ; attempt++ {
		err := r.c.deps.Writer.WriteChunk(ctx, r.key.RequestID, chunk)
		if err == nil {
			r.written += int64(len(chunk))
			r.c.deps.Listener.OnChunkCommitted(ctx, ChunkEvent{
				Key:          r.key,
				ExecutionID:  r.attempt.ID(),
				ChunkIndex:   r.chunkIndex,
				Size:         len(chunk),
				TotalWritten: r.written,
			})
			return nil
		}

		category, transient := domain.TransientCategoryOf(err)
		if !transient {
			return fmt.Errorf("write chunk %d: %w", r.chunkIndex, err)
		}

		willRetry := attempt < policy.Limit
		var delay time.Duration
		if willRetry {
			delay = policy.Delay(attempt)
		}
		r.c.deps.Listener.OnRetryAttempt(ctx, RetryEvent{
			Key:         r.key,
			ExecutionID: r.attempt.ID(),
			ChunkIndex:  r.chunkIndex,
			Attempt:     attempt,
			Category:    category,
			WillRetry:   willRetry,
			Delay:       delay,
			Err:         err,
		})
		if !willRetry {
			return &RetryExhaustedError{Attempts: attempt, Category: category, Err: err}
		}
		if err := r.c.deps.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func int64Ptr(v int64) *int64 { return &v }

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
