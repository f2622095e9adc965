package batch

import (
	"context"
	"log"
	"time"

	"github.com/iago/dataflow-batch/internal/domain"
)

type SkipPhase string

const (
	PhaseParse      SkipPhase = "CSV_PARSE_ERROR"
	PhaseValidation SkipPhase = "VALIDATION_ERROR"
	PhaseWrite      SkipPhase = "WRITE_ERROR"
)

type SkipEvent struct {
	Key         domain.RunKey
	ExecutionID string
	Phase       SkipPhase
	Row         *int64
	ExternalID  *string
	Reason      string
	Err         error
}

type RetryEvent struct {
	Key         domain.RunKey
	ExecutionID string
	ChunkIndex  int
	Attempt     int
	Category    domain.TransientCategory
	WillRetry   bool
	Delay       time.Duration
	Err         error
}

type ChunkEvent struct {
	Key          domain.RunKey
	ExecutionID  string
	ChunkIndex   int
	Size         int
	TotalWritten int64
}

// Listener observes a run. Callbacks are invoked synchronously from the run
// goroutine and must not block for long.
type Listener interface {
	OnRowSkipped(ctx context.Context, event SkipEvent)
	OnRetryAttempt(ctx context.Context, event RetryEvent)
	OnChunkCommitted(ctx context.Context, event ChunkEvent)
}

// Listeners fans every callback out to each member in order.
type Listeners []Listener

func (ls Listeners) OnRowSkipped(ctx context.Context, event SkipEvent) {
	for _, l := range ls {
		if l != nil {
			l.OnRowSkipped(ctx, event)
		}
	}
}

func (ls Listeners) OnRetryAttempt(ctx context.Context, event RetryEvent) {
	for _, l := range ls {
		if l != nil {
			l.OnRetryAttempt(ctx, event)
		}
	}
}

func (ls Listeners) OnChunkCommitted(ctx context.Context, event ChunkEvent) {
	for _, l := range ls {
		if l != nil {
			l.OnChunkCommitted(ctx, event)
		}
	}
}

type LoggingListener struct {
	logger *log.Logger
}

func NewLoggingListener(logger *log.Logger) *LoggingListener {
	return &LoggingListener{logger: logger}
}

func (l *LoggingListener) OnRowSkipped(_ context.Context, event SkipEvent) {
	if l.logger == nil {
		return
	}
	row := int64(-1)
	if event.Row != nil {
		row = *event.Row
	}
	l.logger.Printf("row skipped run=%s execution_id=%s phase=%s row=%d reason=%q", event.Key, event.ExecutionID, event.Phase, row, event.Reason)
}

func (l *LoggingListener) OnRetryAttempt(_ context.Context, event RetryEvent) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("chunk write failed run=%s execution_id=%s chunk=%d attempt=%d category=%s will_retry=%t delay=%s err=%v",
		event.Key, event.ExecutionID, event.ChunkIndex, event.Attempt, event.Category, event.WillRetry, event.Delay, event.Err)
}

func (l *LoggingListener) OnChunkCommitted(_ context.Context, event ChunkEvent) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("chunk committed run=%s execution_id=%s chunk=%d size=%d written=%d", event.Key, event.ExecutionID, event.ChunkIndex, event.Size, event.TotalWritten)
}
