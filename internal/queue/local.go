package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/iago/dataflow-batch/internal/domain"
)

// LocalQueue is the in-process backend used when Redis is not configured.
type LocalQueue struct {
	ch          chan domain.RunMessage
	maxAttempts int
	retryDelay  time.Duration
	logger      *log.Logger

	dlqMu sync.Mutex
	dlq   []domain.RunMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan domain.RunMessage, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		logger:      logger,
		dlq:         make([]domain.RunMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.RunMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				if q.logger != nil {
					q.logger.Printf("local queue moved run to DLQ execution_id=%s request_id=%s err=%v", message.ExecutionID, message.RequestID, err)
				}
				continue
			}

			delay := time.Duration(message.Attempt) * q.retryDelay
			go func(retry domain.RunMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
					select {
					case q.ch <- retry:
					case <-ctx.Done():
					}
				}
			}(message)
		}
	}
}

// Pending reports how many deliveries wait in the buffer.
func (q *LocalQueue) Pending() int {
	return len(q.ch)
}

func (q *LocalQueue) DeadLetters() []domain.RunMessage {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]domain.RunMessage(nil), q.dlq...)
}
