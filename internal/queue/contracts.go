// Package queue carries run launches from the launcher to workers.
package queue

import (
	"context"

	"github.com/iago/dataflow-batch/internal/domain"
)

// Producer hands a launched run to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.RunMessage) error
}

// Handler processes one delivery. A non-nil error asks the backend to
// redeliver until its attempt budget is spent.
type Handler func(context.Context, domain.RunMessage) error

type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
