package batch

import (
	"fmt"

	"github.com/iago/dataflow-batch/internal/domain"
)

type SkipLimitExceededError struct {
	Limit int
	Cause error
}

func (e *SkipLimitExceededError) Error() string {
	return fmt.Sprintf("skip limit %d exceeded: %v", e.Limit, e.Cause)
}

func (e *SkipLimitExceededError) Unwrap() error { return e.Cause }

type RetryExhaustedError struct {
	Attempts int
	Category domain.TransientCategory
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("chunk write failed after %d attempts (%s): %v", e.Attempts, e.Category, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
