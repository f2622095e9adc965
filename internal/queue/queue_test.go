package queue

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/dataflow-batch/internal/domain"
)

func TestRunMessageStreamEncoding(t *testing.T) {
	message := domain.RunMessage{
		ExecutionID: "exec-1",
		JobName:     "csv-import",
		RequestID:   "req-1",
		Parameters:  map[string]string{"delimiter": ";", "chunkSize": "500"},
		Attempt:     1,
		RequestedAt: time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC),
	}

	values, err := encodeRunMessage(message)
	require.NoError(t, err)

	// Redis hands every field back as a string.
	raw := make(map[string]any, len(values))
	for k, v := range values {
		switch casted := v.(type) {
		case int:
			raw[k] = strconv.Itoa(casted)
		default:
			raw[k] = casted
		}
	}

	decoded, err := decodeRunMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, message, decoded)
}

func TestDecodeRunMessageRejectsMissingFields(t *testing.T) {
	_, err := decodeRunMessage(map[string]any{"execution_id": "x"})
	assert.Error(t, err)

	_, err = decodeRunMessage(map[string]any{
		"execution_id": "x",
		"job_name":     "j",
		"request_id":   "r",
		"parameters":   "{}",
		"attempt":      "one",
		"requested_at": time.Now().Format(time.RFC3339Nano),
	})
	assert.ErrorContains(t, err, "invalid attempt")
}

func TestLocalQueueRetriesThenDeadLetters(t *testing.T) {
	q := NewLocalQueue(4, 2, nil)
	q.retryDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, domain.RunMessage{ExecutionID: "exec-1"}))

	attempts := make(chan int, 4)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, m domain.RunMessage) error {
			attempts <- m.Attempt
			return errors.New("worker unavailable")
		})
	}()

	assert.Equal(t, 0, <-attempts)
	assert.Equal(t, 1, <-attempts)
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "exec-1", q.DeadLetters()[0].ExecutionID)
}
