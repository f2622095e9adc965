package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/dataflow-batch/internal/codec"
	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/validation"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const header = "external_id,user_email,amount,event_time\n"

type keyedWriter struct {
	mu       sync.Mutex
	rows     map[string]domain.ValidatedRecord
	calls    int
	failures []error
}

func newKeyedWriter(failures ...error) *keyedWriter {
	return &keyedWriter{rows: make(map[string]domain.ValidatedRecord), failures: failures}
}

func (w *keyedWriter) WriteChunk(_ context.Context, requestID string, records []domain.ValidatedRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	for _, rec := range records {
		key := requestID + "|" + rec.ExternalID
		if _, exists := w.rows[key]; !exists {
			w.rows[key] = rec
		}
	}
	return nil
}

type recordingSink struct {
	records []domain.SkipRecord
	err     error
}

func (s *recordingSink) SaveSkip(_ context.Context, record domain.SkipRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

type recordingListener struct {
	skips   []SkipEvent
	retries []RetryEvent
	chunks  []ChunkEvent
}

func (l *recordingListener) OnRowSkipped(_ context.Context, e SkipEvent) { l.skips = append(l.skips, e) }
func (l *recordingListener) OnRetryAttempt(_ context.Context, e RetryEvent) { l.retries = append(l.retries, e) }
func (l *recordingListener) OnChunkCommitted(_ context.Context, e ChunkEvent) { l.chunks = append(l.chunks, e) }

type harness struct {
	writer   *keyedWriter
	sink     *recordingSink
	listener *recordingListener
	sleeps   []time.Duration
	opts     Options
	mode     validation.Mode
}

func newHarness(writer *keyedWriter) *harness {
	return &harness{
		writer:   writer,
		sink:     &recordingSink{},
		listener: &recordingListener{},
		opts:     Options{ChunkSize: 500, SkipLimit: 1000, PersistErrors: true, Retry: DefaultRetryPolicy()},
		mode:     validation.ModeException,
	}
}

func (h *harness) run(t *testing.T, requestID, csv string) (Result, *domain.RunAttempt) {
	t.Helper()
	return h.runContext(t, context.Background(), requestID, csv)
}

func (h *harness) runContext(t *testing.T, ctx context.Context, requestID, csv string) (Result, *domain.RunAttempt) {
	t.Helper()
	c, err := codec.New(",")
	require.NoError(t, err)

	attempt, err := domain.NewRunAttempt("exec-"+requestID, domain.RunKey{JobName: "csv-import", RequestID: requestID}, nil, testNow)
	require.NoError(t, err)

	coord := NewCoordinator(Dependencies{
		Writer:    h.writer,
		Sink:      h.sink,
		Validator: validation.New(validation.Config{Mode: h.mode, WindowYears: 2, Now: func() time.Time { return testNow }}),
		Listener:  h.listener,
		Now:       func() time.Time { return testNow.Add(time.Second) },
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	}, h.opts)

	res, err := coord.Run(ctx, attempt, codec.NewReader(strings.NewReader(csv), c))
	require.NoError(t, err)
	assert.True(t, attempt.Finished())
	return res, attempt
}

func validLine(id string) string {
	return fmt.Sprintf("%s,%s@example.com,10.00,2025-05-01T00:00:00Z\n", id, strings.ToLower(id))
}

func badEmailLine(id string) string {
	return fmt.Sprintf("%s,not-an-email,10.00,2025-05-01T00:00:00Z\n", id)
}

func TestRunSkipsInvalidRowAndWritesTheRest(t *testing.T) {
	h := newHarness(newKeyedWriter())
	res, attempt := h.run(t, "req-1", header+validLine("A1")+badEmailLine("A2")+validLine("A3"))

	require.NoError(t, res.Err)
	assert.Equal(t, domain.ExecutionStatusSuccess, res.Status)
	assert.Equal(t, domain.RunMetrics{Read: 3, Written: 2, Skipped: 1}, res.Metrics)
	assert.Equal(t, res.Metrics, attempt.Snapshot().Metrics)

	require.Len(t, h.sink.records, 1)
	skip := h.sink.records[0]
	assert.True(t, strings.HasPrefix(skip.Reason, "VALIDATION_ERROR: "))
	assert.Contains(t, skip.Reason, "INVALID_FORMAT")
	assert.Equal(t, "req-1", skip.RequestID)
	require.NotNil(t, skip.Row)
	assert.Equal(t, int64(3), *skip.Row)
	require.NotNil(t, skip.ExternalID)
	assert.Equal(t, "A2", *skip.ExternalID)

	assert.Len(t, h.listener.skips, 1)
	assert.Len(t, h.writer.rows, 2)
}

func TestRunParseErrorsCountAsSkipsNotReads(t *testing.T) {
	h := newHarness(newKeyedWriter())
	res, _ := h.run(t, "req-1", header+validLine("A1")+"A2,a@b.com,ten,2025-05-01T00:00:00Z\n")

	require.NoError(t, res.Err)
	assert.Equal(t, domain.RunMetrics{Read: 1, Written: 1, Skipped: 1}, res.Metrics)
	require.Len(t, h.sink.records, 1)
	assert.True(t, strings.HasPrefix(h.sink.records[0].Reason, "CSV_PARSE_ERROR: "))
	require.NotNil(t, h.sink.records[0].RawLine)
	assert.Equal(t, "A2,a@b.com,ten,2025-05-01T00:00:00Z", *h.sink.records[0].RawLine)
}

func TestRunSkipLimitBoundary(t *testing.T) {
	const limit = 3
	bad := func(n int) string {
		var b strings.Builder
		b.WriteString(header)
		b.WriteString(validLine("OK1"))
		for i := 0; i < n; i++ {
			b.WriteString(badEmailLine(fmt.Sprintf("B%d", i)))
		}
		b.WriteString(validLine("OK2"))
		return b.String()
	}

	t.Run("exactly the limit completes", func(t *testing.T) {
		h := newHarness(newKeyedWriter())
		h.opts.SkipLimit = limit
		res, _ := h.run(t, "req-1", bad(limit))
		require.NoError(t, res.Err)
		assert.Equal(t, domain.ExecutionStatusSuccess, res.Status)
		assert.Equal(t, int64(limit), res.Metrics.Skipped)
		assert.Equal(t, int64(2), res.Metrics.Written)
	})

	t.Run("one over the limit fails", func(t *testing.T) {
		h := newHarness(newKeyedWriter())
		h.opts.SkipLimit = limit
		res, attempt := h.run(t, "req-1", bad(limit+1))
		assert.Equal(t, domain.ExecutionStatusFail, res.Status)
		var sle *SkipLimitExceededError
		require.ErrorAs(t, res.Err, &sle)
		assert.Equal(t, limit, sle.Limit)
		assert.Equal(t, int64(limit), res.Metrics.Skipped)
		assert.Len(t, h.sink.records, limit)
		assert.Zero(t, res.Metrics.Written, "the pending chunk is discarded")
		assert.Contains(t, attempt.Snapshot().ErrorMessage, "skip limit")
	})
}

func TestRunSkipBudgetIsSharedAcrossPhases(t *testing.T) {
	h := newHarness(newKeyedWriter())
	h.opts.SkipLimit = 1
	res, _ := h.run(t, "req-1", header+"broken\n"+badEmailLine("B1"))
	assert.Equal(t, domain.ExecutionStatusFail, res.Status)
	var sle *SkipLimitExceededError
	assert.ErrorAs(t, res.Err, &sle)
}

func TestRunRetryBoundary(t *testing.T) {
	transient := &domain.TransientStoreError{Category: domain.CategoryConnectionTimeout, Err: errors.New("dial timeout")}

	t.Run("limit minus one failures then success", func(t *testing.T) {
		h := newHarness(newKeyedWriter(transient, transient))
		res, _ := h.run(t, "req-1", header+validLine("A1"))
		require.NoError(t, res.Err)
		assert.Equal(t, domain.ExecutionStatusSuccess, res.Status)
		assert.Equal(t, int64(1), res.Metrics.Written)
		assert.Equal(t, 3, h.writer.calls)
		assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, h.sleeps)
		require.Len(t, h.listener.retries, 2)
		assert.Equal(t, domain.CategoryConnectionTimeout, h.listener.retries[0].Category)
		assert.True(t, h.listener.retries[1].WillRetry)
	})

	t.Run("limit failures fails the run", func(t *testing.T) {
		h := newHarness(newKeyedWriter(transient, transient, transient))
		res, _ := h.run(t, "req-1", header+validLine("A1"))
		assert.Equal(t, domain.ExecutionStatusFail, res.Status)
		var rex *RetryExhaustedError
		require.ErrorAs(t, res.Err, &rex)
		assert.Equal(t, 3, rex.Attempts)
		assert.Zero(t, res.Metrics.Written)
		assert.Equal(t, 3, h.writer.calls)
		require.Len(t, h.listener.retries, 3)
		assert.False(t, h.listener.retries[2].WillRetry)
		assert.Len(t, h.sleeps, 2)
	})
}

func TestRunStructuralWriteErrorIsFatal(t *testing.T) {
	h := newHarness(newKeyedWriter(&domain.StructuralWriteError{Err: errors.New("column \"meta\" does not exist")}))
	res, _ := h.run(t, "req-1", header+validLine("A1"))

	assert.Equal(t, domain.ExecutionStatusFail, res.Status)
	var swe *domain.StructuralWriteError
	assert.ErrorAs(t, res.Err, &swe)
	assert.Equal(t, 1, h.writer.calls)
	assert.Empty(t, h.listener.retries)
	assert.Empty(t, h.sink.records)
}

func TestRunIsIdempotentPerRequest(t *testing.T) {
	writer := newKeyedWriter()
	csv := header + validLine("A1") + validLine("A2")

	first, _ := newHarness(writer).run(t, "req-1", csv)
	second, _ := newHarness(writer).run(t, "req-1", csv)

	assert.Equal(t, int64(2), first.Metrics.Written)
	assert.Equal(t, int64(2), second.Metrics.Written, "write count reports rows attempted")
	assert.Len(t, writer.rows, 2)
}

func TestRunHeaderMismatchFailsWithoutUsingTheBudget(t *testing.T) {
	h := newHarness(newKeyedWriter())
	res, _ := h.run(t, "req-1", "id;email\n"+validLine("A1"))

	assert.Equal(t, domain.ExecutionStatusFail, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrHeaderMismatch)
	assert.Zero(t, res.Metrics.Skipped)
	require.Len(t, h.sink.records, 1)
	require.NotNil(t, h.sink.records[0].Row)
	assert.Equal(t, int64(1), *h.sink.records[0].Row)
	assert.True(t, strings.HasPrefix(h.sink.records[0].Reason, "CSV_PARSE_ERROR: "))
}

func TestRunDuplicateSetResetsPerChunk(t *testing.T) {
	h := newHarness(newKeyedWriter())
	h.opts.ChunkSize = 2
	res, _ := h.run(t, "req-1", header+validLine("A1")+validLine("A1")+validLine("A2")+validLine("A3")+validLine("A1"))

	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Metrics.Skipped)
	assert.Equal(t, int64(4), res.Metrics.Written)
	require.Len(t, h.sink.records, 1)
	assert.Contains(t, h.sink.records[0].Reason, "DUPLICATED_IN_CHUNK")
	assert.Len(t, h.listener.chunks, 2)
}

func TestRunFilterModeCountsFiltered(t *testing.T) {
	h := newHarness(newKeyedWriter())
	h.mode = validation.ModeFilter
	res, _ := h.run(t, "req-1", header+validLine("A1")+badEmailLine("A2"))

	require.NoError(t, res.Err)
	assert.Equal(t, domain.RunMetrics{Read: 2, Written: 1, Filtered: 1}, res.Metrics)
	assert.Empty(t, h.sink.records)
}

func TestRunPersistErrorsDisabled(t *testing.T) {
	h := newHarness(newKeyedWriter())
	h.opts.PersistErrors = false
	res, _ := h.run(t, "req-1", header+badEmailLine("A1"))

	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Metrics.Skipped)
	assert.Empty(t, h.sink.records)
	assert.Len(t, h.listener.skips, 1)
}

func TestRunRedactsPersistedRawLines(t *testing.T) {
	h := newHarness(newKeyedWriter())
	h.opts.RedactRawLines = true
	res, _ := h.run(t, "req-1", header+"A1,ana@example.com,ten,2025-05-01T00:00:00Z\n")

	require.NoError(t, res.Err)
	require.Len(t, h.sink.records, 1)
	require.NotNil(t, h.sink.records[0].RawLine)
	assert.Equal(t, "A1,[email_redacted],ten,2025-05-01T00:00:00Z", *h.sink.records[0].RawLine)
}

func TestRunSkipsOutOfRangeAmount(t *testing.T) {
	h := newHarness(newKeyedWriter())
	res, _ := h.run(t, "req-1", header+"A1,a@b.com,1e400000000,2025-05-01T00:00:00Z\n"+validLine("A2"))

	require.NoError(t, res.Err)
	assert.Equal(t, domain.RunMetrics{Read: 1, Written: 1, Skipped: 1}, res.Metrics)
	require.Len(t, h.sink.records, 1)
	assert.Contains(t, h.sink.records[0].Reason, "out of range")
}

func TestRunSinkFailureIsNotFatal(t *testing.T) {
	h := newHarness(newKeyedWriter())
	h.sink.err = errors.New("sink down")
	res, _ := h.run(t, "req-1", header+badEmailLine("A1")+validLine("A2"))

	require.NoError(t, res.Err)
	assert.Equal(t, domain.RunMetrics{Read: 2, Written: 1, Skipped: 1}, res.Metrics)
}

func TestRunCancelledDuringBackoffStops(t *testing.T) {
	transient := &domain.TransientStoreError{Category: domain.CategorySocketTimeout, Err: errors.New("read timeout")}
	h := newHarness(newKeyedWriter(transient))
	ctx, cancel := context.WithCancel(context.Background())
	h.listener = &recordingListener{}
	cancelOnRetry := cancelListener{recordingListener: h.listener, cancel: cancel}

	c, err := codec.New(",")
	require.NoError(t, err)
	attempt, err := domain.NewRunAttempt("exec-1", domain.RunKey{JobName: "csv-import", RequestID: "req-1"}, nil, testNow)
	require.NoError(t, err)

	coord := NewCoordinator(Dependencies{
		Writer:    h.writer,
		Validator: validation.New(validation.Config{Now: func() time.Time { return testNow }}),
		Listener:  cancelOnRetry,
		Now:       func() time.Time { return testNow },
	}, h.opts)
	res, err := coord.Run(ctx, attempt, codec.NewReader(strings.NewReader(header+validLine("A1")), c))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusStopped, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

type cancelListener struct {
	*recordingListener
	cancel context.CancelFunc
}

func (l cancelListener) OnRetryAttempt(ctx context.Context, e RetryEvent) {
	l.recordingListener.OnRetryAttempt(ctx, e)
	l.cancel()
}

func TestRunRejectsFinishedAttempt(t *testing.T) {
	attempt, err := domain.NewRunAttempt("exec-1", domain.RunKey{JobName: "j", RequestID: "r"}, nil, testNow)
	require.NoError(t, err)
	require.NoError(t, attempt.Finish(domain.ExecutionStatusSuccess, testNow, domain.RunMetrics{}, ""))

	_, err = NewCoordinator(Dependencies{}, Options{}).Run(context.Background(), attempt, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyFinished)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(60))
}
