package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/repository"
)

var created = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

func newService(t *testing.T) (*ProcessingService, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	ctx := context.Background()

	active, err := domain.NewJobConfig(domain.JobConfig{ID: "cfg-1", Name: "csv_import_v1", Writer: domain.WriterDatabase, Active: true})
	require.NoError(t, err)
	retired, err := domain.NewJobConfig(domain.JobConfig{ID: "cfg-2", Name: "retired", Active: false})
	require.NoError(t, err)
	require.NoError(t, store.SaveJobConfig(ctx, active))
	require.NoError(t, store.SaveJobConfig(ctx, retired))

	svc := NewProcessingService(store, "csv_import_v1")
	svc.now = func() time.Time { return created }
	return svc, store
}

func TestCreateUsesDefaultJob(t *testing.T) {
	svc, store := newService(t)

	request, err := svc.Create(context.Background(), CreateProcessingInput{
		Title:       "  March payouts ",
		StoragePath: "/data/march.csv",
		Parameters:  map[string]string{domain.ParamDelimiter: ";"},
		RequestedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, "March payouts", request.Title())
	assert.Equal(t, domain.RequestStatusPending, request.Status())
	assert.Equal(t, "csv_import_v1", request.JobConfig().Name)
	assert.Equal(t, created, request.CreatedAt())

	stored, err := store.GetRequest(context.Background(), request.ID())
	require.NoError(t, err)
	assert.Equal(t, ";", stored.Parameters()[domain.ParamDelimiter])
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := map[string]CreateProcessingInput{
		"blank title":    {Title: "   ", StoragePath: "/data/a.csv"},
		"long title":     {Title: strings.Repeat("x", MaxTitleLength+1), StoragePath: "/data/a.csv"},
		"missing source": {Title: "ok"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := svc.Create(ctx, CreateProcessingInput{Title: "ok", StoragePath: "/a.csv", JobName: "nope"})
	assert.ErrorIs(t, err, domain.ErrUnknownJob)

	_, err = svc.Create(ctx, CreateProcessingInput{Title: "ok", StoragePath: "/a.csv", JobName: "retired"})
	assert.ErrorIs(t, err, domain.ErrJobInactive)
}

func TestStatusIncludesLastExecution(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	request, err := svc.Create(ctx, CreateProcessingInput{Title: "t", StoragePath: "/data/t.csv"})
	require.NoError(t, err)

	status, err := svc.Status(ctx, request.ID())
	require.NoError(t, err)
	assert.Nil(t, status.LastExecution)

	key := domain.RunKey{JobName: "csv_import_v1", RequestID: request.ID()}
	attempt, err := domain.NewRunAttempt("exec-1", key, nil, created)
	require.NoError(t, err)
	require.NoError(t, store.CreateExecution(ctx, attempt.Snapshot()))
	require.NoError(t, attempt.Finish(domain.ExecutionStatusSuccess, created.Add(time.Minute), domain.RunMetrics{Read: 2, Written: 1, Skipped: 1}, ""))
	require.NoError(t, store.FinishExecution(ctx, attempt.Snapshot()))
	require.NoError(t, store.SaveSkip(ctx, domain.SkipRecord{RequestID: request.ID(), Reason: "VALIDATION_ERROR: row=3", CreatedAt: created}))

	status, err = svc.Status(ctx, request.ID())
	require.NoError(t, err)
	require.NotNil(t, status.LastExecution)
	assert.Equal(t, domain.ExecutionStatusSuccess, status.LastExecution.Status)
	assert.Equal(t, 1, status.ErrorCount)

	skips, err := svc.Errors(ctx, request.ID(), 0)
	require.NoError(t, err)
	assert.Len(t, skips, 1)
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = svc.Errors(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
