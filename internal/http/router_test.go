package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/http/handlers"
	"github.com/iago/dataflow-batch/internal/launcher"
	"github.com/iago/dataflow-batch/internal/metrics"
	"github.com/iago/dataflow-batch/internal/repository"
	"github.com/iago/dataflow-batch/internal/service"
)

const token = "secret-token"

type nopProducer struct {
	mu    sync.Mutex
	count int
}

func (p *nopProducer) Enqueue(context.Context, domain.RunMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}

type server struct {
	handler  http.Handler
	store    *repository.MemoryStore
	producer *nopProducer
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := repository.NewMemoryStore()
	cfg, err := domain.NewJobConfig(domain.JobConfig{ID: "cfg-1", Name: "csv_import_v1", ChunkSize: 500, Writer: domain.WriterDatabase, Active: true, AllowRestart: true})
	require.NoError(t, err)
	require.NoError(t, store.SaveJobConfig(context.Background(), cfg))

	collectors := metrics.New()
	producer := &nopProducer{}
	l := launcher.New(launcher.Dependencies{
		Executions: store,
		Requests:   store,
		Configs:    store,
		Producer:   producer,
		Metrics:    collectors,
	})
	api := handlers.NewAPI(service.NewProcessingService(store, "csv_import_v1"), l)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	handler := NewRouter(ctx, RouterDependencies{
		API:            api,
		Metrics:        collectors.Handler(),
		AuthToken:      token,
		CORSOrigins:    []string{"https://ops.example.com"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
	return &server{handler: handler, store: store, producer: producer}
}

func (s *server) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *server) createProcessing(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/processings", map[string]any{
		"title":        "April payouts",
		"storage_path": "/data/april.csv",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Nil(t, body["last_execution"])
	return body["id"].(string)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	s := newServer(t)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestV1RequiresBearerToken(t *testing.T) {
	s := newServer(t)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/processings/abc", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/processings/abc", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProcessingLifecycleThroughAPI(t *testing.T) {
	s := newServer(t)
	id := s.createProcessing(t)

	rec := s.do(t, http.MethodGet, "/v1/processings/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "April payouts", decode(t, rec)["title"])

	rec = s.do(t, http.MethodPost, "/v1/runs", map[string]any{"job_name": "csv_import_v1", "processing_request_id": id}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	launched := decode(t, rec)
	assert.Equal(t, "RUNNING", launched["status"])

	rec = s.do(t, http.MethodPost, "/v1/runs", map[string]any{"job_name": "csv_import_v1", "processing_request_id": id}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	skipped := decode(t, rec)
	assert.Equal(t, "skipped-running", skipped["status"])
	assert.Equal(t, launched["execution_id"], skipped["execution_id"])
	assert.Equal(t, 1, s.producer.count)

	rec = s.do(t, http.MethodGet, "/v1/processings/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	last, ok := decode(t, rec)["last_execution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "RUNNING", last["exit_status"])
	assert.Nil(t, last["end_time"])

	rec = s.do(t, http.MethodGet, "/v1/processings/"+id+"/errors", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["count"])
}

func TestRunsErrorMapping(t *testing.T) {
	s := newServer(t)
	id := s.createProcessing(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing fields", map[string]any{"job_name": "csv_import_v1"}, http.StatusBadRequest},
		{"bad chunk size", map[string]any{"job_name": "csv_import_v1", "processing_request_id": id, "parameters": map[string]string{"chunk_size": "5"}}, http.StatusBadRequest},
		{"unknown job", map[string]any{"job_name": "nope", "processing_request_id": id}, http.StatusNotFound},
		{"unknown request", map[string]any{"job_name": "csv_import_v1", "processing_request_id": "7c9e6679-7425-40de-944b-e07fc1f90ae7"}, http.StatusNotFound},
		{"unknown field", map[string]any{"job": "x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/runs", tc.body, nil)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodGet, "/v1/runs", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProcessingsValidationAndNotFound(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/v1/processings", map[string]any{"title": "", "storage_path": "/x.csv"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/processings", map[string]any{"title": "t", "storage_path": "/x.csv", "job_name": "missing"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/processings/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/processings/missing/errors", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessingsIdempotencyKey(t *testing.T) {
	s := newServer(t)
	headers := map[string]string{"Idempotency-Key": "import-2025-04-30-a"}
	body := map[string]any{"title": "April", "storage_path": "/data/april.csv"}

	first := s.do(t, http.MethodPost, "/v1/processings", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	replay := s.do(t, http.MethodPost, "/v1/processings", body, headers)
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, decode(t, first)["id"], decode(t, replay)["id"])

	body["title"] = "May"
	conflict := s.do(t, http.MethodPost, "/v1/processings", body, headers)
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
