package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/repository"
	"github.com/iago/dataflow-batch/internal/service"
)

type processingRequest struct {
	Title       string            `json:"title"`
	StoragePath string            `json:"storage_path"`
	JobName     string            `json:"job_name,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
}

type processingMetrics struct {
	ReadCount  int64 `json:"read_count"`
	WriteCount int64 `json:"write_count"`
	SkipCount  int64 `json:"skip_count"`
}

type lastExecution struct {
	ExecutionID  string  `json:"execution_id"`
	StartTime    string  `json:"start_time"`
	EndTime      *string `json:"end_time"`
	ExitStatus   string  `json:"exit_status"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

type processingResponse struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Status        string            `json:"status"`
	JobName       string            `json:"job_name"`
	CreatedAt     string            `json:"created_at"`
	DataFileID    string            `json:"data_file_id"`
	StoragePath   string            `json:"storage_path"`
	RequestedBy   string            `json:"requested_by,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Metrics       processingMetrics `json:"metrics"`
	LastExecution *lastExecution    `json:"last_execution"`
	ErrorCount    *int              `json:"error_count,omitempty"`
}

// Processings handles POST /v1/processings. An optional Idempotency-Key
// header replays the request created by an earlier identical call.
func (api *API) Processings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" && len(idempotencyKey) < 16 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key must have at least 16 characters")
		return
	}

	var request processingRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		if entry, exists := api.idempotency.Get(idempotencyKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			existing, err := api.processings.Get(r.Context(), entry.RequestID)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load processing request")
				return
			}
			writeJSON(w, http.StatusOK, toProcessingResponse(service.ProcessingStatus{Request: existing}))
			return
		}
	}

	created, err := api.processings.Create(r.Context(), service.CreateProcessingInput{
		Title:       request.Title,
		StoragePath: request.StoragePath,
		JobName:     request.JobName,
		RequestedBy: request.RequestedBy,
		Parameters:  request.Parameters,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, domain.ErrUnknownJob):
			writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, domain.ErrJobInactive):
			writeError(w, r, http.StatusConflict, "conflict", err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to create processing request")
		}
		return
	}

	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, created.ID())
	}
	w.Header().Set("Location", "/v1/processings/"+created.ID())
	writeJSON(w, http.StatusCreated, toProcessingResponse(service.ProcessingStatus{Request: created}))
}

// ProcessingByID serves GET /v1/processings/{id} and
// GET /v1/processings/{id}/errors.
func (api *API) ProcessingByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/processings/"), "/")
	requestID, tail, _ := strings.Cut(rest, "/")
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "processing id is required")
		return
	}

	switch tail {
	case "":
		api.processingStatus(w, r, requestID)
	case "errors":
		api.processingErrors(w, r, requestID)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	}
}

func (api *API) processingStatus(w http.ResponseWriter, r *http.Request, requestID string) {
	status, err := api.processings.Status(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "processing id not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load processing request")
		return
	}
	writeJSON(w, http.StatusOK, toProcessingResponse(status))
}

func (api *API) processingErrors(w http.ResponseWriter, r *http.Request, requestID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	skips, err := api.processings.Errors(r.Context(), requestID, limit)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "processing id not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load errors")
		return
	}
	if skips == nil {
		skips = []domain.SkipRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processing_request_id": requestID,
		"items":                 skips,
		"count":                 len(skips),
	})
}

func toProcessingResponse(status service.ProcessingStatus) processingResponse {
	request := status.Request
	response := processingResponse{
		ID:          request.ID(),
		Title:       request.Title(),
		Status:      string(request.Status()),
		JobName:     request.JobConfig().Name,
		CreatedAt:   formatTime(request.CreatedAt()),
		DataFileID:  request.Source().ID,
		StoragePath: request.Source().StoragePath,
		RequestedBy: request.RequestedBy(),
		Parameters:  request.Parameters(),
	}
	if last := status.LastExecution; last != nil {
		response.Metrics = processingMetrics{
			ReadCount:  last.Metrics.Read,
			WriteCount: last.Metrics.Written,
			SkipCount:  last.Metrics.Skipped,
		}
		response.LastExecution = &lastExecution{
			ExecutionID:  last.ID,
			StartTime:    formatTime(last.StartTime),
			EndTime:      formatOptionalTime(last.EndTime),
			ExitStatus:   string(last.Status),
			ErrorMessage: last.ErrorMessage,
		}
		errorCount := status.ErrorCount
		response.ErrorCount = &errorCount
	}
	return response
}
