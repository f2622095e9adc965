package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/launcher"
	"github.com/iago/dataflow-batch/internal/repository"
)

type runRequest struct {
	JobName             string            `json:"job_name"`
	ProcessingRequestID string            `json:"processing_request_id"`
	Parameters          map[string]string `json:"parameters,omitempty"`
}

func (api *API) Runs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request runRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	request.JobName = strings.TrimSpace(request.JobName)
	request.ProcessingRequestID = strings.TrimSpace(request.ProcessingRequestID)
	if request.JobName == "" || request.ProcessingRequestID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_name and processing_request_id are required")
		return
	}

	result, err := api.launcher.RunIfNotRunning(r.Context(), request.JobName, request.ProcessingRequestID, request.Parameters)
	if err != nil {
		writeLaunchError(w, r, err)
		return
	}

	execution := result.Execution
	response := map[string]any{
		"execution_id":          execution.ID,
		"job_name":              execution.Key.JobName,
		"processing_request_id": execution.Key.RequestID,
		"started_at":            formatTime(execution.StartTime),
		"status_url":            "/v1/processings/" + execution.Key.RequestID,
	}
	if result.AlreadyRunning {
		response["status"] = "skipped-running"
		writeJSON(w, http.StatusOK, response)
		return
	}
	response["status"] = execution.Status
	writeJSON(w, http.StatusAccepted, response)
}

func writeLaunchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, launcher.ErrInvalidParameters):
		writeError(w, r, http.StatusBadRequest, "invalid_parameters", err.Error())
	case errors.Is(err, domain.ErrUnknownJob), errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrJobInactive),
		errors.Is(err, launcher.ErrAlreadyCompleted),
		errors.Is(err, launcher.ErrRestartNotAllowed):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to launch run")
	}
}
