package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusInProgress RequestStatus = "IN_PROGRESS"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

func (s RequestStatus) valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusInProgress, RequestStatusCompleted, RequestStatusFailed:
		return true
	}
	return false
}

var ErrIllegalTransition = errors.New("illegal status transition")

type IllegalTransitionError struct {
	RequestID string
	From      RequestStatus
	To        RequestStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("processing request %s: cannot move from %s to %s", e.RequestID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// SourceFile points at the uploaded CSV a request asks to import.
type SourceFile struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
}

// ProcessingRequestParams carries the immutable attributes of a request.
type ProcessingRequestParams struct {
	ID          string
	Title       string
	Source      SourceFile
	Parameters  map[string]string
	JobConfig   JobConfig
	CreatedAt   time.Time
	RequestedBy string
}

// ProcessingRequest is the user-visible unit of work. Its status only moves
// PENDING -> IN_PROGRESS -> COMPLETED | FAILED.
type ProcessingRequest struct {
	mu     sync.Mutex
	params ProcessingRequestParams
	status RequestStatus
}

func NewProcessingRequest(p ProcessingRequestParams) (*ProcessingRequest, error) {
	return newProcessingRequest(p, RequestStatusPending)
}

// RestoreProcessingRequest rebuilds a request read back from storage.
func RestoreProcessingRequest(p ProcessingRequestParams, status RequestStatus) (*ProcessingRequest, error) {
	if !status.valid() {
		return nil, fmt.Errorf("processing request %s: unknown status %q", p.ID, status)
	}
	return newProcessingRequest(p, status)
}

func newProcessingRequest(p ProcessingRequestParams, status RequestStatus) (*ProcessingRequest, error) {
	var problems []string
	if strings.TrimSpace(p.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(p.Source.StoragePath) == "" {
		problems = append(problems, "source storage path is required")
	}
	if p.JobConfig.Name == "" {
		problems = append(problems, "job config is required")
	}
	if p.CreatedAt.IsZero() {
		problems = append(problems, "created at is required")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid processing request: %s", strings.Join(problems, "; "))
	}

	p.Parameters = cloneParams(p.Parameters)
	return &ProcessingRequest{params: p, status: status}, nil
}

func (r *ProcessingRequest) ID() string { return r.params.ID }
func (r *ProcessingRequest) Title() string { return r.params.Title }
func (r *ProcessingRequest) Source() SourceFile { return r.params.Source }
func (r *ProcessingRequest) JobConfig() JobConfig { return r.params.JobConfig }
func (r *ProcessingRequest) CreatedAt() time.Time { return r.params.CreatedAt }
func (r *ProcessingRequest) RequestedBy() string { return r.params.RequestedBy }
func (r *ProcessingRequest) Parameters() map[string]string { return cloneParams(r.params.Parameters) }

// Params returns a copy of the immutable attributes, used by storage adapters.
func (r *ProcessingRequest) Params() ProcessingRequestParams {
	p := r.params
	p.Parameters = cloneParams(p.Parameters)
	return p
}

func (r *ProcessingRequest) Status() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *ProcessingRequest) MarkInProgress() error {
	return r.transition(RequestStatusPending, RequestStatusInProgress)
}

func (r *ProcessingRequest) MarkCompleted() error {
	return r.transition(RequestStatusInProgress, RequestStatusCompleted)
}

func (r *ProcessingRequest) MarkFailed() error {
	return r.transition(RequestStatusInProgress, RequestStatusFailed)
}

func (r *ProcessingRequest) transition(from, to RequestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != from {
		return &IllegalTransitionError{RequestID: r.params.ID, From: r.status, To: to}
	}
	r.status = to
	return nil
}

func cloneParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
