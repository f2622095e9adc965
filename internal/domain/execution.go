package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type ExecutionStatus string

const (
	// ExecutionStatusRunning marks an attempt that has not finished yet.
	ExecutionStatusRunning ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess ExecutionStatus = "SUCCESS"
	ExecutionStatusFail    ExecutionStatus = "FAIL"
	ExecutionStatusStopped ExecutionStatus = "STOPPED"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFail || s == ExecutionStatusStopped
}

var ErrAlreadyFinished = errors.New("run attempt already finished")

// RunKey identifies a logical run. At most one attempt per key may be running.
type RunKey struct {
	JobName   string
	RequestID string
}

func (k RunKey) String() string {
	return k.JobName + "/" + k.RequestID
}

type RunMetrics struct {
	Read     int64 `json:"read"`
	Written  int64 `json:"written"`
	Skipped  int64 `json:"skipped"`
	Filtered int64 `json:"filtered"`
}

func (m RunMetrics) validate() error {
	if m.Read < 0 || m.Written < 0 || m.Skipped < 0 || m.Filtered < 0 {
		return fmt.Errorf("run metrics must be non-negative: %+v", m)
	}
	return nil
}

// RunAttemptSnapshot is the plain-data view of an attempt used by storage
// adapters and API responses.
type RunAttemptSnapshot struct {
	ID           string
	Key          RunKey
	Parameters   map[string]string
	StartTime    time.Time
	EndTime      *time.Time
	Status       ExecutionStatus
	Metrics      RunMetrics
	ErrorMessage string
}

// RunAttempt is one concrete execution of a run. Finish may be called once.
type RunAttempt struct {
	mu         sync.Mutex
	id         string
	key        RunKey
	parameters map[string]string
	startTime  time.Time

	finished     bool
	endTime      time.Time
	status       ExecutionStatus
	metrics      RunMetrics
	errorMessage string
}

func NewRunAttempt(id string, key RunKey, parameters map[string]string, start time.Time) (*RunAttempt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("run attempt: id is required")
	}
	if key.JobName == "" || key.RequestID == "" {
		return nil, fmt.Errorf("run attempt %s: job name and request id are required", id)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("run attempt %s: start time is required", id)
	}
	return &RunAttempt{
		id:         id,
		key:        key,
		parameters: cloneParams(parameters),
		startTime:  start,
		status:     ExecutionStatusRunning,
	}, nil
}

// RestoreRunAttempt rebuilds an attempt read back from storage.
func RestoreRunAttempt(s RunAttemptSnapshot) (*RunAttempt, error) {
	a, err := NewRunAttempt(s.ID, s.Key, s.Parameters, s.StartTime)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == ExecutionStatusRunning || s.Status == "":
		return a, nil
	case s.Status.Terminal():
		if s.EndTime == nil {
			return nil, fmt.Errorf("run attempt %s: %s without end time", s.ID, s.Status)
		}
		if err := a.Finish(s.Status, *s.EndTime, s.Metrics, s.ErrorMessage); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("run attempt %s: unknown status %q", s.ID, s.Status)
	}
}

func (a *RunAttempt) ID() string { return a.id }
func (a *RunAttempt) Key() RunKey { return a.key }
func (a *RunAttempt) StartTime() time.Time { return a.startTime }
func (a *RunAttempt) Parameters() map[string]string { return cloneParams(a.parameters) }

func (a *RunAttempt) Parameter(name string) string {
	return a.parameters[name]
}

func (a *RunAttempt) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// Finish records the terminal outcome. A second call returns ErrAlreadyFinished
// and leaves the first outcome untouched.
func (a *RunAttempt) Finish(status ExecutionStatus, end time.Time, metrics RunMetrics, errorMessage string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return fmt.Errorf("run attempt %s: %w", a.id, ErrAlreadyFinished)
	}

	if !status.Terminal() {
		return fmt.Errorf("run attempt %s: %q is not a terminal status", a.id, status)
	}
	if end.Before(a.startTime) {
		return fmt.Errorf("run attempt %s: end time %s before start time %s", a.id, end.Format(time.RFC3339Nano), a.startTime.Format(time.RFC3339Nano))
	}
	if err := metrics.validate(); err != nil {
		return fmt.Errorf("run attempt %s: %w", a.id, err)
	}

	a.finished = true
	a.endTime = end
	a.status = status
	a.metrics = metrics
	a.errorMessage = errorMessage
	return nil
}

func (a *RunAttempt) Snapshot() RunAttemptSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := RunAttemptSnapshot{
		ID:           a.id,
		Key:          a.key,
		Parameters:   cloneParams(a.parameters),
		StartTime:    a.startTime,
		Status:       a.status,
		Metrics:      a.metrics,
		ErrorMessage: a.errorMessage,
	}
	if a.finished {
		end := a.endTime
		s.EndTime = &end
	}
	return s
}
