package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is one parsed CSV line before business validation. Blank fields
// are left at their zero value (nil for Amount and EventTime).
type RawRecord struct {
	Line       int
	ExternalID string
	Contact    string
	Amount     *decimal.Decimal
	EventTime  *time.Time
	Meta       map[string]string
}

// ValidatedRecord passed every rule. Contact is lower-cased and Amount carries
// exactly two decimal places.
type ValidatedRecord struct {
	Line       int               `json:"line"`
	ExternalID string            `json:"external_id"`
	Contact    string            `json:"user_email"`
	Amount     decimal.Decimal   `json:"amount"`
	EventTime  time.Time         `json:"event_time"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type ReasonCode string

const (
	ReasonRequired          ReasonCode = "REQUIRED"
	ReasonInvalidFormat     ReasonCode = "INVALID_FORMAT"
	ReasonNegative          ReasonCode = "NEGATIVE"
	ReasonFuture            ReasonCode = "FUTURE"
	ReasonOutOfWindow       ReasonCode = "OUT_OF_WINDOW"
	ReasonDuplicatedInChunk ReasonCode = "DUPLICATED_IN_CHUNK"
)

type FieldError struct {
	Field  string     `json:"field"`
	Reason ReasonCode `json:"reason"`
}

// SkipRecord is one persisted row of the error sink.
type SkipRecord struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"processing_request_id"`
	Row        *int64    `json:"row,omitempty"`
	ExternalID *string   `json:"external_id,omitempty"`
	Reason     string    `json:"reason"`
	RawLine    *string   `json:"raw_line,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PendingItem is one (job name, request id) pair waiting to be launched.
type PendingItem struct {
	JobName   string
	RequestID string
}

// RunMessage is the transport format handed from the launcher to workers.
type RunMessage struct {
	ExecutionID string            `json:"execution_id"`
	JobName     string            `json:"job_name"`
	RequestID   string            `json:"request_id"`
	Parameters  map[string]string `json:"parameters"`
	Attempt     int               `json:"attempt"`
	RequestedAt time.Time         `json:"requested_at"`
}
