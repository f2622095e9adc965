package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrHeaderMismatch = errors.New("header mismatch")

// ParseError reports a line the codec could not turn into a RawRecord.
type ParseError struct {
	Line int
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError lists every rule a record broke.
type ValidationError struct {
	Line       int
	ExternalID string
	Errors     []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+"="+string(fe.Reason))
	}
	return fmt.Sprintf("row=%d errors=[%s]", e.Line, strings.Join(parts, ", "))
}

// Has reports whether reason was raised for field.
func (e *ValidationError) Has(field string, reason ReasonCode) bool {
	for _, fe := range e.Errors {
		if fe.Field == field && fe.Reason == reason {
			return true
		}
	}
	return false
}

type TransientCategory string

const (
	CategoryConnectionTimeout   TransientCategory = "CONNECTION_TIMEOUT"
	CategoryTransientDataAccess TransientCategory = "TRANSIENT_DATA_ACCESS"
	CategorySocketTimeout       TransientCategory = "SOCKET_TIMEOUT"
)

// TransientStoreError is a store failure worth retrying.
type TransientStoreError struct {
	Category TransientCategory
	Err      error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error (%s): %v", e.Category, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// StructuralWriteError is a store failure no retry can fix.
type StructuralWriteError struct {
	Err error
}

func (e *StructuralWriteError) Error() string {
	return fmt.Sprintf("structural write error: %v", e.Err)
}

func (e *StructuralWriteError) Unwrap() error { return e.Err }

// TransientCategoryOf returns the category when err is retryable.
func TransientCategoryOf(err error) (TransientCategory, bool) {
	var te *TransientStoreError
	if errors.As(err, &te) {
		return te.Category, true
	}
	return "", false
}
