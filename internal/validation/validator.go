// Package validation applies the business rules to raw import records.
package validation

import (
	"regexp"
	"strings"
	"time"

	"github.com/iago/dataflow-batch/internal/domain"
)

type Mode string

const (
	// ModeException rejects invalid records with a *domain.ValidationError.
	ModeException Mode = "exception"
	// ModeFilter drops invalid records silently.
	ModeFilter Mode = "filter"
)

// ParseMode maps configuration text to a Mode. Anything but "filter" is
// exception mode.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeFilter)) {
		return ModeFilter
	}
	return ModeException
}

const (
	FieldExternalID = "external_id"
	FieldContact    = "user_email"
	FieldAmount     = "amount"
	FieldEventTime  = "event_time"

	DefaultWindowYears = 2
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// ChunkScope holds the external ids seen in the current chunk.
type ChunkScope struct {
	seen map[string]struct{}
}

func NewChunkScope() *ChunkScope {
	return &ChunkScope{seen: make(map[string]struct{})}
}

func (s *ChunkScope) Reset() {
	clear(s.seen)
}

// Check runs every rule against rec and returns all violations. Keys are
// added to seen even when the record fails other rules.
func Check(rec domain.RawRecord, now time.Time, windowYears int, seen map[string]struct{}) []domain.FieldError {
	var errs []domain.FieldError
	add := func(field string, reason domain.ReasonCode) {
		errs = append(errs, domain.FieldError{Field: field, Reason: reason})
	}

	if rec.ExternalID == "" {
		add(FieldExternalID, domain.ReasonRequired)
	} else if seen != nil {
		if _, dup := seen[rec.ExternalID]; dup {
			add(FieldExternalID, domain.ReasonDuplicatedInChunk)
		} else {
			seen[rec.ExternalID] = struct{}{}
		}
	}

	switch {
	case rec.Contact == "":
		add(FieldContact, domain.ReasonRequired)
	case !emailPattern.MatchString(rec.Contact):
		add(FieldContact, domain.ReasonInvalidFormat)
	}

	switch {
	case rec.Amount == nil:
		add(FieldAmount, domain.ReasonRequired)
	case rec.Amount.IsNegative():
		add(FieldAmount, domain.ReasonNegative)
	}

	if rec.EventTime == nil {
		add(FieldEventTime, domain.ReasonRequired)
	} else {
		oldest := now.Add(-time.Duration(windowYears) * 365 * 24 * time.Hour)
		switch {
		case rec.EventTime.After(now):
			add(FieldEventTime, domain.ReasonFuture)
		case rec.EventTime.Before(oldest):
			add(FieldEventTime, domain.ReasonOutOfWindow)
		}
	}
	return errs
}

type Config struct {
	Mode        Mode
	WindowYears int
	Now         func() time.Time
}

type Validator struct {
	mode        Mode
	windowYears int
	now         func() time.Time
}

func New(cfg Config) *Validator {
	if cfg.Mode == "" {
		cfg.Mode = ModeException
	}
	if cfg.WindowYears <= 0 {
		cfg.WindowYears = DefaultWindowYears
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{mode: cfg.Mode, windowYears: cfg.WindowYears, now: cfg.Now}
}

func (v *Validator) Mode() Mode { return v.mode }

// Process validates rec within scope. It returns ok=false with a nil error
// when the record is filtered out.
func (v *Validator) Process(rec domain.RawRecord, scope *ChunkScope) (domain.ValidatedRecord, bool, error) {
	var seen map[string]struct{}
	if scope != nil {
		seen = scope.seen
	}
	if errs := Check(rec, v.now(), v.windowYears, seen); len(errs) > 0 {
		if v.mode == ModeFilter {
			return domain.ValidatedRecord{}, false, nil
		}
		return domain.ValidatedRecord{}, false, &domain.ValidationError{
			Line:       rec.Line,
			ExternalID: rec.ExternalID,
			Errors:     errs,
		}
	}

	return domain.ValidatedRecord{
		Line:       rec.Line,
		ExternalID: rec.ExternalID,
		Contact:    strings.ToLower(rec.Contact),
		Amount:     rec.Amount.Round(2),
		EventTime:  rec.EventTime.UTC(),
		Meta:       rec.Meta,
	}, true, nil
}
